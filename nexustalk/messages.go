package nexustalk

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Enumerations of the NexusTalk schema. Values are the wire numbers.
// Every message type encodes with Marshal and decodes with Unmarshal;
// Unmarshal resets the receiver and skips fields it does not know.

// ProtocolVersion is the NexusTalk protocol revision announced in Hello.
type ProtocolVersion int32

const ProtocolVersion3 ProtocolVersion = 3

// ClientType identifies the kind of client in Hello.
type ClientType int32

const (
	ClientTypeAndroid ClientType = 1
	ClientTypeIOS     ClientType = 2
	ClientTypeWeb     ClientType = 3
)

// Profile selects a stream quality or codec in StartPlayback.
type Profile int32

const (
	ProfileMobile1                   Profile = 1
	ProfileHDMain1                   Profile = 2
	ProfileAudioAAC                  Profile = 3
	ProfileAudioSpeex                Profile = 4
	ProfileAudioOpus                 Profile = 5
	ProfileVideoH264_50KBitL12       Profile = 6
	ProfileVideoH264_530KBitL31      Profile = 7
	ProfileVideoH264_100KBitL30      Profile = 8
	ProfileVideoH264_2MBitL40        Profile = 9
	ProfileVideoH264_50KBitThumbnail Profile = 10
	ProfileMeta                      Profile = 11
	ProfileDirectorsCut              Profile = 12
	ProfileAudioOpusLive             Profile = 13
	ProfileVideoH264L31              Profile = 14
	ProfileVideoH264L40              Profile = 15
)

// CodecType is the codec of a playback channel.
type CodecType int32

const (
	CodecSpeex        CodecType = 0
	CodecPCMS16LE     CodecType = 1
	CodecH264         CodecType = 2
	CodecAAC          CodecType = 3
	CodecOpus         CodecType = 4
	CodecMeta         CodecType = 5
	CodecDirectorsCut CodecType = 6
)

// PlaybackEndReason says why the camera ended a playback session.
type PlaybackEndReason int32

const (
	EndUserEndedSession          PlaybackEndReason = 0
	EndTimeNotAvailable          PlaybackEndReason = 1
	EndProfileNotAvailable       PlaybackEndReason = 2
	EndTranscodeNotAvailable     PlaybackEndReason = 3
	EndLeafNodeCannotReachCamera PlaybackEndReason = 4
	EndSessionComplete           PlaybackEndReason = 5
)

// ErrorCode classifies an Error message.
type ErrorCode int32

const (
	ErrorCameraNotConnected    ErrorCode = 1
	ErrorIllegalPacket         ErrorCode = 2
	ErrorAuthorizationFailed   ErrorCode = 3
	ErrorNoTranscoderAvailable ErrorCode = 4
	ErrorTranscodeProxyError   ErrorCode = 5
	ErrorInternal              ErrorCode = 6
)

// Hello opens a session. The authorize request is carried inline.
type Hello struct {
	ProtocolVersion        ProtocolVersion
	UUID                   string
	RequireConnectedCamera bool
	DeviceID               string
	UserAgent              string
	ClientType             ClientType
	AuthorizeRequest       []byte
}

// Marshal encodes the message in protobuf wire format.
func (m *Hello) Marshal() []byte {
	var e encoder
	e.varint(1, uint64(m.ProtocolVersion))
	e.string(2, m.UUID)
	e.bool(3, m.RequireConnectedCamera)
	e.string(6, m.DeviceID)
	e.string(7, m.UserAgent)
	e.varint(9, uint64(m.ClientType))
	e.bytes(12, m.AuthorizeRequest)
	return e
}

// Unmarshal decodes b into m.
func (m *Hello) Unmarshal(b []byte) error {
	*m = Hello{}
	return parseFields(b, func(f field) {
		switch f.num {
		case 1:
			m.ProtocolVersion = ProtocolVersion(f.u)
		case 2:
			m.UUID = string(f.b)
		case 3:
			m.RequireConnectedCamera = f.u != 0
		case 6:
			m.DeviceID = string(f.b)
		case 7:
			m.UserAgent = string(f.b)
		case 9:
			m.ClientType = ClientType(f.u)
		case 12:
			m.AuthorizeRequest = f.b
		}
	})
}

// AuthorizeRequest carries exactly one credential, chosen by account type.
type AuthorizeRequest struct {
	SessionToken     string
	WWNAccessToken   string
	ServiceAccessKey string
	OliveToken       string
}

// Marshal encodes the message in protobuf wire format.
func (m *AuthorizeRequest) Marshal() []byte {
	var e encoder
	e.string(1, m.SessionToken)
	e.string(2, m.WWNAccessToken)
	e.string(3, m.ServiceAccessKey)
	e.string(4, m.OliveToken)
	return e
}

// Unmarshal decodes b into m.
func (m *AuthorizeRequest) Unmarshal(b []byte) error {
	*m = AuthorizeRequest{}
	return parseFields(b, func(f field) {
		switch f.num {
		case 1:
			m.SessionToken = string(f.b)
		case 2:
			m.WWNAccessToken = string(f.b)
		case 3:
			m.ServiceAccessKey = string(f.b)
		case 4:
			m.OliveToken = string(f.b)
		}
	})
}

// StartPlayback requests a playback session with a primary profile and
// fallbacks.
type StartPlayback struct {
	SessionID     uint32
	Profile       Profile
	OtherProfiles []Profile
}

// Marshal encodes the message in protobuf wire format.
func (m *StartPlayback) Marshal() []byte {
	var e encoder
	e.varint(1, uint64(m.SessionID))
	e.varint(2, uint64(m.Profile))
	if len(m.OtherProfiles) > 0 {
		var packed []byte
		for _, p := range m.OtherProfiles {
			packed = protowire.AppendVarint(packed, uint64(p))
		}
		e.bytes(5, packed)
	}
	return e
}

// Unmarshal decodes b into m.
func (m *StartPlayback) Unmarshal(b []byte) error {
	*m = StartPlayback{}
	var packedErr error
	err := parseFields(b, func(f field) {
		switch f.num {
		case 1:
			m.SessionID = uint32(f.u)
		case 2:
			m.Profile = Profile(f.u)
		case 5:
			if f.typ == protowire.VarintType {
				m.OtherProfiles = append(m.OtherProfiles, Profile(f.u))
				return
			}
			for rest := f.b; len(rest) > 0; {
				v, n := protowire.ConsumeVarint(rest)
				if n < 0 {
					packedErr = protowire.ParseError(n)
					return
				}
				m.OtherProfiles = append(m.OtherProfiles, Profile(v))
				rest = rest[n:]
			}
		}
	})
	if err != nil {
		return err
	}
	return errors.Wrap(packedErr, "other profiles")
}

// StopPlayback ends the playback session with the given id.
type StopPlayback struct {
	SessionID uint32
}

// Marshal encodes the message in protobuf wire format.
func (m *StopPlayback) Marshal() []byte {
	var e encoder
	e.varint(1, uint64(m.SessionID))
	return e
}

// Unmarshal decodes b into m.
func (m *StopPlayback) Unmarshal(b []byte) error {
	*m = StopPlayback{}
	return parseFields(b, func(f field) {
		if f.num == 1 {
			m.SessionID = uint32(f.u)
		}
	})
}

// Stream describes one media channel of a playback session.
type Stream struct {
	ChannelID  uint32
	CodecType  CodecType
	SampleRate uint32
	StartTime  float64
	Profile    Profile
}

// Marshal encodes the message in protobuf wire format.
func (m *Stream) Marshal() []byte {
	var e encoder
	e.varint(1, uint64(m.ChannelID))
	e.varint(2, uint64(m.CodecType))
	e.varint(3, uint64(m.SampleRate))
	e.double(5, m.StartTime)
	e.varint(8, uint64(m.Profile))
	return e
}

// Unmarshal decodes b into m.
func (m *Stream) Unmarshal(b []byte) error {
	*m = Stream{}
	return parseFields(b, func(f field) {
		switch f.num {
		case 1:
			m.ChannelID = uint32(f.u)
		case 2:
			m.CodecType = CodecType(f.u)
		case 3:
			m.SampleRate = uint32(f.u)
		case 5:
			m.StartTime = math.Float64frombits(f.u)
		case 8:
			m.Profile = Profile(f.u)
		}
	})
}

// PlaybackBegin announces a playback session and its channels.
type PlaybackBegin struct {
	SessionID uint32
	Channels  []Stream
}

// Marshal encodes the message in protobuf wire format.
func (m *PlaybackBegin) Marshal() []byte {
	var e encoder
	e.varint(1, uint64(m.SessionID))
	for i := range m.Channels {
		e.message(2, m.Channels[i].Marshal())
	}
	return e
}

// Unmarshal decodes b into m.
func (m *PlaybackBegin) Unmarshal(b []byte) error {
	*m = PlaybackBegin{}
	var streamErr error
	err := parseFields(b, func(f field) {
		switch f.num {
		case 1:
			m.SessionID = uint32(f.u)
		case 2:
			var s Stream
			if err := s.Unmarshal(f.b); err != nil {
				streamErr = err
				return
			}
			m.Channels = append(m.Channels, s)
		}
	})
	if err != nil {
		return err
	}
	return errors.Wrap(streamErr, "channel")
}

// PlaybackPacket carries one media payload. TimestampDelta is in units of
// the channel's sample rate since the previous packet on that channel.
type PlaybackPacket struct {
	SessionID      uint32
	ChannelID      uint32
	TimestampDelta uint32
	Payload        []byte
}

// Marshal encodes the message in protobuf wire format.
func (m *PlaybackPacket) Marshal() []byte {
	var e encoder
	e.varint(1, uint64(m.SessionID))
	e.varint(2, uint64(m.ChannelID))
	e.varint(3, uint64(m.TimestampDelta))
	e.bytes(4, m.Payload)
	return e
}

// Unmarshal decodes b into m.
func (m *PlaybackPacket) Unmarshal(b []byte) error {
	*m = PlaybackPacket{}
	return parseFields(b, func(f field) {
		switch f.num {
		case 1:
			m.SessionID = uint32(f.u)
		case 2:
			m.ChannelID = uint32(f.u)
		case 3:
			m.TimestampDelta = uint32(f.u)
		case 4:
			m.Payload = f.b
		}
	})
}

// PlaybackEnd reports that the camera stopped a playback session.
type PlaybackEnd struct {
	SessionID uint32
	Reason    PlaybackEndReason
}

// Marshal encodes the message in protobuf wire format.
func (m *PlaybackEnd) Marshal() []byte {
	var e encoder
	e.varint(1, uint64(m.SessionID))
	e.varint(2, uint64(m.Reason))
	return e
}

// Unmarshal decodes b into m.
func (m *PlaybackEnd) Unmarshal(b []byte) error {
	*m = PlaybackEnd{}
	return parseFields(b, func(f field) {
		switch f.num {
		case 1:
			m.SessionID = uint32(f.u)
		case 2:
			m.Reason = PlaybackEndReason(f.u)
		}
	})
}

// Error is a camera-side failure report.
type Error struct {
	Code    ErrorCode
	Message string
}

// Marshal encodes the message in protobuf wire format.
func (m *Error) Marshal() []byte {
	var e encoder
	e.varint(1, uint64(m.Code))
	e.string(2, m.Message)
	return e
}

// Unmarshal decodes b into m.
func (m *Error) Unmarshal(b []byte) error {
	*m = Error{}
	return parseFields(b, func(f field) {
		switch f.num {
		case 1:
			m.Code = ErrorCode(f.u)
		case 2:
			m.Message = string(f.b)
		}
	})
}

// Redirect moves the session to another streaming host.
type Redirect struct {
	NewHost        string
	IsSessionEnded bool
}

// Marshal encodes the message in protobuf wire format.
func (m *Redirect) Marshal() []byte {
	var e encoder
	e.string(1, m.NewHost)
	e.bool(2, m.IsSessionEnded)
	return e
}

// Unmarshal decodes b into m.
func (m *Redirect) Unmarshal(b []byte) error {
	*m = Redirect{}
	return parseFields(b, func(f field) {
		switch f.num {
		case 1:
			m.NewHost = string(f.b)
		case 2:
			m.IsSessionEnded = f.u != 0
		}
	})
}

// Talkback is the body of both TalkbackBegin and TalkbackEnd.
type Talkback struct {
	UserID        string
	SessionID     uint32
	QuickActionID uint32
	DeviceID      string
}

// Marshal encodes the message in protobuf wire format.
func (m *Talkback) Marshal() []byte {
	var e encoder
	e.string(1, m.UserID)
	e.varint(2, uint64(m.SessionID))
	e.varint(3, uint64(m.QuickActionID))
	e.string(4, m.DeviceID)
	return e
}

// Unmarshal decodes b into m.
func (m *Talkback) Unmarshal(b []byte) error {
	*m = Talkback{}
	return parseFields(b, func(f field) {
		switch f.num {
		case 1:
			m.UserID = string(f.b)
		case 2:
			m.SessionID = uint32(f.u)
		case 3:
			m.QuickActionID = uint32(f.u)
		case 4:
			m.DeviceID = string(f.b)
		}
	})
}

// AudioPayload sends talkback audio to the camera.
type AudioPayload struct {
	Payload    []byte
	SessionID  uint32
	Codec      CodecType
	SampleRate uint32
}

// Marshal encodes the message in protobuf wire format.
func (m *AudioPayload) Marshal() []byte {
	var e encoder
	e.bytes(1, m.Payload)
	e.varint(2, uint64(m.SessionID))
	e.varint(3, uint64(m.Codec))
	e.varint(4, uint64(m.SampleRate))
	return e
}

// Unmarshal decodes b into m.
func (m *AudioPayload) Unmarshal(b []byte) error {
	*m = AudioPayload{}
	return parseFields(b, func(f field) {
		switch f.num {
		case 1:
			m.Payload = f.b
		case 2:
			m.SessionID = uint32(f.u)
		case 3:
			m.Codec = CodecType(f.u)
		case 4:
			m.SampleRate = uint32(f.u)
		}
	})
}

// encoder appends proto3 fields, omitting zero values.
type encoder []byte

func (e *encoder) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.VarintType)
	*e = protowire.AppendVarint(*e, v)
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if v {
		e.varint(num, 1)
	}
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendString(*e, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendBytes(*e, v)
}

// message writes an embedded message even when it encodes to zero bytes.
func (e *encoder) message(num protowire.Number, v []byte) {
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendBytes(*e, v)
}

func (e *encoder) double(num protowire.Number, v float64) {
	if v == 0 {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.Fixed64Type)
	*e = protowire.AppendFixed64(*e, math.Float64bits(v))
}

// field is one decoded tag/value pair. Scalars land in u, length-delimited
// values in b (aliasing the input).
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

func parseFields(b []byte, fn func(f field)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "tag")
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]
		fn(f)
	}
	return nil
}
