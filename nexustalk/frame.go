package nexustalk

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// PacketType is the one-byte type tag at the start of every frame.
type PacketType uint8

const (
	PacketPing               PacketType = 1
	PacketHello              PacketType = 100
	PacketPingCamera         PacketType = 101
	PacketAudioPayload       PacketType = 102
	PacketStartPlayback      PacketType = 103
	PacketStopPlayback       PacketType = 104
	PacketClockSyncEcho      PacketType = 105
	PacketLatencyMeasure     PacketType = 106
	PacketTalkbackLatency    PacketType = 107
	PacketMetadataRequest    PacketType = 108
	PacketOK                 PacketType = 200
	PacketError              PacketType = 201
	PacketPlaybackBegin      PacketType = 202
	PacketPlaybackEnd        PacketType = 203
	PacketPlaybackPacket     PacketType = 204
	PacketLongPlaybackPacket PacketType = 205
	PacketClockSync          PacketType = 206
	PacketRedirect           PacketType = 207
	PacketTalkbackBegin      PacketType = 208
	PacketTalkbackEnd        PacketType = 209
	PacketMetadata           PacketType = 210
	PacketMetadataError      PacketType = 211
	PacketAuthorizeRequest   PacketType = 212
)

var packetNames = map[PacketType]string{
	PacketPing:               "ping",
	PacketHello:              "hello",
	PacketPingCamera:         "ping_camera",
	PacketAudioPayload:       "audio_payload",
	PacketStartPlayback:      "start_playback",
	PacketStopPlayback:       "stop_playback",
	PacketClockSyncEcho:      "clock_sync_echo",
	PacketLatencyMeasure:     "latency_measure",
	PacketTalkbackLatency:    "talkback_latency",
	PacketMetadataRequest:    "metadata_request",
	PacketOK:                 "ok",
	PacketError:              "error",
	PacketPlaybackBegin:      "playback_begin",
	PacketPlaybackEnd:        "playback_end",
	PacketPlaybackPacket:     "playback_packet",
	PacketLongPlaybackPacket: "long_playback_packet",
	PacketClockSync:          "clock_sync",
	PacketRedirect:           "redirect",
	PacketTalkbackBegin:      "talkback_begin",
	PacketTalkbackEnd:        "talkback_end",
	PacketMetadata:           "metadata",
	PacketMetadataError:      "metadata_error",
	PacketAuthorizeRequest:   "authorize_request",
}

func (t PacketType) String() string {
	if s, ok := packetNames[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Header sizes: type byte plus a 16-bit length, or a 32-bit length for
// PacketLongPlaybackPacket.
const (
	headerLen     = 3
	longHeaderLen = 5
)

// ErrPayloadTooLarge is returned when a payload does not fit the length
// field of its packet type.
var ErrPayloadTooLarge = errors.New("nexustalk: payload too large for packet type")

// Frame is one decoded protocol message.
type Frame struct {
	Type    PacketType
	Payload []byte
}

func isLong(t PacketType) bool {
	return t == PacketLongPlaybackPacket
}

// EncodeFrame prepends the wire header for t to payload.
func EncodeFrame(t PacketType, payload []byte) ([]byte, error) {
	if isLong(t) {
		if uint64(len(payload)) > math.MaxUint32 {
			return nil, errors.Wrapf(ErrPayloadTooLarge, "%s: %d bytes", t, len(payload))
		}
		out := make([]byte, longHeaderLen, longHeaderLen+len(payload))
		out[0] = byte(t)
		binary.BigEndian.PutUint32(out[1:], uint32(len(payload)))
		return append(out, payload...), nil
	}
	if len(payload) > math.MaxUint16 {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%s: %d bytes", t, len(payload))
	}
	out := make([]byte, headerLen, headerLen+len(payload))
	out[0] = byte(t)
	binary.BigEndian.PutUint16(out[1:], uint16(len(payload)))
	return append(out, payload...), nil
}

// Decoder accumulates socket reads and splits them into frames. A single
// read may carry several frames or only part of one.
type Decoder struct {
	buf []byte
}

// Decode appends p to the accumulator and returns every frame that is now
// complete, in wire order. Returned payloads do not alias p or the
// accumulator.
func (d *Decoder) Decode(p []byte) []Frame {
	d.buf = append(d.buf, p...)

	var frames []Frame
	off := 0
	for len(d.buf)-off >= headerLen {
		t := PacketType(d.buf[off])
		hdr := headerLen
		var size int
		if isLong(t) {
			if len(d.buf)-off < longHeaderLen {
				break
			}
			hdr = longHeaderLen
			size = int(binary.BigEndian.Uint32(d.buf[off+1:]))
		} else {
			size = int(binary.BigEndian.Uint16(d.buf[off+1:]))
		}
		if len(d.buf)-off < hdr+size {
			break
		}
		payload := make([]byte, size)
		copy(payload, d.buf[off+hdr:off+hdr+size])
		frames = append(frames, Frame{Type: t, Payload: payload})
		off += hdr + size
	}

	if off > 0 {
		n := copy(d.buf, d.buf[off:])
		d.buf = d.buf[:n]
	}
	return frames
}
