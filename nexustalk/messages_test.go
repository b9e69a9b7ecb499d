package nexustalk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestHelloCarriesAuthorizeRequest(t *testing.T) {
	t.Parallel()
	auth := AuthorizeRequest{OliveToken: "olive"}
	in := Hello{
		ProtocolVersion:  ProtocolVersion3,
		UUID:             "3f2a",
		DeviceID:         "cam-1",
		UserAgent:        "ua",
		ClientType:       ClientTypeWeb,
		AuthorizeRequest: auth.Marshal(),
	}

	var out Hello
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)

	var gotAuth AuthorizeRequest
	require.NoError(t, gotAuth.Unmarshal(out.AuthorizeRequest))
	assert.Equal(t, "olive", gotAuth.OliveToken)
	assert.Empty(t, gotAuth.SessionToken)
}

func TestStartPlaybackPackedProfiles(t *testing.T) {
	t.Parallel()
	in := StartPlayback{
		SessionID:     77,
		Profile:       ProfileVideoH264_2MBitL40,
		OtherProfiles: []Profile{ProfileVideoH264L31, ProfileAudioAAC},
	}
	var out StartPlayback
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)
}

func TestStartPlaybackUnpackedProfiles(t *testing.T) {
	t.Parallel()
	var b []byte
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ProfileVideoH264L31))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ProfileAudioAAC))

	var out StartPlayback
	require.NoError(t, out.Unmarshal(b))
	assert.Equal(t, []Profile{ProfileVideoH264L31, ProfileAudioAAC}, out.OtherProfiles)
}

func TestPlaybackBeginChannels(t *testing.T) {
	t.Parallel()
	in := PlaybackBegin{
		SessionID: 9,
		Channels: []Stream{
			// Channel 0 carrying Speex encodes to an empty message.
			{ChannelID: 0, CodecType: CodecSpeex},
			{ChannelID: 1, CodecType: CodecH264, SampleRate: 90000, StartTime: 1.5},
			{ChannelID: 2, CodecType: CodecAAC, SampleRate: 48000},
		},
	}
	var out PlaybackBegin
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)
}

func TestUnmarshalRejectsTruncatedInput(t *testing.T) {
	t.Parallel()
	in := PlaybackPacket{SessionID: 1, ChannelID: 2, TimestampDelta: 3000, Payload: []byte("frame")}
	b := in.Marshal()

	var out PlaybackPacket
	assert.Error(t, out.Unmarshal(b[:len(b)-2]))
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	t.Parallel()
	in := Error{Code: ErrorAuthorizationFailed, Message: "bad token"}
	b := in.Marshal()
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	var out Error
	require.NoError(t, out.Unmarshal(b))
	assert.Equal(t, in, out)
}
