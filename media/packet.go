// Package media defines the packet types that flow from the camera session
// through the rolling buffer and out to the attached sinks.
package media

import (
	"bytes"
	"time"
)

// Kind identifies the media carried by a Packet.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// StartCode is the 4-byte Annex B delimiter written in front of every
// H.264 NAL unit handed to a sink.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Packet is a single timestamped media payload held by the rolling buffer.
// Packets are shared between sink backlogs and must not be mutated after
// creation.
type Packet struct {
	// CapturedAt is the local receive time, used for buffer retention.
	CapturedAt time.Time
	// PTS is the camera timestamp mapped to wall clock time.
	PTS     time.Time
	Kind    Kind
	Payload []byte

	// Keyframe is set for video packets that begin with the cached
	// SPS/PPS followed by an IDR slice, so a decoder can start from them.
	Keyframe bool
}

// AnnexB returns the payload with a leading start code, adding one if the
// packet was stored without it. Non-video packets are returned unchanged.
func (p *Packet) AnnexB() []byte {
	if p.Kind != KindVideo || HasStartCode(p.Payload) {
		return p.Payload
	}
	out := make([]byte, 0, len(StartCode)+len(p.Payload))
	out = append(out, StartCode...)
	return append(out, p.Payload...)
}

// HasStartCode reports whether b begins with a 3- or 4-byte Annex B start code.
func HasStartCode(b []byte) bool {
	return bytes.HasPrefix(b, StartCode) || bytes.HasPrefix(b, StartCode[1:])
}
