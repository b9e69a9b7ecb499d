package streamer

import (
	"context"

	"github.com/zsiec/nexusrelay/device"
)

// Transport is the camera session a Streamer drives. nexustalk.Client is the
// production implementation; a Transport pushes decoded media back through
// Streamer.Push.
//
// Implementations must be safe for concurrent use. The Streamer never calls
// a Transport while holding its own lock.
type Transport interface {
	// Connect opens a session to host, or to the last known host when host
	// is empty. It is a no-op when a session already exists.
	Connect(ctx context.Context, host string) error
	// Close ends the session, optionally asking the camera to stop playback
	// first.
	Close(stopPlayback bool)
	// Connected reports whether a session exists or is being established.
	Connected() bool
	// Update applies new device data.
	Update(data device.Data)
	// SendTalkback transmits one talkback payload. An empty payload marks
	// the end of talk.
	SendTalkback(payload []byte)
	// Talking reports whether the camera has signalled active talkback.
	Talking() bool
}

// TransportFactory builds the Transport for a Streamer. It receives the
// Streamer so the transport can deliver media to it.
type TransportFactory func(s *Streamer) Transport
