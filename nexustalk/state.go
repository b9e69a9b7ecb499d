package nexustalk

import (
	"context"
	"net"
	"time"

	"github.com/looplab/fsm"

	"github.com/zsiec/nexusrelay/media"
)

// Phase is the lifecycle phase of a camera session.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseAuthorizing  Phase = "authorizing"
	PhaseAuthorized   Phase = "authorized"
	PhaseStreaming    Phase = "streaming"
	PhaseClosing      Phase = "closing"
)

// Phase machine events.
const (
	evDial       = "dial"
	evOpen       = "open"
	evHello      = "hello"
	evAuthorized = "authorized"
	evBegin      = "begin"
	evClose      = "close"
	evReset      = "reset"
)

func newMachine(onTransition func(from, to string)) *fsm.FSM {
	live := []string{
		string(PhaseConnecting), string(PhaseConnected), string(PhaseAuthorizing),
		string(PhaseAuthorized), string(PhaseStreaming),
	}
	return fsm.NewFSM(
		string(PhaseDisconnected),
		fsm.Events{
			{Name: evDial, Src: []string{string(PhaseDisconnected)}, Dst: string(PhaseConnecting)},
			{Name: evOpen, Src: []string{string(PhaseConnecting)}, Dst: string(PhaseConnected)},
			{Name: evHello, Src: []string{string(PhaseConnected)}, Dst: string(PhaseAuthorizing)},
			{Name: evAuthorized, Src: []string{string(PhaseAuthorizing)}, Dst: string(PhaseAuthorized)},
			{Name: evBegin, Src: []string{string(PhaseAuthorized)}, Dst: string(PhaseStreaming)},
			{Name: evClose, Src: live, Dst: string(PhaseClosing)},
			{Name: evReset, Src: append(live, string(PhaseClosing)), Dst: string(PhaseDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onTransition != nil {
					onTransition(e.Src, e.Dst)
				}
			},
		},
	)
}

// ChannelBinding maps a playback channel's relative timestamps to wall
// clock time. Ticks accumulate from BaseWireTimestamp as deltas arrive.
type ChannelBinding struct {
	ChannelID         uint32
	Kind              media.Kind
	Codec             CodecType
	BaseWireTimestamp uint64
	BaseWallclock     time.Time
	SampleRate        uint32

	ticks uint64
}

func newChannelBinding(s Stream, kind media.Kind, now time.Time) *ChannelBinding {
	return &ChannelBinding{
		ChannelID:     s.ChannelID,
		Kind:          kind,
		Codec:         s.CodecType,
		BaseWallclock: now,
		SampleRate:    s.SampleRate,
	}
}

// Wallclock converts an absolute tick count to wall clock time:
// base + (ticks - baseTicks) / sampleRate seconds.
func (b *ChannelBinding) Wallclock(ticks uint64) time.Time {
	if b.SampleRate == 0 || ticks < b.BaseWireTimestamp {
		return b.BaseWallclock
	}
	n, rate := ticks-b.BaseWireTimestamp, uint64(b.SampleRate)
	// Split to keep long sessions from overflowing the multiply.
	elapsed := time.Duration(n/rate)*time.Second + time.Duration(n%rate)*time.Second/time.Duration(rate)
	return b.BaseWallclock.Add(elapsed)
}

// Advance applies a packet's timestamp delta and returns its wall clock time.
func (b *ChannelBinding) Advance(delta uint32) time.Time {
	if b.ticks < b.BaseWireTimestamp {
		b.ticks = b.BaseWireTimestamp
	}
	b.ticks += uint64(delta)
	return b.Wallclock(b.ticks)
}

// kindForCodec reports which media kind a playback channel carries.
func kindForCodec(c CodecType) (media.Kind, bool) {
	switch c {
	case CodecH264:
		return media.KindVideo, true
	case CodecAAC, CodecOpus, CodecSpeex, CodecPCMS16LE:
		return media.KindAudio, true
	}
	return 0, false
}

// SessionState is everything owned by one connection attempt. It is reset
// as a whole on close so the next connect starts clean; gen distinguishes a
// stale socket's late events from the current connection.
type SessionState struct {
	machine *fsm.FSM

	host       string
	sessionID  uint32
	hasSession bool

	// pending holds encoded frames sent before authorization, in order.
	pending [][]byte

	gen  uint64
	conn net.Conn
	out  chan []byte
	done chan struct{}

	stall        *time.Timer
	channels     map[uint32]*ChannelBinding
	authFailures int
}

func newSessionState(onTransition func(from, to string)) *SessionState {
	return &SessionState{
		machine:  newMachine(onTransition),
		channels: make(map[uint32]*ChannelBinding),
	}
}

// Phase returns the current lifecycle phase.
func (s *SessionState) Phase() Phase {
	return Phase(s.machine.Current())
}

// Authorized reports whether non-hello messages may be transmitted.
func (s *SessionState) Authorized() bool {
	p := s.Phase()
	return p == PhaseAuthorized || p == PhaseStreaming
}

// Host returns the host of the current or most recent connection.
func (s *SessionState) Host() string {
	return s.host
}

// SessionID returns the playback session id, if one has been assigned.
func (s *SessionState) SessionID() (uint32, bool) {
	return s.sessionID, s.hasSession
}

func (s *SessionState) fire(event string) {
	if !s.machine.Can(event) {
		return
	}
	_ = s.machine.Event(context.Background(), event)
}

// reset tears down every per-connection resource and returns the machine to
// PhaseDisconnected. The host is kept as the reconnect fallback.
func (s *SessionState) reset() {
	s.gen++
	if s.stall != nil {
		s.stall.Stop()
		s.stall = nil
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.out != nil {
		// The writer drains what is queued, then closes the socket.
		close(s.out)
		s.out = nil
	} else if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.pending = nil
	s.sessionID = 0
	s.hasSession = false
	s.channels = make(map[uint32]*ChannelBinding)
	s.authFailures = 0
	s.fire(evReset)
}
