package streamer

import (
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/nexusrelay/media"
)

// Mode selects a sink's playback semantics.
type Mode int

const (
	// ModeBuffer retains a rolling window of packets and never delivers.
	ModeBuffer Mode = iota
	// ModeLive delivers packets that arrive after attach.
	ModeLive
	// ModeRecord delivers from the most recent buffered key frame onward.
	ModeRecord
)

func (m Mode) String() string {
	switch m {
	case ModeBuffer:
		return "buffer"
	case ModeLive:
		return "live"
	case ModeRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Outputs are the consumer side of a live or record sink. Any field may be
// nil; packets of a kind without a writer are discarded on drain. Writers
// are closed when the sink is detached.
type Outputs struct {
	Video io.WriteCloser
	Audio io.WriteCloser
	// Talkback, when set, is read and forwarded to the camera. It is closed
	// on detach, which ends the forwarding goroutine's pending Read.
	Talkback io.ReadCloser
}

// output owns one consumer writer. Writes happen on its own goroutine so a
// slow or broken consumer never stalls the tick; a full queue drops.
type output struct {
	log   *slog.Logger
	w     io.WriteCloser
	queue chan []byte
	done  chan struct{}

	// damaged is set after a dropped video packet; later non-key video is
	// dropped too until a key frame restores a decodable stream.
	damaged bool

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

func newOutput(w io.WriteCloser, depth int, log *slog.Logger) *output {
	o := &output{
		log:   log,
		w:     w,
		queue: make(chan []byte, depth),
		done:  make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *output) run() {
	defer close(o.done)
	for b := range o.queue {
		if _, err := o.w.Write(b); err != nil {
			o.failed.Add(1)
			o.log.Debug("sink write failed, packet dropped", "error", err)
		}
	}
	if err := o.w.Close(); err != nil {
		o.log.Debug("sink close failed", "error", err)
	}
}

// offer queues p without blocking. It reports whether p was accepted.
func (o *output) offer(p *media.Packet) bool {
	if p.Kind == media.KindVideo {
		if p.Keyframe {
			o.damaged = false
		} else if o.damaged {
			o.dropped.Add(1)
			return false
		}
	}

	select {
	case o.queue <- p.AnnexB():
		o.sent.Add(1)
		return true
	default:
		o.dropped.Add(1)
		if p.Kind == media.KindVideo && !p.Keyframe {
			o.damaged = true
		}
		return false
	}
}

// close lets the writer flush what is queued, then closes it.
func (o *output) close() {
	close(o.queue)
}

// sink is one consumer of the rolling buffer. All fields except the
// outputs' counters are guarded by the Streamer's lock.
type sink struct {
	id       string
	mode     Mode
	backlog  []*media.Packet
	attached time.Time

	video    *output
	audio    *output
	talkback *talkback

	// lastPlaceholder is when synthetic frames were last injected.
	lastPlaceholder time.Time
}

// push appends p to the backlog.
func (s *sink) push(p *media.Packet) {
	s.backlog = append(s.backlog, p)
}

// inject appends a placeholder video frame and matching silence if at least
// interval has passed since the last injection. It reports whether it did.
func (s *sink) inject(frame placeholderFrame, silence []byte, now time.Time, interval time.Duration) bool {
	if now.Sub(s.lastPlaceholder) < interval {
		return false
	}
	s.lastPlaceholder = now
	s.push(&media.Packet{
		CapturedAt: now,
		PTS:        now,
		Kind:       media.KindVideo,
		Payload:    frame.data,
		Keyframe:   frame.keyframe,
	})
	if len(silence) > 0 {
		s.push(&media.Packet{CapturedAt: now, PTS: now, Kind: media.KindAudio, Payload: silence})
	}
	return true
}

// evict drops packets captured before cutoff. Only buffer sinks evict.
func (s *sink) evict(cutoff time.Time) int {
	n := 0
	for n < len(s.backlog) && s.backlog[n].CapturedAt.Before(cutoff) {
		n++
	}
	if n == 0 {
		return 0
	}
	clear(s.backlog[:n])
	s.backlog = s.backlog[n:]
	return n
}

// drain hands every backlog packet to the matching output in FIFO order and
// empties the backlog. It returns the number of packets dropped.
func (s *sink) drain() int {
	dropped := 0
	for _, p := range s.backlog {
		var o *output
		switch p.Kind {
		case media.KindVideo:
			o = s.video
		case media.KindAudio:
			o = s.audio
		}
		if o == nil {
			continue
		}
		if !o.offer(p) {
			dropped++
		}
	}
	clear(s.backlog)
	s.backlog = s.backlog[:0]
	return dropped
}

// seedFrom copies the tail of buffered starting at the most recent key
// frame, or all of it when no key frame is buffered. Packets are immutable
// so the copy shares them.
func seedFrom(buffered []*media.Packet) []*media.Packet {
	start := 0
	for i := len(buffered) - 1; i >= 0; i-- {
		if buffered[i].Kind == media.KindVideo && buffered[i].Keyframe {
			start = i
			break
		}
	}
	return append([]*media.Packet(nil), buffered[start:]...)
}

// close stops the talkback forwarder and lets the writers finish.
func (s *sink) close() {
	if s.talkback != nil {
		s.talkback.stop()
	}
	if s.video != nil {
		s.video.close()
	}
	if s.audio != nil {
		s.audio.close()
	}
}

// wait blocks until both writers have been closed.
func (s *sink) wait() {
	if s.video != nil {
		<-s.video.done
	}
	if s.audio != nil {
		<-s.audio.done
	}
}

// SinkStats is a point-in-time view of one sink.
type SinkStats struct {
	ID          string
	Mode        Mode
	Backlog     int
	Attached    time.Time
	Delivered   int64
	Dropped     int64
	WriteErrors int64
}

func (s *sink) stats() SinkStats {
	st := SinkStats{ID: s.id, Mode: s.mode, Backlog: len(s.backlog), Attached: s.attached}
	for _, o := range []*output{s.video, s.audio} {
		if o == nil {
			continue
		}
		st.Delivered += o.sent.Load()
		st.Dropped += o.dropped.Load()
		st.WriteErrors += o.failed.Load()
	}
	return st
}
