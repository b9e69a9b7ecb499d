// Package streamer implements the per-camera rolling buffer and sink
// multiplexer. Media pushed by the camera transport is fanned out to a
// retention-only buffer sink and to any number of live and record sinks,
// which a fixed-rate tick drains to their writers. While the camera is
// unreachable the tick injects placeholder frames instead.
package streamer

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tevino/abool"

	"github.com/zsiec/nexusrelay/demux"
	"github.com/zsiec/nexusrelay/device"
	"github.com/zsiec/nexusrelay/internal/metrics"
	"github.com/zsiec/nexusrelay/media"
)

const (
	DefaultRetention           = 5 * time.Second
	DefaultTickInterval        = 10 * time.Millisecond
	DefaultPlaceholderInterval = 33 * time.Millisecond
	DefaultTalkbackSilence     = time.Second
	DefaultOutputQueue         = 256
	DefaultConnectTimeout      = 15 * time.Second
)

var (
	// ErrAlreadyAttached is returned when a sink id is already in use.
	ErrAlreadyAttached = errors.New("streamer: session already attached")
	// ErrNotAttached is returned when detaching an unknown sink id.
	ErrNotAttached = errors.New("streamer: session not attached")
)

// Options tunes a Streamer. Zero values select the defaults.
type Options struct {
	Retention           time.Duration
	TickInterval        time.Duration
	PlaceholderInterval time.Duration
	TalkbackSilence     time.Duration
	ConnectTimeout      time.Duration
	// OutputQueue is the per-writer queue depth.
	OutputQueue         int

	Placeholders *Placeholders
	Log          *slog.Logger
	Metrics      *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.PlaceholderInterval <= 0 {
		o.PlaceholderInterval = DefaultPlaceholderInterval
	}
	if o.TalkbackSilence <= 0 {
		o.TalkbackSilence = DefaultTalkbackSilence
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.OutputQueue <= 0 {
		o.OutputQueue = DefaultOutputQueue
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// Streamer owns one camera's rolling buffer and attached sinks. Push and the
// output tick are serialized by a single lock; writer I/O and transport
// calls always happen outside it.
type Streamer struct {
	log       *slog.Logger
	opts      Options
	metrics   *metrics.Collector
	id        string
	transport Transport

	connecting abool.AtomicBool

	mu     sync.Mutex
	data   device.Data
	buffer *sink
	sinks  map[string]*sink
	reasm  *demux.Reassembler
	// resync drops camera video until the next key frame once media was
	// suppressed for placeholders.
	resync bool
}

// New creates a Streamer for the camera described by data. The transport is
// built by factory so it can be handed the Streamer as its media receiver.
func New(data device.Data, factory TransportFactory, opts Options) *Streamer {
	opts = opts.withDefaults()
	log := opts.Log.With("component", "streamer", "device", data.ID)
	s := &Streamer{
		log:     log,
		opts:    opts,
		metrics: opts.Metrics,
		id:      data.ID,
		data:    data,
		sinks:   make(map[string]*sink),
		reasm:   demux.NewReassembler(log),
	}
	s.transport = factory(s)
	return s
}

// ID returns the camera's device id.
func (s *Streamer) ID() string {
	return s.id
}

// Data returns the most recent device data.
func (s *Streamer) Data() device.Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Run drives the output tick until ctx is cancelled, then detaches every
// sink and closes the transport.
func (s *Streamer) Run(ctx context.Context) error {
	t := time.NewTicker(s.opts.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			// Let recordings flush before returning.
			for _, sk := range s.stopEverything() {
				sk.wait()
			}
			return nil
		case now := <-t.C:
			s.tick(now)
		}
	}
}

// Push appends one decoded media payload to every attached sink. Video is
// passed through the reassembler first: parameter sets are cached rather
// than emitted and key frames carry them. While the device state calls for
// placeholders the payload is discarded, and afterwards video resumes at the
// next key frame. Push takes ownership of payload.
func (s *Streamer) Push(kind media.Kind, payload []byte, at time.Time) {
	now := time.Now()
	p := &media.Packet{CapturedAt: now, PTS: at, Kind: kind, Payload: payload}

	s.mu.Lock()
	if kind == media.KindVideo {
		u, ok := s.reasm.Process(payload)
		if !ok {
			s.mu.Unlock()
			return
		}
		p.Payload, p.Keyframe = u.Data, u.Keyframe
	}
	if s.data.Placeholder() != "" {
		// Placeholders replace camera media until the state clears.
		s.resync = true
		s.mu.Unlock()
		return
	}
	if s.resync && kind == media.KindVideo {
		if !p.Keyframe {
			s.mu.Unlock()
			return
		}
		s.resync = false
	}
	if s.buffer != nil {
		s.buffer.push(p)
	}
	for _, sk := range s.sinks {
		sk.push(p)
	}
	s.mu.Unlock()

	s.metrics.Pushed(s.id, kind.String())
}

// Attached reports whether any sink, including the buffer, is attached.
func (s *Streamer) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.idleLocked()
}

func (s *Streamer) idleLocked() bool {
	return s.buffer == nil && len(s.sinks) == 0
}

// StartBuffering creates the buffer sink if it does not exist and makes
// sure the camera session is up. It is idempotent.
func (s *Streamer) StartBuffering() {
	s.mu.Lock()
	if s.buffer == nil {
		s.buffer = &sink{mode: ModeBuffer, attached: time.Now()}
		s.log.Info("buffering started", "retention", s.opts.Retention)
	}
	s.mu.Unlock()

	s.ensureConnected()
}

// StopBuffering removes the buffer sink. The camera session is closed when
// nothing else is attached.
func (s *Streamer) StopBuffering() {
	s.mu.Lock()
	if s.buffer == nil {
		s.mu.Unlock()
		return
	}
	s.buffer = nil
	idle := s.idleLocked()
	s.mu.Unlock()

	s.log.Info("buffering stopped")
	if idle {
		s.transport.Close(true)
	}
}

// AttachLive registers a live sink that receives packets arriving from now
// on. Data read from out.Talkback is forwarded to the camera.
func (s *Streamer) AttachLive(id string, out Outputs) error {
	return s.attach(id, ModeLive, out)
}

// AttachRecord registers a record sink seeded with the buffered packets from
// the most recent key frame, so the recording starts decodable.
func (s *Streamer) AttachRecord(id string, video, audio io.WriteCloser) error {
	return s.attach(id, ModeRecord, Outputs{Video: video, Audio: audio})
}

func (s *Streamer) attach(id string, mode Mode, out Outputs) error {
	log := s.log.With("sink", id, "mode", mode.String())

	s.mu.Lock()
	if _, ok := s.sinks[id]; ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrAlreadyAttached, "attach %s", id)
	}

	sk := &sink{id: id, mode: mode, attached: time.Now()}
	if out.Video != nil {
		sk.video = newOutput(out.Video, s.opts.OutputQueue, log.With("kind", "video"))
	}
	if out.Audio != nil {
		sk.audio = newOutput(out.Audio, s.opts.OutputQueue, log.With("kind", "audio"))
	}
	if mode == ModeRecord && s.buffer != nil {
		sk.backlog = seedFrom(s.buffer.backlog)
	}
	if out.Talkback != nil {
		sk.talkback = newTalkback(out.Talkback, s.transport.SendTalkback, s.opts.TalkbackSilence, log)
	}
	s.sinks[id] = sk
	n, seeded := len(s.sinks), len(sk.backlog)
	s.mu.Unlock()

	s.metrics.SetSinks(s.id, n)
	log.Info("sink attached", "backlog", seeded, "sinks", n)
	s.ensureConnected()
	return nil
}

// Detach removes a live or record sink. Its remaining backlog is flushed to
// the writers, which are then closed. The camera session is closed when
// nothing else is attached.
func (s *Streamer) Detach(id string) error {
	s.mu.Lock()
	sk, ok := s.sinks[id]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrNotAttached, "detach %s", id)
	}
	delete(s.sinks, id)
	dropped := sk.drain()
	idle := s.idleLocked()
	n := len(s.sinks)
	s.mu.Unlock()

	sk.close()
	s.metrics.SinkDropped(s.id, sk.mode.String(), dropped)
	s.metrics.SetSinks(s.id, n)
	s.log.Info("sink detached", "sink", id, "mode", sk.mode.String(), "sinks", n)

	if idle {
		s.transport.Close(true)
	}
	return nil
}

// StopEverything detaches every sink, drops the buffer and closes the
// camera session.
func (s *Streamer) StopEverything() {
	s.stopEverything()
}

func (s *Streamer) stopEverything() []*sink {
	s.mu.Lock()
	sinks := make([]*sink, 0, len(s.sinks))
	for id, sk := range s.sinks {
		sk.drain()
		sinks = append(sinks, sk)
		delete(s.sinks, id)
	}
	s.buffer = nil
	s.mu.Unlock()

	for _, sk := range sinks {
		sk.close()
	}
	s.metrics.SetSinks(s.id, 0)
	if len(sinks) > 0 {
		s.log.Info("all sinks detached", "count", len(sinks))
	}
	s.transport.Close(true)
	return sinks
}

// Update applies new device data and reconnects when sinks want media and
// the camera has become available.
func (s *Streamer) Update(data device.Data) {
	s.mu.Lock()
	old := s.data
	s.data = data
	attached := !s.idleLocked()
	s.mu.Unlock()

	if old.Placeholder() != data.Placeholder() {
		s.log.Info("camera state changed",
			"online", data.Online, "streaming", data.StreamingEnabled, "migrating", data.Migrating)
	}
	s.transport.Update(data)
	if attached {
		s.ensureConnected()
	}
}

// ensureConnected starts a background connect when the camera is available
// and no session exists. Concurrent callers share one attempt.
func (s *Streamer) ensureConnected() {
	s.mu.Lock()
	available := s.data.Available()
	s.mu.Unlock()
	if !available || s.transport.Connected() {
		return
	}
	if !s.connecting.SetToIf(false, true) {
		return
	}

	go func() {
		defer s.connecting.UnSet()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
		defer cancel()
		if err := s.transport.Connect(ctx, ""); err != nil {
			s.log.Warn("camera connect failed", "error", err)
		}
	}()
}

// tick runs one output cycle: placeholder injection, then delivery.
func (s *Streamer) tick(now time.Time) {
	s.mu.Lock()
	reason := s.data.Placeholder()
	table := s.tableLocked()
	injected := injectPlaceholders(table, s.opts.Placeholders, reason, now, s.opts.PlaceholderInterval)
	dropped := deliver(table, now.Add(-s.opts.Retention))
	s.mu.Unlock()

	if injected {
		s.metrics.Placeholder(s.id, reason)
	}
	for mode, n := range dropped {
		s.metrics.SinkDropped(s.id, mode.String(), n)
	}
}

func (s *Streamer) tableLocked() []*sink {
	table := make([]*sink, 0, len(s.sinks)+1)
	if s.buffer != nil {
		table = append(table, s.buffer)
	}
	for _, sk := range s.sinks {
		table = append(table, sk)
	}
	return table
}

// injectPlaceholders adds synthetic frames to every sink while the camera
// cannot supply media. It reports whether any sink received one.
func injectPlaceholders(table []*sink, ph *Placeholders, reason string, now time.Time, interval time.Duration) bool {
	if reason == "" {
		return false
	}
	frame, ok := ph.frame(reason)
	if !ok {
		return false
	}
	injected := false
	for _, sk := range table {
		if sk.inject(frame, ph.Silence(), now, interval) {
			injected = true
		}
	}
	return injected
}

// deliver evicts expired packets from the buffer sink and drains every
// other sink to its writers. Each tick hands a sink's whole backlog to its
// output queues, so a freshly seeded record sink writes its retention window
// in one burst; whatever exceeds the queue depth is dropped. It returns the drop count per
// mode.
func deliver(table []*sink, cutoff time.Time) map[Mode]int {
	var dropped map[Mode]int
	for _, sk := range table {
		if sk.mode == ModeBuffer {
			sk.evict(cutoff)
			continue
		}
		if n := sk.drain(); n > 0 {
			if dropped == nil {
				dropped = make(map[Mode]int)
			}
			dropped[sk.mode] += n
		}
	}
	return dropped
}

// Stats is a snapshot of a Streamer.
type Stats struct {
	Device    string
	Connected bool
	Talking   bool
	Video     demux.SPSInfo
	HasVideo  bool
	Sinks     []SinkStats
}

// Stats returns the current state of the buffer and every sink, buffer
// first and the rest ordered by id.
func (s *Streamer) Stats() Stats {
	s.mu.Lock()
	st := Stats{Device: s.id}
	st.Video, st.HasVideo = s.reasm.Info()
	for _, sk := range s.tableLocked() {
		st.Sinks = append(st.Sinks, sk.stats())
	}
	s.mu.Unlock()

	slices.SortFunc(st.Sinks, func(a, b SinkStats) int {
		if a.Mode == ModeBuffer || b.Mode == ModeBuffer {
			return int(a.Mode) - int(b.Mode)
		}
		return strings.Compare(a.ID, b.ID)
	})
	st.Connected = s.transport.Connected()
	st.Talking = s.transport.Talking()
	return st
}
