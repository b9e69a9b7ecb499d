// Package stream tracks the camera relays running in the process, one
// Streamer and camera session per device, and routes device updates to them.
package stream

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/nexusrelay/device"
	"github.com/zsiec/nexusrelay/nexustalk"
	"github.com/zsiec/nexusrelay/streamer"
)

// TransportFunc builds the camera session for a relay.
type TransportFunc func(s *streamer.Streamer, data device.Data) streamer.Transport

// Relay is one camera's running Streamer.
type Relay struct {
	Device    string
	StartedAt time.Time
	Streamer  *streamer.Streamer

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures the relays a Manager creates.
type Options struct {
	Client   nexustalk.Options
	Streamer streamer.Options
	// Transport overrides the NexusTalk session, mainly for tests.
	Transport TransportFunc
}

// Manager manages the lifecycle of per-device relays.
type Manager struct {
	log    *slog.Logger
	opts   Options
	mu     sync.RWMutex
	relays map[string]*Relay
}

// NewManager creates a new relay manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger, opts Options) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if opts.Client.Log == nil {
		opts.Client.Log = log
	}
	if opts.Streamer.Log == nil {
		opts.Streamer.Log = log
	}
	if opts.Transport == nil {
		clientOpts := opts.Client
		opts.Transport = func(s *streamer.Streamer, data device.Data) streamer.Transport {
			return nexustalk.New(s, data, clientOpts)
		}
	}
	return &Manager{
		log:    log.With("component", "relay-manager"),
		opts:   opts,
		relays: make(map[string]*Relay),
	}
}

// Create starts a relay for the device and runs its output tick until ctx
// ends or the relay is removed. Returns the relay and true if created, or
// nil and false if the device already has one.
func (m *Manager) Create(ctx context.Context, data device.Data) (*Relay, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.relays[data.ID]; ok {
		m.log.Warn("relay already exists, rejecting duplicate", "device", data.ID)
		return nil, false
	}

	newTransport := m.opts.Transport
	s := streamer.New(data, func(s *streamer.Streamer) streamer.Transport {
		return newTransport(s, data)
	}, m.opts.Streamer)

	runCtx, cancel := context.WithCancel(ctx)
	r := &Relay{
		Device:    data.ID,
		StartedAt: time.Now(),
		Streamer:  s,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		if err := s.Run(runCtx); err != nil {
			m.log.Error("relay stopped", "device", data.ID, "error", err)
		}
	}()

	m.relays[data.ID] = r
	m.log.Info("relay created", "device", data.ID, "name", data.Name)
	return r, true
}

// Get returns the relay for a device.
func (m *Manager) Get(id string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[id]
	return r, ok
}

// Update routes fresh device data to its relay. It reports whether the
// device has one.
func (m *Manager) Update(data device.Data) bool {
	r, ok := m.Get(data.ID)
	if !ok {
		return false
	}
	r.Streamer.Update(data)
	return true
}

// Remove stops a relay and waits for its sinks to close.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	r, ok := m.relays[id]
	if ok {
		delete(m.relays, id)
	}
	m.mu.Unlock()

	if ok {
		r.cancel()
		<-r.done
		m.log.Info("relay removed", "device", id)
	}
}

// List returns all relays ordered by device id.
func (m *Manager) List() []*Relay {
	m.mu.RLock()
	relays := make([]*Relay, 0, len(m.relays))
	for _, r := range m.relays {
		relays = append(relays, r)
	}
	m.mu.RUnlock()

	slices.SortFunc(relays, func(a, b *Relay) int { return strings.Compare(a.Device, b.Device) })
	return relays
}

// Close removes every relay.
func (m *Manager) Close() {
	for _, r := range m.List() {
		m.Remove(r.Device)
	}
}

// Stats returns a snapshot of every relay, ordered by device id.
func (m *Manager) Stats() []streamer.Stats {
	relays := m.List()
	stats := make([]streamer.Stats, 0, len(relays))
	for _, r := range relays {
		stats = append(stats, r.Streamer.Stats())
	}
	return stats
}
