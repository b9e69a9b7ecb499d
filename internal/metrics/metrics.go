// Package metrics holds the prometheus collectors shared by the session
// client and the streamer. All methods are safe on a nil *Collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nexusrelay"

// Collector groups every metric exported for camera sessions.
type Collector struct {
	connects     *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	frames       *prometheus.CounterVec
	decodeErrors *prometheus.CounterVec
	pushed       *prometheus.CounterVec
	sinkDrops    *prometheus.CounterVec
	placeholders *prometheus.CounterVec
	sinks        *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors, which is what tests use.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		connects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connects_total",
			Help:      "Connection attempts by result.",
		}, []string{"device", "result"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Recovery reconnects by reason.",
		}, []string{"device", "reason"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session phase transitions.",
		}, []string{"device", "from", "to"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Protocol frames received by packet type.",
		}, []string{"device", "type"}),
		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "decode_errors_total",
			Help:      "Protocol messages dropped because they failed to decode.",
		}, []string{"device"}),
		pushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streamer",
			Name:      "packets_total",
			Help:      "Media packets appended to the rolling buffer.",
		}, []string{"device", "kind"}),
		sinkDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streamer",
			Name:      "sink_drops_total",
			Help:      "Packets dropped at a sink writer.",
		}, []string{"device", "mode"}),
		placeholders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streamer",
			Name:      "placeholder_frames_total",
			Help:      "Synthetic frames injected while the camera is unavailable.",
		}, []string{"device", "reason"}),
		sinks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "streamer",
			Name:      "sinks",
			Help:      "Attached sinks.",
		}, []string{"device"}),
	}
}

func (c *Collector) Connect(device string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.connects.WithLabelValues(device, result).Inc()
}

func (c *Collector) Reconnect(device, reason string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(device, reason).Inc()
}

func (c *Collector) Transition(device, from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(device, from, to).Inc()
}

func (c *Collector) Frame(device, packetType string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(device, packetType).Inc()
}

func (c *Collector) DecodeError(device string) {
	if c == nil {
		return
	}
	c.decodeErrors.WithLabelValues(device).Inc()
}

func (c *Collector) Pushed(device, kind string) {
	if c == nil {
		return
	}
	c.pushed.WithLabelValues(device, kind).Inc()
}

func (c *Collector) SinkDropped(device, mode string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.sinkDrops.WithLabelValues(device, mode).Add(float64(n))
}

func (c *Collector) Placeholder(device, reason string) {
	if c == nil {
		return
	}
	c.placeholders.WithLabelValues(device, reason).Inc()
}

func (c *Collector) SetSinks(device string, n int) {
	if c == nil {
		return
	}
	c.sinks.WithLabelValues(device).Set(float64(n))
}
