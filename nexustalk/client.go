// Package nexustalk implements the client side of the NexusTalk camera
// streaming protocol: length-prefixed protobuf messages over a persistent
// TLS connection, with an authenticate/start-playback handshake, keep-alive
// pings and recovery from redirects, drops and stalled streams.
package nexustalk

import (
	"context"
	"crypto/tls"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tevino/abool"

	"github.com/zsiec/nexusrelay/device"
	"github.com/zsiec/nexusrelay/internal/metrics"
	"github.com/zsiec/nexusrelay/media"
)

const (
	DefaultPort         = 1443
	DefaultPingInterval = 15 * time.Second
	DefaultStallTimeout = 10 * time.Second

	defaultWriteTimeout = 5 * time.Second
	defaultDialTimeout  = 10 * time.Second
	readBufferSize      = 32 * 1024
	outboundQueueSize   = 256
	maxAuthFailures     = 3

	talkbackSampleRate = 16000
	userAgent          = "nexusrelay/1.0"
)

// ErrNoHost is returned by Connect when neither the caller nor the device
// data supplies a host.
var ErrNoHost = errors.New("nexustalk: no streaming host")

// Receiver consumes decoded media payloads in arrival order.
type Receiver interface {
	Push(kind media.Kind, payload []byte, at time.Time)
	// Attached reports whether any consumer still wants the stream; a
	// dropped connection is only re-established when it does.
	Attached() bool
}

// DialFunc opens the transport connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	Port         int
	PingInterval time.Duration
	StallTimeout time.Duration
	WriteTimeout time.Duration
	TLSConfig    *tls.Config
	Dial         DialFunc
	Log          *slog.Logger
	Metrics      *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Dial == nil {
		d := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: defaultDialTimeout},
			Config:    o.TLSConfig,
		}
		o.Dial = d.DialContext
	}
	return o
}

// Client is a NexusTalk session for one camera. All methods are safe for
// concurrent use. Media is delivered to the Receiver from the connection's
// read goroutine, never while the client's lock is held.
type Client struct {
	log     *slog.Logger
	opts    Options
	recv    Receiver
	metrics *metrics.Collector
	uuid    string

	talking abool.AtomicBool

	mu    sync.Mutex
	data  device.Data
	state *SessionState
}

// New creates a disconnected client for the camera described by data.
func New(recv Receiver, data device.Data, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		log:     opts.Log.With("component", "nexustalk", "device", data.ID),
		opts:    opts,
		recv:    recv,
		metrics: opts.Metrics,
		uuid:    uuid.NewString(),
		data:    data,
	}
	c.state = newSessionState(c.onTransition)
	return c
}

func (c *Client) onTransition(from, to string) {
	c.log.Debug("phase", "from", from, "to", to)
	c.metrics.Transition(c.data.ID, from, to)
}

// Phase returns the current session phase.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase()
}

// Host returns the host of the current or most recent connection.
func (c *Client) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Host()
}

// SessionID returns the playback session id assigned by the camera, if any.
func (c *Client) SessionID() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SessionID()
}

// Connected reports whether a connection exists or is being established.
func (c *Client) Connected() bool {
	return c.Phase() != PhaseDisconnected
}

// Talking reports whether the camera has signalled an active talkback.
func (c *Client) Talking() bool {
	return c.talking.IsSet()
}

// Connect opens a session to host, falling back to the last used host and
// then the device's streaming host. It is a no-op while the camera is
// offline or streaming is disabled, and when a connection already exists.
// It returns once the TLS handshake has completed and hello has been queued.
func (c *Client) Connect(ctx context.Context, host string) error {
	c.mu.Lock()
	gen, host, err := c.beginConnectLocked(host)
	c.mu.Unlock()
	if err != nil || host == "" {
		return err
	}
	return c.dial(ctx, gen, host)
}

// beginConnectLocked moves the machine to PhaseConnecting. An empty host
// with a nil error means there is nothing to do.
func (c *Client) beginConnectLocked(host string) (uint64, string, error) {
	s := c.state
	if !c.data.Available() {
		c.log.Debug("connect skipped, camera unavailable")
		return 0, "", nil
	}
	if s.Phase() != PhaseDisconnected {
		return 0, "", nil
	}
	if host == "" {
		host = s.host
	}
	if host == "" {
		host = c.data.StreamingHost
	}
	if host == "" {
		return 0, "", ErrNoHost
	}
	s.host = host
	s.fire(evDial)
	return s.gen, host, nil
}

func (c *Client) dial(ctx context.Context, gen uint64, host string) error {
	c.log.Info("connecting", "host", host, "port", c.opts.Port)
	conn, err := c.opts.Dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(c.opts.Port)))

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if gen != s.gen {
		// Closed or superseded while dialing.
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		s.reset()
		c.metrics.Connect(c.data.ID, false)
		return errors.Wrapf(err, "connect %s", host)
	}

	s.conn = conn
	s.out = make(chan []byte, outboundQueueSize)
	s.done = make(chan struct{})
	s.fire(evOpen)
	go c.writeLoop(conn, s.out)
	go c.readLoop(gen, conn)

	c.sendHelloLocked()
	c.metrics.Connect(c.data.ID, true)
	return nil
}

// Close ends the session. With stopPlayback set, a stop request for the
// current playback session is flushed before the socket is closed. Close is
// safe in any phase; a closed client does not reconnect on its own.
func (c *Client) Close(stopPlayback bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(stopPlayback)
}

func (c *Client) closeLocked(stopPlayback bool) {
	s := c.state
	if s.Phase() == PhaseDisconnected {
		return
	}
	if stopPlayback && s.hasSession && s.Authorized() {
		stop := StopPlayback{SessionID: s.sessionID}
		c.sendLocked(PacketStopPlayback, stop.Marshal())
	}
	host := s.host
	s.fire(evClose)
	s.reset()
	c.talking.UnSet()
	c.log.Info("session closed", "host", host)
}

// reconnect closes the current session and dials host in the background.
func (c *Client) reconnect(host, reason string) {
	c.mu.Lock()
	c.closeLocked(false)
	gen, host, err := c.beginConnectLocked(host)
	c.mu.Unlock()

	c.metrics.Reconnect(c.data.ID, reason)
	if err != nil || host == "" {
		return
	}
	c.log.Info("reconnecting", "host", host, "reason", reason)
	go func() {
		if err := c.dial(context.Background(), gen, host); err != nil {
			c.log.Warn("reconnect failed", "host", host, "error", err)
		}
	}()
}

// Update applies new device data. A changed token is re-authorized on the
// live connection; a changed streaming host moves the session there, or is
// remembered for the next Connect while disconnected.
func (c *Client) Update(data device.Data) {
	c.mu.Lock()
	old := c.data
	c.data = data
	phase := c.state.Phase()
	host := c.state.host

	if phase == PhaseDisconnected {
		// The next Connect dials the new host instead of the last one used.
		if data.StreamingHost != "" && data.StreamingHost != old.StreamingHost {
			c.state.host = data.StreamingHost
		}
		c.mu.Unlock()
		return
	}
	if !data.Available() {
		c.log.Info("camera unavailable, closing session",
			"online", data.Online, "streaming", data.StreamingEnabled)
		c.closeLocked(false)
		c.mu.Unlock()
		return
	}
	if data.Token != old.Token && phase != PhaseConnecting && phase != PhaseClosing {
		c.log.Info("credential changed, reauthorizing")
		c.sendAuthorizeLocked()
	}
	c.mu.Unlock()

	if data.StreamingHost != "" && data.StreamingHost != old.StreamingHost && data.StreamingHost != host {
		c.reconnect(data.StreamingHost, "host_changed")
	}
}

// SendTalkback transmits one talkback audio payload. An empty payload
// marks the end of talk. Payloads sent before authorization are queued.
func (c *Client) SendTalkback(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := AudioPayload{
		Payload:    payload,
		SessionID:  c.state.sessionID,
		Codec:      CodecSpeex,
		SampleRate: talkbackSampleRate,
	}
	c.sendLocked(PacketAudioPayload, msg.Marshal())
}

func (c *Client) authorizeRequestLocked() *AuthorizeRequest {
	if c.data.Account == device.AccountGoogle {
		return &AuthorizeRequest{OliveToken: c.data.Token}
	}
	return &AuthorizeRequest{SessionToken: c.data.Token}
}

func (c *Client) sendHelloLocked() {
	hello := Hello{
		ProtocolVersion:  ProtocolVersion3,
		UUID:             c.uuid,
		DeviceID:         c.data.ID,
		UserAgent:        userAgent,
		ClientType:       ClientTypeWeb,
		AuthorizeRequest: c.authorizeRequestLocked().Marshal(),
	}
	c.sendLocked(PacketHello, hello.Marshal())
	c.state.fire(evHello)
}

func (c *Client) sendAuthorizeLocked() {
	c.sendLocked(PacketAuthorizeRequest, c.authorizeRequestLocked().Marshal())
}

func (c *Client) startPlaybackLocked() {
	s := c.state
	s.sessionID = rand.Uint32N(1<<30) + 1
	s.hasSession = true

	req := StartPlayback{
		SessionID: s.sessionID,
		Profile:   ProfileVideoH264_2MBitL40,
		OtherProfiles: []Profile{
			ProfileVideoH264L31,
			ProfileVideoH264_530KBitL31,
			ProfileVideoH264_100KBitL30,
		},
	}
	if c.data.AudioEnabled {
		req.OtherProfiles = append(req.OtherProfiles, ProfileAudioAAC)
	}
	c.sendLocked(PacketStartPlayback, req.Marshal())
}

// sendLocked transmits a message, or queues it until authorization
// completes. Hello and authorize requests always go straight out since
// they are what produce the authorization.
func (c *Client) sendLocked(t PacketType, payload []byte) {
	frame, err := EncodeFrame(t, payload)
	if err != nil {
		c.log.Warn("dropping outbound message", "type", t, "error", err)
		return
	}
	s := c.state
	switch {
	case t == PacketHello || t == PacketAuthorizeRequest || s.Authorized():
		c.enqueueLocked(frame)
	case s.Phase() == PhaseDisconnected || s.Phase() == PhaseClosing:
		c.log.Debug("not connected, dropping outbound message", "type", t)
	default:
		s.pending = append(s.pending, frame)
	}
}

func (c *Client) enqueueLocked(frame []byte) {
	out := c.state.out
	if out == nil {
		return
	}
	select {
	case out <- frame:
	default:
		c.log.Warn("outbound queue full, dropping message", "type", PacketType(frame[0]))
	}
}

func (c *Client) writeLoop(conn net.Conn, out <-chan []byte) {
	defer conn.Close()
	for frame := range out {
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if _, err := conn.Write(frame); err != nil {
			c.log.Debug("write failed", "error", err)
			_ = conn.Close()
			for range out {
			}
			return
		}
	}
}

func (c *Client) pingLoop(gen uint64, done <-chan struct{}) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.mu.Lock()
			if gen == c.state.gen {
				c.sendLocked(PacketPing, nil)
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) armStallLocked(gen uint64) {
	s := c.state
	if s.stall != nil {
		s.stall.Reset(c.opts.StallTimeout)
		return
	}
	s.stall = time.AfterFunc(c.opts.StallTimeout, func() { c.onStall(gen) })
}

func (c *Client) onStall(gen uint64) {
	c.mu.Lock()
	if gen != c.state.gen || !c.state.Authorized() {
		c.mu.Unlock()
		return
	}
	host := c.state.host
	c.mu.Unlock()

	c.log.Warn("no playback data received, reconnecting",
		"host", host, "timeout", c.opts.StallTimeout)
	c.reconnect(host, "stalled")
}

func (c *Client) readLoop(gen uint64, conn net.Conn) {
	var dec Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, f := range dec.Decode(buf[:n]) {
				if !c.handleFrame(gen, f) {
					return
				}
			}
		}
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
	}
}

// handleDrop reacts to the socket closing underneath us. Intentional closes
// have already bumped the generation and are ignored here.
func (c *Client) handleDrop(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.state.gen {
		c.mu.Unlock()
		return
	}
	host := c.state.host
	c.state.fire(evClose)
	c.state.reset()
	c.talking.UnSet()
	c.mu.Unlock()

	c.log.Warn("connection lost", "host", host, "error", cause)
	if !c.recv.Attached() {
		return
	}
	c.metrics.Reconnect(c.data.ID, "dropped")
	if err := c.Connect(context.Background(), host); err != nil {
		c.log.Warn("reconnect failed", "host", host, "error", err)
	}
}

// handleFrame dispatches one message. It returns false once the connection
// that produced the frame is no longer current.
func (c *Client) handleFrame(gen uint64, f Frame) bool {
	c.metrics.Frame(c.data.ID, f.Type.String())

	switch f.Type {
	case PacketOK:
		return c.handleOK(gen)
	case PacketError:
		return c.handleError(gen, f.Payload)
	case PacketPlaybackBegin:
		return c.handlePlaybackBegin(gen, f.Payload)
	case PacketPlaybackPacket, PacketLongPlaybackPacket:
		return c.handlePlaybackPacket(gen, f.Payload)
	case PacketPlaybackEnd:
		return c.handlePlaybackEnd(gen, f.Payload)
	case PacketRedirect:
		return c.handleRedirect(gen, f.Payload)
	case PacketTalkbackBegin:
		c.talking.Set()
		c.log.Debug("talkback started")
	case PacketTalkbackEnd:
		c.talking.UnSet()
		c.log.Debug("talkback ended")
	case PacketPing:
	default:
		c.log.Debug("ignoring message", "type", f.Type, "len", len(f.Payload))
	}
	return c.isCurrent(gen)
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.state.gen
}

func (c *Client) decodeFailed(t PacketType, err error) {
	c.metrics.DecodeError(c.data.ID)
	c.log.Warn("dropping undecodable message", "type", t, "error", err)
}

func (c *Client) handleOK(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if gen != s.gen {
		return false
	}
	s.authFailures = 0
	if s.Phase() != PhaseAuthorizing {
		c.log.Debug("reauthorized")
		return true
	}

	s.fire(evAuthorized)
	c.log.Info("authorized", "host", s.host, "queued", len(s.pending))

	pending := s.pending
	s.pending = nil
	for _, frame := range pending {
		c.enqueueLocked(frame)
	}
	go c.pingLoop(gen, s.done)

	c.startPlaybackLocked()
	c.armStallLocked(gen)
	return true
}

func (c *Client) handleError(gen uint64, payload []byte) bool {
	var m Error
	if err := m.Unmarshal(payload); err != nil {
		c.decodeFailed(PacketError, err)
		return c.isCurrent(gen)
	}
	if m.Code != ErrorAuthorizationFailed {
		c.log.Warn("camera reported error", "code", m.Code, "message", m.Message)
		return c.isCurrent(gen)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if gen != s.gen {
		return false
	}
	s.authFailures++
	if s.authFailures >= maxAuthFailures {
		c.log.Error("authorization rejected repeatedly, closing", "failures", s.authFailures)
		c.closeLocked(false)
		return false
	}
	c.log.Warn("authorization failed, reauthorizing", "attempt", s.authFailures)
	c.sendAuthorizeLocked()
	return true
}

func (c *Client) handlePlaybackBegin(gen uint64, payload []byte) bool {
	var m PlaybackBegin
	if err := m.Unmarshal(payload); err != nil {
		c.decodeFailed(PacketPlaybackBegin, err)
		return c.isCurrent(gen)
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if gen != s.gen {
		return false
	}

	s.sessionID = m.SessionID
	s.hasSession = true
	s.pending = nil
	s.channels = make(map[uint32]*ChannelBinding)
	bound := make(map[media.Kind]bool)
	for _, st := range m.Channels {
		kind, ok := kindForCodec(st.CodecType)
		if !ok || bound[kind] {
			continue
		}
		bound[kind] = true
		s.channels[st.ChannelID] = newChannelBinding(st, kind, now)
		c.log.Info("playback channel",
			"kind", kind, "channel", st.ChannelID, "codec", st.CodecType, "sample_rate", st.SampleRate)
	}
	s.fire(evBegin)
	c.armStallLocked(gen)
	return true
}

func (c *Client) handlePlaybackPacket(gen uint64, payload []byte) bool {
	var m PlaybackPacket
	if err := m.Unmarshal(payload); err != nil {
		c.decodeFailed(PacketPlaybackPacket, err)
		return c.isCurrent(gen)
	}

	c.mu.Lock()
	s := c.state
	if gen != s.gen {
		c.mu.Unlock()
		return false
	}
	b, ok := s.channels[m.ChannelID]
	if !ok {
		c.mu.Unlock()
		c.log.Debug("packet for unknown channel", "channel", m.ChannelID)
		return true
	}
	at := b.Advance(m.TimestampDelta)
	kind := b.Kind
	c.armStallLocked(gen)
	c.mu.Unlock()

	c.recv.Push(kind, m.Payload, at)
	return true
}

func (c *Client) handlePlaybackEnd(gen uint64, payload []byte) bool {
	var m PlaybackEnd
	if err := m.Unmarshal(payload); err != nil {
		c.decodeFailed(PacketPlaybackEnd, err)
		return c.isCurrent(gen)
	}
	if m.Reason == EndUserEndedSession {
		c.log.Info("playback ended by user", "session", m.SessionID)
		return c.isCurrent(gen)
	}

	c.mu.Lock()
	if gen != c.state.gen {
		c.mu.Unlock()
		return false
	}
	host := c.state.host
	c.mu.Unlock()

	c.log.Warn("playback ended unexpectedly", "reason", m.Reason, "session", m.SessionID)
	c.reconnect(host, "playback_end")
	return false
}

func (c *Client) handleRedirect(gen uint64, payload []byte) bool {
	var m Redirect
	host := ""
	if err := m.Unmarshal(payload); err == nil && m.NewHost != "" {
		host = m.NewHost
	} else if isHostname(payload) {
		host = string(payload)
	}
	if host == "" {
		c.decodeFailed(PacketRedirect, errors.New("no host in redirect"))
		return c.isCurrent(gen)
	}
	if !c.isCurrent(gen) {
		return false
	}

	c.log.Info("redirected", "host", host)
	c.reconnect(host, "redirect")
	return false
}

func isHostname(b []byte) bool {
	if len(b) == 0 || len(b) > 253 {
		return false
	}
	for _, ch := range b {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '.' || ch == '-' || ch == ':' || ch == '_':
		default:
			return false
		}
	}
	return true
}
