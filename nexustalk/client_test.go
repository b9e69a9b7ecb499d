package nexustalk

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/nexusrelay/certs"
	"github.com/zsiec/nexusrelay/device"
	"github.com/zsiec/nexusrelay/media"
)

const waitTimeout = 2 * time.Second

type push struct {
	kind    media.Kind
	payload string
	at      time.Time
}

type recorder struct {
	mu       sync.Mutex
	pushes   []push
	attached atomic.Bool
}

func (r *recorder) Push(kind media.Kind, payload []byte, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, push{kind: kind, payload: string(payload), at: at})
}

func (r *recorder) Attached() bool { return r.attached.Load() }

func (r *recorder) snapshot() []push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]push(nil), r.pushes...)
}

// fakeCamera is the server end of one dialed connection.
type fakeCamera struct {
	t      *testing.T
	addr   string
	conn   net.Conn
	frames chan Frame
}

func newFakeCamera(t *testing.T, addr string, conn net.Conn) *fakeCamera {
	c := &fakeCamera{t: t, addr: addr, conn: conn, frames: make(chan Frame, 64)}
	go func() {
		defer close(c.frames)
		var d Decoder
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			for _, f := range d.Decode(buf[:n]) {
				c.frames <- f
			}
			if err != nil {
				return
			}
		}
	}()
	return c
}

func (c *fakeCamera) host() string {
	h, _, _ := net.SplitHostPort(c.addr)
	return h
}

func (c *fakeCamera) expect(want PacketType) Frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		require.True(c.t, ok, "connection closed while waiting for %s", want)
		require.Equal(c.t, want, f.Type)
		return f
	case <-time.After(waitTimeout):
		c.t.Fatalf("timed out waiting for %s", want)
	}
	return Frame{}
}

func (c *fakeCamera) expectClosed() {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("connection was not closed")
		}
	}
}

func (c *fakeCamera) send(t PacketType, payload []byte) {
	c.t.Helper()
	b, err := EncodeFrame(t, payload)
	require.NoError(c.t, err)
	_ = c.conn.SetWriteDeadline(time.Now().Add(waitTimeout))
	_, err = c.conn.Write(b)
	require.NoError(c.t, err)
}

type pipeDialer struct {
	t    *testing.T
	mu   sync.Mutex
	cams chan *fakeCamera
	n    int
}

func (d *pipeDialer) dial(_ context.Context, _, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	d.mu.Lock()
	d.n++
	d.mu.Unlock()
	d.cams <- newFakeCamera(d.t, addr, server)
	return client, nil
}

func (d *pipeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func (d *pipeDialer) camera() *fakeCamera {
	d.t.Helper()
	select {
	case c := <-d.cams:
		return c
	case <-time.After(waitTimeout):
		d.t.Fatal("timed out waiting for dial")
	}
	return nil
}

func testDevice() device.Data {
	return device.Data{
		ID:               "cam-1",
		Token:            "tok",
		StreamingHost:    "host-a",
		Online:           true,
		StreamingEnabled: true,
		AudioEnabled:     true,
	}
}

func newTestClient(t *testing.T, opts Options) (*Client, *pipeDialer, *recorder) {
	t.Helper()
	d := &pipeDialer{t: t, cams: make(chan *fakeCamera, 8)}
	r := &recorder{}
	r.attached.Store(true)
	opts.Dial = d.dial
	c := New(r, testDevice(), opts)
	t.Cleanup(func() { c.Close(false) })
	return c, d, r
}

// authorize connects and completes the handshake, returning the camera and
// the start playback request it received.
func authorize(t *testing.T, c *Client, d *pipeDialer) (*fakeCamera, StartPlayback) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background(), ""))
	cam := d.camera()
	cam.expect(PacketHello)
	cam.send(PacketOK, nil)

	var sp StartPlayback
	require.NoError(t, sp.Unmarshal(cam.expect(PacketStartPlayback).Payload))
	return cam, sp
}

func beginPlayback(t *testing.T, cam *fakeCamera, sessionID uint32) {
	t.Helper()
	begin := PlaybackBegin{
		SessionID: sessionID,
		Channels: []Stream{
			{ChannelID: 1, CodecType: CodecH264, SampleRate: 90000},
			{ChannelID: 2, CodecType: CodecAAC, SampleRate: 48000},
		},
	}
	cam.send(PacketPlaybackBegin, begin.Marshal())
}

func sendPacket(t *testing.T, cam *fakeCamera, channel, delta uint32, payload string) {
	t.Helper()
	p := PlaybackPacket{ChannelID: channel, TimestampDelta: delta, Payload: []byte(payload)}
	cam.send(PacketPlaybackPacket, p.Marshal())
}

func TestConnectSendsHello(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})

	require.NoError(t, c.Connect(context.Background(), ""))
	cam := d.camera()
	assert.Equal(t, "host-a:1443", cam.addr)

	var hello Hello
	require.NoError(t, hello.Unmarshal(cam.expect(PacketHello).Payload))
	assert.Equal(t, ProtocolVersion3, hello.ProtocolVersion)
	assert.Equal(t, ClientTypeWeb, hello.ClientType)
	assert.Equal(t, "cam-1", hello.DeviceID)
	assert.NotEmpty(t, hello.UUID)
	assert.NotEmpty(t, hello.UserAgent)

	var auth AuthorizeRequest
	require.NoError(t, auth.Unmarshal(hello.AuthorizeRequest))
	assert.Equal(t, "tok", auth.SessionToken)
	assert.Empty(t, auth.OliveToken)

	assert.Equal(t, PhaseAuthorizing, c.Phase())
	assert.True(t, c.Connected())
}

func TestConnectIsNoopWhenConnected(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})

	require.NoError(t, c.Connect(context.Background(), ""))
	require.NoError(t, c.Connect(context.Background(), "host-b"))
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, "host-a", c.Host())
}

func TestConnectSkippedWhenUnavailable(t *testing.T) {
	t.Parallel()
	d := &pipeDialer{t: t, cams: make(chan *fakeCamera, 1)}
	data := testDevice()
	data.StreamingEnabled = false
	c := New(&recorder{}, data, Options{Dial: d.dial})

	require.NoError(t, c.Connect(context.Background(), ""))
	assert.Zero(t, d.dials())
	assert.Equal(t, PhaseDisconnected, c.Phase())
}

func TestConnectWithoutHost(t *testing.T) {
	t.Parallel()
	data := testDevice()
	data.StreamingHost = ""
	c := New(&recorder{}, data, Options{})
	assert.ErrorIs(t, c.Connect(context.Background(), ""), ErrNoHost)
}

func TestConnectDialFailure(t *testing.T) {
	t.Parallel()
	refused := errors.New("connection refused")
	c := New(&recorder{}, testDevice(), Options{
		Dial: func(context.Context, string, string) (net.Conn, error) { return nil, refused },
	})

	err := c.Connect(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, PhaseDisconnected, c.Phase())
}

func TestAuthorizedStartsPlayback(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})

	_, sp := authorize(t, c, d)
	assert.NotZero(t, sp.SessionID)
	assert.Equal(t, ProfileVideoH264_2MBitL40, sp.Profile)
	assert.Contains(t, sp.OtherProfiles, ProfileVideoH264L31)
	assert.Contains(t, sp.OtherProfiles, ProfileAudioAAC)
	assert.Equal(t, PhaseAuthorized, c.Phase())
}

func TestPlaybackPacketsPushedInOrder(t *testing.T) {
	t.Parallel()
	c, d, r := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)

	beginPlayback(t, cam, 42)
	sendPacket(t, cam, 1, 0, "v0")
	sendPacket(t, cam, 2, 48000, "a0")
	sendPacket(t, cam, 1, 3000, "v1")
	sendPacket(t, cam, 9, 0, "unknown channel")

	require.Eventually(t, func() bool { return len(r.snapshot()) == 3 }, waitTimeout, 5*time.Millisecond)
	got := r.snapshot()
	assert.Equal(t, []media.Kind{media.KindVideo, media.KindAudio, media.KindVideo},
		[]media.Kind{got[0].kind, got[1].kind, got[2].kind})
	assert.Equal(t, []string{"v0", "a0", "v1"}, []string{got[0].payload, got[1].payload, got[2].payload})

	// Both channels share the begin wallclock as their base.
	assert.Equal(t, time.Second, got[1].at.Sub(got[0].at))
	assert.Equal(t, time.Second/30, got[2].at.Sub(got[0].at))

	assert.Equal(t, PhaseStreaming, c.Phase())
	id, ok := c.SessionID()
	assert.True(t, ok)
	assert.Equal(t, uint32(42), id)
}

func TestMessagesQueuedUntilAuthorized(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})

	require.NoError(t, c.Connect(context.Background(), ""))
	cam := d.camera()
	cam.expect(PacketHello)

	c.SendTalkback([]byte{1})
	c.SendTalkback([]byte{2})
	cam.send(PacketOK, nil)

	for _, want := range []byte{1, 2} {
		var ap AudioPayload
		require.NoError(t, ap.Unmarshal(cam.expect(PacketAudioPayload).Payload))
		assert.Equal(t, []byte{want}, ap.Payload)
		assert.Equal(t, CodecSpeex, ap.Codec)
		assert.Equal(t, uint32(16000), ap.SampleRate)
	}
	cam.expect(PacketStartPlayback)
}

func TestSendTalkbackDroppedWhenDisconnected(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})

	c.SendTalkback([]byte{1})
	cam, _ := authorize(t, c, d)

	c.SendTalkback([]byte{2})
	var ap AudioPayload
	require.NoError(t, ap.Unmarshal(cam.expect(PacketAudioPayload).Payload))
	assert.Equal(t, []byte{2}, ap.Payload)
}

func TestRedirectReconnectsToNewHost(t *testing.T) {
	t.Parallel()
	c, d, r := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)
	beginPlayback(t, cam, 1)

	redirect := Redirect{NewHost: "host-b"}
	cam.send(PacketRedirect, redirect.Marshal())
	cam.expectClosed()

	next := d.camera()
	assert.Equal(t, "host-b", next.host())
	next.expect(PacketHello)
	assert.Equal(t, "host-b", c.Host())
	assert.Empty(t, r.snapshot())
}

func TestRedirectWithBareHostname(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)

	cam.send(PacketRedirect, []byte("host-c.example.com"))
	cam.expectClosed()
	assert.Equal(t, "host-c.example.com", d.camera().host())
}

func TestStallReconnectsOnce(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{StallTimeout: 100 * time.Millisecond})
	cam, _ := authorize(t, c, d)

	cam.expectClosed()
	next := d.camera()
	assert.Equal(t, "host-a", next.host())
	next.expect(PacketHello)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, d.dials())
}

func TestPacketsHoldOffStallWatchdog(t *testing.T) {
	t.Parallel()
	c, d, r := newTestClient(t, Options{StallTimeout: 150 * time.Millisecond})
	cam, _ := authorize(t, c, d)
	beginPlayback(t, cam, 1)

	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		sendPacket(t, cam, 1, 3000, "v")
	}
	assert.Equal(t, 1, d.dials())
	assert.Len(t, r.snapshot(), 6)
}

func TestDroppedConnectionReconnectsWhenAttached(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)

	require.NoError(t, cam.conn.Close())
	next := d.camera()
	assert.Equal(t, "host-a", next.host())
	next.expect(PacketHello)
}

func TestDroppedConnectionStaysClosedWhenDetached(t *testing.T) {
	t.Parallel()
	c, d, r := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)
	r.attached.Store(false)

	require.NoError(t, cam.conn.Close())
	require.Eventually(t, func() bool { return c.Phase() == PhaseDisconnected }, waitTimeout, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
}

func TestPlaybackEnd(t *testing.T) {
	t.Parallel()

	t.Run("user ended", func(t *testing.T) {
		t.Parallel()
		c, d, _ := newTestClient(t, Options{})
		cam, _ := authorize(t, c, d)

		end := PlaybackEnd{SessionID: 1, Reason: EndUserEndedSession}
		cam.send(PacketPlaybackEnd, end.Marshal())
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, d.dials())
		assert.Equal(t, PhaseAuthorized, c.Phase())
	})

	t.Run("unexpected", func(t *testing.T) {
		t.Parallel()
		c, d, _ := newTestClient(t, Options{})
		cam, _ := authorize(t, c, d)

		end := PlaybackEnd{SessionID: 1, Reason: EndLeafNodeCannotReachCamera}
		cam.send(PacketPlaybackEnd, end.Marshal())
		cam.expectClosed()
		assert.Equal(t, "host-a", d.camera().host())
	})
}

func TestCloseSendsStopPlayback(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)
	beginPlayback(t, cam, 42)
	require.Eventually(t, func() bool { return c.Phase() == PhaseStreaming }, waitTimeout, 5*time.Millisecond)

	c.Close(true)
	assert.Equal(t, PhaseDisconnected, c.Phase())

	var stop StopPlayback
	require.NoError(t, stop.Unmarshal(cam.expect(PacketStopPlayback).Payload))
	assert.Equal(t, uint32(42), stop.SessionID)
	cam.expectClosed()

	// Closing again is harmless.
	c.Close(true)
}

func TestAuthorizationFailuresCloseSession(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})

	require.NoError(t, c.Connect(context.Background(), ""))
	cam := d.camera()
	cam.expect(PacketHello)

	rejected := Error{Code: ErrorAuthorizationFailed, Message: "expired"}
	for i := 1; i < maxAuthFailures; i++ {
		cam.send(PacketError, rejected.Marshal())
		cam.expect(PacketAuthorizeRequest)
	}
	cam.send(PacketError, rejected.Marshal())
	cam.expectClosed()

	assert.Equal(t, PhaseDisconnected, c.Phase())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
}

func TestOtherErrorsAreLogged(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)

	e := Error{Code: ErrorTranscodeProxyError, Message: "busy"}
	cam.send(PacketError, e.Marshal())
	cam.send(PacketPlaybackBegin, []byte{0xFF}) // undecodable
	cam.send(PacketTalkbackBegin, nil)

	require.Eventually(t, c.Talking, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, PhaseAuthorized, c.Phase())
}

func TestTalkbackFlag(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)

	cam.send(PacketTalkbackBegin, nil)
	require.Eventually(t, c.Talking, waitTimeout, 5*time.Millisecond)
	cam.send(PacketTalkbackEnd, nil)
	require.Eventually(t, func() bool { return !c.Talking() }, waitTimeout, 5*time.Millisecond)
}

func TestUpdateTokenReauthorizes(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)

	data := testDevice()
	data.Token = "fresh"
	data.Account = device.AccountGoogle
	c.Update(data)

	var auth AuthorizeRequest
	require.NoError(t, auth.Unmarshal(cam.expect(PacketAuthorizeRequest).Payload))
	assert.Equal(t, "fresh", auth.OliveToken)
	assert.Empty(t, auth.SessionToken)

	cam.send(PacketOK, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseAuthorized, c.Phase())
}

func TestUpdateUnavailableCloses(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)

	data := testDevice()
	data.Online = false
	c.Update(data)
	assert.Equal(t, PhaseDisconnected, c.Phase())
	cam.expectClosed()

	require.NoError(t, c.Connect(context.Background(), ""))
	assert.Equal(t, 1, d.dials())
}

func TestUpdateHostChangeReconnects(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)

	data := testDevice()
	data.StreamingHost = "host-b"
	c.Update(data)
	cam.expectClosed()
	assert.Equal(t, "host-b", d.camera().host())
}

func TestUpdateHostChangeWhileDisconnected(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{})
	cam, _ := authorize(t, c, d)

	offline := testDevice()
	offline.Online = false
	c.Update(offline)
	cam.expectClosed()
	require.Equal(t, PhaseDisconnected, c.Phase())

	moved := testDevice()
	moved.StreamingHost = "host-b"
	c.Update(moved)
	assert.Equal(t, PhaseDisconnected, c.Phase())

	require.NoError(t, c.Connect(context.Background(), ""))
	next := d.camera()
	assert.Equal(t, "host-b", next.host())
	assert.Equal(t, "host-b", c.Host())
	next.expect(PacketHello)
}

func TestPingsWhileAuthorized(t *testing.T) {
	t.Parallel()
	c, d, _ := newTestClient(t, Options{PingInterval: 20 * time.Millisecond})
	cam, _ := authorize(t, c, d)

	cam.expect(PacketPing)
	cam.expect(PacketPing)
}

func TestConnectOverTLS(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate("camera", nil, time.Hour)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cert.ServerConfig())
	require.NoError(t, err)
	defer ln.Close()

	// The server must be reading for the client handshake to finish.
	accepted := make(chan *fakeCamera, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- newFakeCamera(t, conn.RemoteAddr().String(), conn)
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	r := &recorder{}
	c := New(r, testDevice(), Options{Port: port, TLSConfig: cert.ClientConfig()})
	defer c.Close(false)
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1"))

	var cam *fakeCamera
	select {
	case cam = <-accepted:
	case <-time.After(waitTimeout):
		t.Fatal("no connection accepted")
	}
	cam.expect(PacketHello)
	cam.send(PacketOK, nil)
	cam.expect(PacketStartPlayback)
	assert.Equal(t, PhaseAuthorized, c.Phase())
}
