// Package srt pushes a camera's elementary stream to a remote SRT listener,
// so a live sink can feed ffmpeg, a media server or any other SRT consumer.
package srt

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	srtgo "github.com/zsiec/srtgo"
)

// maxPayload is the standard SRT payload size (7 x 188 bytes).
const maxPayload = 1316

// latencyNs is the SRT latency setting in nanoseconds (120ms).
const latencyNs = 120_000_000

const dialTimeout = 10 * time.Second

// conn is the part of an SRT connection the Pusher writes to.
type conn interface {
	Write(p []byte) (int, error)
	Close() error
}

var dialSRT = func(addr, streamID string) (conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = streamID
	c, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Target describes a remote SRT listener.
type Target struct {
	Address  string
	StreamID string
}

// Pusher is an io.WriteCloser over an SRT caller connection. Writes larger
// than one SRT payload are split.
type Pusher struct {
	log    *slog.Logger
	target Target

	mu   sync.Mutex
	conn conn

	bytes  atomic.Int64
	writes atomic.Int64
}

// Dial connects to the target synchronously, with a timeout. If log is nil,
// slog.Default() is used.
func Dial(ctx context.Context, t Target, log *slog.Logger) (*Pusher, error) {
	if t.Address == "" {
		return nil, errors.New("srt: address is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-pusher", "address", t.Address)
	log.Info("dialing", "stream_id", t.StreamID)

	type dialResult struct {
		conn conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := dialSRT(t.Address, t.StreamID)
		ch <- dialResult{c, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	// Close any connection that completes after we gave up.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, errors.Wrapf(res.err, "srt dial %s", t.Address)
		}
		log.Info("connected")
		return &Pusher{log: log, target: t, conn: res.conn}, nil
	case <-timer.C:
		abandon()
		return nil, errors.Errorf("srt dial %s timed out after %s", t.Address, dialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// Write sends b in SRT-sized chunks.
func (p *Pusher) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return 0, io.ErrClosedPipe
	}
	n, err := writeChunks(p.conn, b, maxPayload)
	p.bytes.Add(int64(n))
	p.writes.Add(1)
	return n, err
}

// Close closes the connection. It is safe to call more than once.
func (p *Pusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.log.Info("push ended", "bytes", p.bytes.Load(), "writes", p.writes.Load())
	return errors.Wrap(err, "srt close")
}

func writeChunks(w io.Writer, b []byte, size int) (int, error) {
	total := 0
	for len(b) > 0 {
		n := min(size, len(b))
		written, err := w.Write(b[:n])
		total += written
		if err != nil {
			return total, err
		}
		b = b[n:]
	}
	return total, nil
}
