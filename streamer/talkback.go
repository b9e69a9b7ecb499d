package streamer

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tevino/abool"
)

const talkbackChunk = 4096

// talkback forwards consumer audio to the camera. When no data arrives for
// the silence window after some was sent, it sends an empty payload so the
// camera ends the talk.
type talkback struct {
	log     *slog.Logger
	r       io.ReadCloser
	send    func([]byte)
	silence time.Duration

	stopped abool.AtomicBool

	mu      sync.Mutex
	timer   *time.Timer
	talking bool
}

func newTalkback(r io.ReadCloser, send func([]byte), silence time.Duration, log *slog.Logger) *talkback {
	t := &talkback{log: log, r: r, send: send, silence: silence}
	go t.run()
	return t
}

func (t *talkback) run() {
	buf := make([]byte, talkbackChunk)
	for {
		n, err := t.r.Read(buf)
		if n > 0 && !t.stopped.IsSet() {
			t.send(append([]byte(nil), buf[:n]...))
			t.arm()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.stopped.IsSet() {
				t.log.Debug("talkback source failed", "error", err)
			}
			t.finish()
			return
		}
	}
}

func (t *talkback) arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.talking = true
	if t.timer == nil {
		t.timer = time.AfterFunc(t.silence, t.endOfTalk)
		return
	}
	t.timer.Reset(t.silence)
}

func (t *talkback) endOfTalk() {
	t.mu.Lock()
	if !t.talking || t.stopped.IsSet() {
		t.mu.Unlock()
		return
	}
	t.talking = false
	t.mu.Unlock()

	t.log.Debug("talkback silent, ending talk")
	t.send([]byte{})
}

// finish ends an in-progress talk once the source is exhausted.
func (t *talkback) finish() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	talking := t.talking
	t.talking = false
	t.mu.Unlock()

	if talking && !t.stopped.IsSet() {
		t.send([]byte{})
	}
}

// stop disables forwarding and closes the source, which unblocks the reader
// goroutine.
func (t *talkback) stop() {
	if !t.stopped.SetToIf(false, true) {
		return
	}
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.talking = false
	t.mu.Unlock()

	_ = t.r.Close()
}
