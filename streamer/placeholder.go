package streamer

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zsiec/nexusrelay/demux"
	"github.com/zsiec/nexusrelay/device"
)

// Placeholder resource file names, relative to the resource directory.
const (
	offlineFile  = "offline.h264"
	videoOffFile = "video_off.h264"
	transferFile = "transfer.h264"
	silenceFile  = "silence.aac"
)

// Placeholders is the set of pre-encoded frames shown while the camera is
// unreachable. It is read-only after loading and shared by every Streamer
// in the process. A nil *Placeholders holds no frames.
type Placeholders struct {
	video   map[string]placeholderFrame
	silence []byte
}

type placeholderFrame struct {
	data     []byte
	keyframe bool
}

// LoadPlaceholders reads the placeholder frames from dir. Missing or
// malformed files are logged and skipped; the camera state they cover then
// simply produces no synthetic frames.
func LoadPlaceholders(dir string, log *slog.Logger) *Placeholders {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "placeholders", "dir", dir)

	p := &Placeholders{video: make(map[string]placeholderFrame)}
	for reason, name := range map[string]string{
		device.PlaceholderOffline:  offlineFile,
		device.PlaceholderVideoOff: videoOffFile,
		device.PlaceholderTransfer: transferFile,
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn("placeholder video unavailable", "file", name, "error", err)
			continue
		}
		f, ok := newPlaceholderFrame(data)
		if !ok {
			log.Warn("placeholder video has no NAL units", "file", name)
			continue
		}
		p.video[reason] = f
	}

	if data, err := os.ReadFile(filepath.Join(dir, silenceFile)); err != nil {
		log.Warn("placeholder audio unavailable", "file", silenceFile, "error", err)
	} else if p.silence, err = firstADTSFrame(data); err != nil {
		log.Warn("placeholder audio unusable", "file", silenceFile, "error", err)
	}

	log.Info("placeholders loaded", "video", len(p.video), "audio", p.silence != nil)
	return p
}

// firstADTSFrame returns the first complete ADTS frame in data. One frame
// is injected per placeholder interval, so longer files are cut down.
func firstADTSFrame(data []byte) ([]byte, error) {
	frames, err := demux.ParseADTS(data)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, demux.ErrInvalidADTS
	}
	return frames[0].Data, nil
}

// NewPlaceholders builds a set from in-memory frames, keyed by the
// device.Placeholder* reasons. Frames without NAL units are ignored.
func NewPlaceholders(video map[string][]byte, silence []byte) *Placeholders {
	p := &Placeholders{video: make(map[string]placeholderFrame), silence: silence}
	for reason, data := range video {
		if f, ok := newPlaceholderFrame(data); ok {
			p.video[reason] = f
		}
	}
	return p
}

func newPlaceholderFrame(data []byte) (placeholderFrame, bool) {
	nals := demux.ParseAnnexB(data)
	if len(nals) == 0 {
		return placeholderFrame{}, false
	}
	f := placeholderFrame{data: data}
	for _, n := range nals {
		if demux.IsKeyframe(n.Type) {
			f.keyframe = true
		}
	}
	return f, true
}

// Silence returns the blank ADTS audio frame, or nil.
func (p *Placeholders) Silence() []byte {
	if p == nil {
		return nil
	}
	return p.silence
}

func (p *Placeholders) frame(reason string) (placeholderFrame, bool) {
	if p == nil {
		return placeholderFrame{}, false
	}
	f, ok := p.video[reason]
	return f, ok
}
