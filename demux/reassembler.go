package demux

import (
	"bytes"
	"log/slog"

	"github.com/zsiec/nexusrelay/media"
)

// Unit is the Annex B output produced for one camera video payload.
type Unit struct {
	Data     []byte
	Keyframe bool
}

// Reassembler turns the bare NAL units delivered by the camera into Annex B
// units a decoder can consume. It caches the most recent SPS/PPS, suppresses
// them from normal output and prepends them to every IDR slice so a consumer
// attaching mid-stream can start decoding at the next key frame.
//
// A Reassembler is not safe for concurrent use; the streamer serializes
// access under its own lock.
type Reassembler struct {
	log *slog.Logger
	sps []byte
	pps []byte

	info    SPSInfo
	hasInfo bool
}

// NewReassembler creates a Reassembler with an empty parameter set cache.
// If log is nil, slog.Default() is used.
func NewReassembler(log *slog.Logger) *Reassembler {
	if log == nil {
		log = slog.Default()
	}
	return &Reassembler{log: log.With("component", "reassembler")}
}

// Process converts a camera video payload into a single Annex B unit.
// It returns false when the payload held only parameter sets (or nothing),
// in which case nothing should be emitted.
func (r *Reassembler) Process(payload []byte) (Unit, bool) {
	var out []byte
	keyframe := false

	for _, nal := range SplitNALUnits(payload) {
		switch {
		case IsSPS(nal.Type):
			r.setSPS(nal.Data)
		case IsPPS(nal.Type):
			r.pps = append(r.pps[:0], nal.Data...)
		case IsKeyframe(nal.Type):
			if r.sps != nil {
				out = append(out, media.StartCode...)
				out = append(out, r.sps...)
			}
			if r.pps != nil {
				out = append(out, media.StartCode...)
				out = append(out, r.pps...)
			}
			out = append(out, media.StartCode...)
			out = append(out, nal.Data...)
			keyframe = true
		default:
			out = append(out, media.StartCode...)
			out = append(out, nal.Data...)
		}
	}

	if len(out) == 0 {
		return Unit{}, false
	}
	return Unit{Data: out, Keyframe: keyframe}, true
}

// Info returns the parsed form of the cached SPS, if it could be parsed.
func (r *Reassembler) Info() (SPSInfo, bool) {
	return r.info, r.hasInfo
}

func (r *Reassembler) setSPS(nal []byte) {
	if bytes.Equal(r.sps, nal) {
		return
	}
	r.sps = append(r.sps[:0], nal...)

	info, err := ParseSPS(nal)
	if err != nil {
		r.log.Debug("unparseable SPS cached", "error", err, "len", len(nal))
		r.hasInfo = false
		return
	}
	r.info = info
	r.hasInfo = true
	r.log.Info("video parameters",
		"codec", info.CodecString(),
		"width", info.Width,
		"height", info.Height)
}
