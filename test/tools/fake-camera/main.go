// Command fake-camera serves a looping H.264 clip over the NexusTalk
// protocol so a relay can be exercised without real hardware. It answers
// Hello with OK, StartPlayback with PlaybackBegin, then streams one NAL unit
// per PlaybackPacket at the requested frame rate.
package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"time"

	"github.com/zsiec/nexusrelay/certs"
	"github.com/zsiec/nexusrelay/demux"
	"github.com/zsiec/nexusrelay/nexustalk"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:1443", "TLS listen address")
	fileFlag := flag.String("file", "", "Annex B H.264 clip to stream")
	fpsFlag := flag.Int("fps", 30, "Frame rate")
	redirectFlag := flag.String("redirect", "", "Redirect every session to this host instead of streaming")
	flag.Parse()

	if *fileFlag == "" {
		fmt.Fprintf(os.Stderr, "Usage: fake-camera --file clip.h264 [--addr 127.0.0.1:1443] [--fps 30]\n")
		os.Exit(1)
	}
	data, err := os.ReadFile(*fileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read clip: %v\n", err)
		os.Exit(1)
	}
	aus := accessUnits(demux.ParseAnnexB(data))
	if len(aus) == 0 {
		fmt.Fprintf(os.Stderr, "No access units in %s\n", *fileFlag)
		os.Exit(1)
	}

	cert, err := certs.Generate("fake-camera", nil, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate certificate: %v\n", err)
		os.Exit(1)
	}
	ln, err := tls.Listen("tcp", *addrFlag, cert.ServerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to listen: %v\n", err)
		os.Exit(1)
	}
	slog.Info("fake camera listening",
		"addr", ln.Addr().String(),
		"access_units", len(aus),
		"fingerprint", cert.FingerprintHex(),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			slog.Error("accept failed", "error", err)
			return
		}
		s := &session{
			log:      slog.With("remote", conn.RemoteAddr().String()),
			conn:     conn,
			aus:      aus,
			interval: time.Second / time.Duration(max(*fpsFlag, 1)),
			redirect: *redirectFlag,
		}
		go s.serve()
	}
}

// accessUnits groups NAL units into access units. Each unit ends with one
// VCL NAL; parameter sets and SEI ride with the slice that follows them.
func accessUnits(nals []demux.NALUnit) [][]demux.NALUnit {
	var (
		aus [][]demux.NALUnit
		cur []demux.NALUnit
	)
	for _, n := range nals {
		cur = append(cur, n)
		if n.Type == demux.NALTypeSlice || n.Type == demux.NALTypeIDR {
			aus = append(aus, cur)
			cur = nil
		}
	}
	return aus
}

type session struct {
	log      *slog.Logger
	conn     net.Conn
	aus      [][]demux.NALUnit
	interval time.Duration
	redirect string

	wmu  sync.Mutex
	stop chan struct{}
}

func (s *session) serve() {
	defer s.conn.Close()
	s.log.Info("client connected")

	var d nexustalk.Decoder
	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		for _, f := range d.Decode(buf[:n]) {
			s.handle(f)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read ended", "error", err)
			}
			s.stopStream()
			s.log.Info("client disconnected")
			return
		}
	}
}

func (s *session) handle(f nexustalk.Frame) {
	switch f.Type {
	case nexustalk.PacketHello, nexustalk.PacketAuthorizeRequest:
		s.send(nexustalk.PacketOK, nil)
	case nexustalk.PacketStartPlayback:
		if s.redirect != "" {
			m := nexustalk.Redirect{NewHost: s.redirect}
			s.send(nexustalk.PacketRedirect, m.Marshal())
			return
		}
		var sp nexustalk.StartPlayback
		if err := sp.Unmarshal(f.Payload); err != nil {
			s.log.Warn("bad StartPlayback", "error", err)
			return
		}
		s.startStream(sp.SessionID)
	case nexustalk.PacketStopPlayback:
		s.stopStream()
	case nexustalk.PacketAudioPayload:
		s.log.Debug("talkback audio", "bytes", len(f.Payload))
	}
}

func (s *session) startStream(sessionID uint32) {
	s.stopStream()
	if sessionID == 0 {
		sessionID = rand.Uint32N(1<<30) + 1
	}
	begin := nexustalk.PlaybackBegin{
		SessionID: sessionID,
		Channels:  []nexustalk.Stream{{ChannelID: 1, CodecType: nexustalk.CodecH264, SampleRate: 90000}},
	}
	s.send(nexustalk.PacketPlaybackBegin, begin.Marshal())
	s.log.Info("playback started", "session", sessionID)

	stop := make(chan struct{})
	s.wmu.Lock()
	s.stop = stop
	s.wmu.Unlock()
	go s.stream(sessionID, stop)
}

func (s *session) stopStream() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *session) stream(sessionID uint32, stop <-chan struct{}) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	delta := uint32(90000 * s.interval / time.Second)

	for i := 0; ; i++ {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		for j, n := range s.aus[i%len(s.aus)] {
			p := nexustalk.PlaybackPacket{SessionID: sessionID, ChannelID: 1, Payload: n.Data}
			if j == 0 && i > 0 {
				p.TimestampDelta = delta
			}
			payload := p.Marshal()
			pt := nexustalk.PacketPlaybackPacket
			if len(payload) > 0xFFFF {
				pt = nexustalk.PacketLongPlaybackPacket
			}
			if !s.send(pt, payload) {
				return
			}
		}
	}
}

func (s *session) send(t nexustalk.PacketType, payload []byte) bool {
	b, err := nexustalk.EncodeFrame(t, payload)
	if err != nil {
		s.log.Warn("encode failed", "type", t.String(), "error", err)
		return false
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := s.conn.Write(b); err != nil {
		s.log.Debug("write failed", "error", err)
		return false
	}
	return true
}
