package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/nexusrelay/config"
	srtegress "github.com/zsiec/nexusrelay/egress/srt"
	"github.com/zsiec/nexusrelay/internal/metrics"
	"github.com/zsiec/nexusrelay/internal/stream"
	"github.com/zsiec/nexusrelay/nexustalk"
	"github.com/zsiec/nexusrelay/streamer"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	devices, err := config.LoadDevices(cfg.DeviceFile)
	if err != nil {
		slog.Error("failed to load devices", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a := &app{
		cfg: cfg,
		mgr: stream.NewManager(nil, stream.Options{
			Client: nexustalk.Options{
				PingInterval: cfg.PingInterval,
				StallTimeout: cfg.StallTimeout,
				Metrics:      m,
			},
			Streamer: streamer.Options{
				Retention:       cfg.Retention,
				TickInterval:    cfg.Tick,
				TalkbackSilence: cfg.TalkbackSilence,
				Placeholders:    streamer.LoadPlaceholders(cfg.ResourceDir, nil),
				Metrics:         m,
			},
		}),
	}

	slog.Info("nexusrelay starting",
		"version", version,
		"devices", len(devices),
		"metrics", cfg.MetricsAddr,
		"record_dir", cfg.RecordDir,
	)

	g, ctx := errgroup.WithContext(ctx)

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		slog.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	for _, d := range devices {
		g.Go(func() error {
			return a.startDevice(ctx, d)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.mgr.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("relay error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg config.Config
	mgr *stream.Manager
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// startDevice creates the device's relay, starts buffering and attaches the
// configured record and SRT sinks. A sink that fails to open is logged and
// skipped; the relay keeps running.
func (a *app) startDevice(ctx context.Context, d config.Device) error {
	log := slog.With("device", d.ID)

	r, ok := a.mgr.Create(ctx, d.Data())
	if !ok {
		return nil
	}
	r.Streamer.StartBuffering()

	if d.Record && a.cfg.RecordDir != "" {
		if err := a.attachRecording(r.Streamer, d.ID); err != nil {
			log.Error("recording not started", "error", err)
		}
	}

	if d.SRTPush != "" {
		p, err := srtegress.Dial(ctx, srtegress.Target{Address: d.SRTPush, StreamID: d.SRTStreamID}, log)
		if err != nil {
			log.Error("srt push not started", "error", err)
			return nil
		}
		if err := r.Streamer.AttachLive("srt-"+uuid.NewString(), streamer.Outputs{Video: p}); err != nil {
			_ = p.Close()
			log.Error("srt push not attached", "error", err)
		}
	}
	return nil
}

func (a *app) attachRecording(s *streamer.Streamer, deviceID string) error {
	if err := os.MkdirAll(a.cfg.RecordDir, 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	id := uuid.NewString()
	base := filepath.Join(a.cfg.RecordDir, fmt.Sprintf("%s-%s-%s", deviceID, time.Now().UTC().Format("20060102T150405Z"), id[:8]))

	video, err := os.Create(base + ".h264")
	if err != nil {
		return fmt.Errorf("create video file: %w", err)
	}
	audio, err := os.Create(base + ".aac")
	if err != nil {
		_ = video.Close()
		return fmt.Errorf("create audio file: %w", err)
	}
	if err := s.AttachRecord("record-"+id, video, audio); err != nil {
		_ = video.Close()
		_ = audio.Close()
		return err
	}
	slog.Info("recording", "device", deviceID, "path", base)
	return nil
}
