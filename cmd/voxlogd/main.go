// voxlogd is the capture/transcription daemon. It records continuously,
// rotates fixed-length segments, and drives each one through the remote
// transcription service with on-device fallback.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tiroq/voxlog/internal/capture"
	"github.com/tiroq/voxlog/internal/config"
	"github.com/tiroq/voxlog/internal/connectivity"
	"github.com/tiroq/voxlog/internal/diaglog"
	"github.com/tiroq/voxlog/internal/events"
	"github.com/tiroq/voxlog/internal/lifecycle"
	"github.com/tiroq/voxlog/internal/pipeline"
	"github.com/tiroq/voxlog/internal/store"
	"github.com/tiroq/voxlog/internal/transcriber"
)

const logPrefix = "[voxlogd] "

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	logger := log.New(os.Stderr, logPrefix, log.LstdFlags)

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in voxlogd: %v\n", r)
			os.Exit(1)
		}
	}()

	var (
		configPath = flag.String("config", defaultConfigPath(), "path to config file")
		title      = flag.String("title", "", "session title")
	)
	flag.Parse()

	// Secrets may live in a .env next to the daemon; absence is fine.
	_ = godotenv.Load()

	loader := config.Loader{Path: *configPath}
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	diag, err := diaglog.New(cfg.DebugLogPath)
	if err != nil {
		logger.Printf("diag logging disabled: %v", err)
		diag = diaglog.NewNoOp()
	}
	defer diag.Close()

	logger.Printf("starting voxlog v%s (pid %d)", Version, os.Getpid())

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		logger.Fatalf("create data directory: %v", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	hub := events.NewHub()

	// Events surface for UI collaborators.
	evServer := events.NewServer(hub)
	evServer.SetLogger(diag)
	go func() {
		if err := http.ListenAndServe(cfg.EventsAddr, evServer); err != nil {
			logger.Printf("events server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := connectivity.NewMonitor(
		connectivity.DefaultProber(cfg.Connectivity.ProbeAddr),
		time.Duration(cfg.Connectivity.ProbeIntervalSeconds)*time.Second,
	)
	monitor.SetLogger(diag)
	monitor.SetSimulateOffline(cfg.Connectivity.SimulateOffline)
	go monitor.Run(ctx)

	remote := transcriber.NewRemote(transcriber.RemoteConfig{
		BaseURL:        cfg.Remote.BaseURL,
		Secret:         cfg.SigningSecret,
		Token:          cfg.Token,
		TimeoutSeconds: cfg.Remote.TimeoutSeconds,
	}, transcriber.NewConverter(os.TempDir()))
	remote.SetLogger(diag)

	local := transcriber.NewLocal(transcriber.LocalConfig{
		BinaryPath:     cfg.Local.BinaryPath,
		ModelPath:      cfg.Local.ModelPath,
		Language:       cfg.Local.Language,
		TimeoutSeconds: cfg.Local.TimeoutSeconds,
	})

	pipe := pipeline.New(pipeline.Config{
		MaxRetries:    cfg.Pipeline.MaxRetries,
		BaseDelay:     time.Duration(cfg.Pipeline.BaseDelaySeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Pipeline.SweepIntervalSeconds) * time.Second,
	}, st, remote, local, monitor, hub)
	pipe.SetLogger(diag)
	monitor.OnOnline(pipe.TriggerSweep)
	go pipe.Run(ctx)

	engine := capture.NewEngine(capture.Config{
		Dir:             cfg.DataDir,
		SegmentInterval: cfg.SegmentInterval(),
		MinFreeBytes:    cfg.MinFreeBytes(),
	}, st, hub, &capture.FFmpegSource{})
	engine.SetLogger(diag)

	controller := lifecycle.NewController(engine, lifecycle.Config{})
	controller.SetLogger(diag)

	// Engine failures surface through the stopped event; route them into the
	// lifecycle machine so the session ends cleanly.
	go watchEngine(hub, engine, controller, logger)

	// Live toggles follow the config file.
	watcher, err := config.Watch(loader, func(next config.Config) {
		monitor.SetSimulateOffline(next.Connectivity.SimulateOffline)
		diag.Log(diaglog.LogEntry{Component: diaglog.ComponentCore, Event: diaglog.EventConfigReloaded})
	})
	if err != nil {
		logger.Printf("config watcher disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	profile := capture.ProfileVoice
	if cfg.Quality == "high" {
		profile = capture.ProfileHigh
	}
	sess, err := engine.Start(*title, profile)
	if err != nil {
		logger.Fatalf("start capture: %v", err)
	}
	controller.RecordingStarted()
	logger.Printf("recording session %s -> %s", sess.ID, filepath.Dir(sess.MasterPath))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("received %v, finalizing", sig)

	// Termination must synchronously finalize the in-flight segment before
	// the process exits; enqueued transcription jobs then get a grace period.
	controller.Handle(lifecycle.AppTerminating{})
	done := make(chan struct{})
	go func() {
		pipe.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Printf("transcription jobs still pending at exit")
	}
	logger.Printf("stopped")
}

// watchEngine forwards engine-initiated stops (disk full, stream failure)
// into the lifecycle controller.
func watchEngine(hub *events.Hub, engine *capture.Engine, controller *lifecycle.Controller, logger *log.Logger) {
	evs, cancel := hub.Subscribe()
	defer cancel()
	for ev := range evs {
		if ev.Type != events.TypeCaptureStopped || ev.CaptureStopped == nil {
			continue
		}
		if err := engine.Err(); err != nil {
			logger.Printf("capture failed: %v", err)
			controller.Handle(lifecycle.EngineFailed{Reason: ev.CaptureStopped.Reason})
		}
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "voxlog.yaml"
	}
	return filepath.Join(home, ".config", "voxlog", "config.yaml")
}
