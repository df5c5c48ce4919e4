package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"pitlane/internal/bus"
	"pitlane/internal/config"
	"pitlane/internal/demo"
	"pitlane/internal/domain"
	"pitlane/internal/ingest/capture"
	"pitlane/internal/ingest/udp"
	"pitlane/internal/logging"
)

const disconnectTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	flags := pflag.NewFlagSet("collectord", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to config file (yaml, toml or json)")
	replayPath := flags.String("replay", "", "replay a pcap/pcapng capture instead of listening")
	replayRealtime := flags.Bool("replay-realtime", false, "pace the replay by capture timestamps")
	replaySpeed := flags.Float64("replay-speed", 1, "replay speed multiplier when pacing")
	demoMode := flags.Bool("demo", false, "publish the demo dataset instead of listening for the simulator")
	loop := flags.Bool("loop", false, "with --demo, start over after the last lap until interrupted")
	flags.String("ingest.demo_path", "", "demo dataset for --demo (.json, .json.zst or .json.lz4)")
	flags.Int("ingest.demo_rate_hz", 60, "frames per second published by --demo")
	flags.Int("ingest.udp.port", 9996, "UDP port the simulator sends to")
	flags.String("ingest.user_id", "", "user the frames are published for")
	flags.String("ingest.session_id", "", "session id (default ac-session-<unix ms>, demo-session-<unix ms> with --demo)")
	flags.String("bus.backend", "", "bus backend: kafka, rabbitmq or memory")
	flags.String("log.level", "", "log level")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	if cfg.Bus.Backend == "memory" {
		logger.Warn("memory bus selected; frames will not leave this process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := cfg.Bus.OpenBackend(logger)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer backend.Close()

	binding := domain.Binding{UserID: cfg.Ingest.UserID, SessionID: cfg.Ingest.SessionID}
	if binding.SessionID == "" {
		kind := "ac-session"
		if *demoMode {
			kind = "demo-session"
		}
		binding.SessionID = fmt.Sprintf("%s-%d", kind, time.Now().UnixMilli())
	}
	producer, err := bus.NewProducer(ctx, backend, binding, cfg.ProducerConfig(), logger)
	if err != nil {
		return fmt.Errorf("connect producer: %w", err)
	}
	logger.Info("collector bound", "user", binding.UserID, "session", binding.SessionID, "topic", producer.Topic(), "backend", cfg.Bus.Backend)

	if *demoMode {
		runErr := streamDemo(ctx, cfg, producer, *loop, logger)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := producer.Disconnect(shutdownCtx); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("flush producer: %w", err))
		}
		return runErr
	}

	collector := udp.NewCollector(cfg.Ingest.CollectorConfig(), producer, logger)
	var runErr error
	if *replayPath != "" {
		runErr = replay(ctx, collector, *replayPath, capture.Options{Port: cfg.Ingest.UDP.Port, Realtime: *replayRealtime, Speed: *replaySpeed}, logger)
	} else {
		runErr = collector.Serve(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := producer.Disconnect(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("flush producer: %w", err))
	}
	st := collector.Stats()
	logger.Info("collector stopped", "packets", st.Packets, "published", st.Published, "parse_errors", st.ParseErrors, "publish_errors", st.PublishErrors)
	return runErr
}

func replay(ctx context.Context, collector *udp.Collector, path string, opts capture.Options, logger *slog.Logger) error {
	res, err := capture.Replay(ctx, path, opts, func(payload []byte, src string) {
		collector.HandleDatagram(payload, src, nil)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("replay %s: %w", path, err)
	}
	logger.Info("replay finished", "path", path, "packets", res.Packets, "datagrams", res.Datagrams, "skipped", res.Skipped)
	return nil
}

func streamDemo(ctx context.Context, cfg config.Config, producer *bus.Producer, loop bool, logger *slog.Logger) error {
	ds := demo.LoadOrSynthesize(cfg.Ingest.DemoPath, logger)
	logger.Info("demo playback started", "laps", len(ds.Laps), "rate_hz", cfg.Ingest.DemoRateHz, "loop", loop)
	st, err := demo.Stream(ctx, ds, producer, demo.StreamConfig{RateHz: cfg.Ingest.DemoRateHz, Loop: loop}, logger)
	logger.Info("demo playback stopped", "frames", st.Frames, "laps", st.Laps, "errors", st.Errors)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("demo playback: %w", err)
	}
	return nil
}
