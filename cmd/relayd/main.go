package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
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
	"pitlane/internal/ingest/udp"
	"pitlane/internal/logging"
	"pitlane/internal/relay"
)

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

	flags := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to config file (yaml, toml or json)")
	flags.String("relay.listen", "", "address the WebSocket server listens on")
	flags.String("relay.instance_id", "", "identifies this relay in consumer group ids")
	flags.String("relay.demo_path", "", "demo dataset (.json, .json.zst or .json.lz4)")
	flags.Bool("relay.embedded_ingest", false, "run the UDP collector in this process")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := cfg.Bus.OpenBackend(logger)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer backend.Close()

	dataset := demo.LoadOrSynthesize(cfg.Relay.DemoPath, logger)
	hub := relay.NewHub(backend, cfg.HubConfig(), logger)
	server := relay.NewServer(cfg.Relay.ServerConfig(), hub, dataset.Frames(), logger)

	ln, err := net.Listen("tcp", cfg.Relay.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Relay.Listen, err)
	}

	errCh := make(chan error, 2)
	if cfg.Relay.EmbeddedIngest {
		collector, err := startEmbeddedIngest(ctx, cfg, backend, server, logger)
		if err != nil {
			_ = ln.Close()
			return err
		}
		go func() {
			if err := collector.Serve(ctx); err != nil {
				errCh <- fmt.Errorf("embedded ingest: %w", err)
			}
		}()
	}
	go func() {
		if err := server.Serve(ln); err != nil {
			errCh <- fmt.Errorf("serve: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		logger.Error("relay failed", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	st := server.Stats()
	logger.Info("relay exited", "connections_served", st.TotalConnections, "demo_sessions", st.DemoSessions, "frames_relayed", st.Hub.FramesRelayed)
	return runErr
}

// startEmbeddedIngest wires a collector into the relay's backend. Its
// producer is flushed during server shutdown, before the consumers stop.
func startEmbeddedIngest(ctx context.Context, cfg config.Config, backend bus.Backend, server *relay.Server, logger *slog.Logger) (*udp.Collector, error) {
	binding := domain.Binding{UserID: cfg.Ingest.UserID, SessionID: cfg.Ingest.SessionID}
	if binding.SessionID == "" {
		binding.SessionID = fmt.Sprintf("ac-session-%d", time.Now().UnixMilli())
	}
	producer, err := bus.NewProducer(ctx, backend, binding, cfg.ProducerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("connect embedded producer: %w", err)
	}
	collector := udp.NewCollector(cfg.Ingest.CollectorConfig(), producer, logger)
	if err := collector.Listen(); err != nil {
		_ = producer.Disconnect(ctx)
		return nil, fmt.Errorf("embedded ingest: %w", err)
	}
	server.OnShutdown(func(ctx context.Context) error {
		_ = collector.Close()
		return producer.Disconnect(ctx)
	})
	logger.Info("embedded ingest enabled", "addr", collector.Addr(), "user", binding.UserID, "session", binding.SessionID)
	return collector, nil
}
