package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"pitlane/internal/archive"
	"pitlane/internal/bus"
	"pitlane/internal/config"
	"pitlane/internal/logging"
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

	flags := pflag.NewFlagSet("archiverd", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to config file (yaml, toml or json)")
	listUser := flags.String("sessions", "", "print the archived sessions of a user as JSON and exit")
	exportSession := flags.String("export", "", "print the frames of a session as JSON and exit")
	exportLap := flags.Int32("lap", 1, "lap to export with --export")
	flags.String("archive.dir", "", "directory holding archive.db")
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

	store, err := archive.NewStore(cfg.Archive.Dir)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *listUser != "":
		return printSessions(ctx, os.Stdout, store, *listUser)
	case *exportSession != "":
		frames, err := store.Frames(ctx, *exportSession, *exportLap)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(frames)
	}

	backend, err := cfg.Bus.OpenBackend(logger)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer backend.Close()

	sink := archive.NewSink(store, logger)
	group := bus.ArchiveGroupID(cfg.Bus.GroupPrefix)
	sub, err := backend.Subscribe(ctx, bus.SubscribeRequest{AllUsers: true, GroupID: group}, sink.Handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", group, err)
	}
	logger.Info("archiver running", "group", group, "dir", cfg.Archive.Dir, "backend", cfg.Bus.Backend)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-sub.Done():
		runErr = fmt.Errorf("subscription ended: %w", sub.Err())
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sub.Close(closeCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	st := sink.Stats()
	logger.Info("archiver stopped", "stored", st.Stored, "duplicates", st.Duplicates, "errors", st.Errors)
	return runErr
}

type sessionReport struct {
	archive.Session
	Laps []archive.LapSummary `json:"laps"`
}

func printSessions(ctx context.Context, w io.Writer, store *archive.Store, userID string) error {
	sessions, err := store.Sessions(ctx, userID)
	if err != nil {
		return err
	}
	out := make([]sessionReport, 0, len(sessions))
	for _, s := range sessions {
		laps, err := store.Laps(ctx, s.SessionID)
		if err != nil {
			return fmt.Errorf("laps of %s: %w", s.SessionID, err)
		}
		out = append(out, sessionReport{Session: s, Laps: laps})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
