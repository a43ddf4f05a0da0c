package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/carelink/callpeer/pkg/carehub"
	"github.com/carelink/callpeer/pkg/config"
	"github.com/carelink/callpeer/pkg/session"
)

func main() {
	fs := pflag.NewFlagSet("callpeer", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to YAML config (env-only when empty)")
		sessionID     = fs.StringP("session", "s", "", "session ID to join")
		appointmentID = fs.StringP("appointment", "a", "", "appointment ID to start a session for")
		logLevel      = fs.StringP("log-level", "l", "", "log level override (debug, info, warn, error)")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse arguments: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)

	if *sessionID == "" && *appointmentID == "" {
		fmt.Fprintln(os.Stderr, "either --session or --appointment is required")
		os.Exit(1)
	}
	if cfg.RelayURL == "" {
		fmt.Fprintln(os.Stderr, "relay_url is required (config or CALLPEER_RELAY_URL)")
		os.Exit(1)
	}

	var backend *carehub.Client
	if cfg.Backend.BaseURL != "" {
		backend = carehub.NewClient(carehub.Config{
			BaseURL:   cfg.Backend.BaseURL,
			AuthToken: cfg.Backend.AuthToken,
			Logger:    logger,
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sid := *sessionID
	if sid == "" {
		if backend == nil {
			fmt.Fprintln(os.Stderr, "--appointment requires a configured backend")
			os.Exit(1)
		}
		resp, err := backend.StartSession(ctx, *appointmentID)
		if err != nil {
			logger.Error("failed to start session", "appointmentID", *appointmentID, "error", err)
			os.Exit(1)
		}
		sid = resp.SessionID
	}

	ctrl, err := session.NewController(session.Config{
		Identity: session.Identity{
			LocalID:   cfg.Participant.ID,
			LocalRole: cfg.Participant.Role,
			AuthToken: cfg.Backend.AuthToken,
		},
		RelayURL:   cfg.RelayURL,
		ICEServers: cfg.WebRTCICEServers(),
		Backend:    backend,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("invalid session configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("joining session",
		"sessionID", sid,
		"participantID", cfg.Participant.ID,
		"role", cfg.Participant.Role,
		"relay", cfg.RelayURL)

	if err := ctrl.Start(ctx, sid); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, ending session")

	endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer endCancel()
	ctrl.End(endCtx, nil)

	logger.Info("call peer stopped")
}

// setupLogger creates a structured JSON logger.
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
