package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-relay/internal/api"
	"github.com/npezzotti/go-relay/internal/auth"
	"github.com/npezzotti/go-relay/internal/config"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/server"
	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/npezzotti/go-relay/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	app := &cli.Command{
		Name:   "relay",
		Usage:  "Real-time message and call signaling relay",
		Flags:  flags(),
		Action: runServer,
		Commands: []*cli.Command{
			tokenCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("relay")
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to YAML config file",
			Sources: cli.EnvVars("RELAY_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "server address",
			Sources: cli.EnvVars("RELAY_ADDR"),
			Value:   config.DefaultServerAddr,
		},
		&cli.StringFlag{
			Name:    "db-driver",
			Usage:   "database driver (postgres, sqlite)",
			Sources: cli.EnvVars("RELAY_DB_DRIVER"),
			Value:   config.DefaultDatabaseDriver,
		},
		&cli.StringFlag{
			Name:    "dsn",
			Usage:   "database connection string",
			Sources: cli.EnvVars("RELAY_DSN"),
			Value:   config.DefaultDatabaseDSN,
		},
		&cli.StringFlag{
			Name:    "signing-key",
			Usage:   "base64 encoded token signing key",
			Sources: cli.EnvVars("RELAY_SIGNING_KEY"),
		},
		&cli.StringSliceFlag{
			Name:    "allowed-origins",
			Usage:   "origins allowed to open connections and call the API",
			Sources: cli.EnvVars("RELAY_ALLOWED_ORIGINS"),
		},
		&cli.IntFlag{
			Name:    "max-content-length",
			Usage:   "maximum message length in characters",
			Sources: cli.EnvVars("RELAY_MAX_CONTENT_LENGTH"),
			Value:   config.DefaultMaxContentLength,
		},
		&cli.DurationFlag{
			Name:    "ring-timeout",
			Usage:   "how long an unanswered call rings before it ends",
			Sources: cli.EnvVars("RELAY_RING_TIMEOUT"),
			Value:   config.DefaultRingTimeout,
		},
		&cli.IntFlag{
			Name:    "outbound-queue-size",
			Usage:   "events buffered per connection before the oldest is dropped",
			Sources: cli.EnvVars("RELAY_OUTBOUND_QUEUE_SIZE"),
			Value:   config.DefaultOutboundQueueSize,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level (debug, info, warn, error)",
			Sources: cli.EnvVars("RELAY_LOG_LEVEL"),
			Value:   config.DefaultLogLevel,
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log format (console, json)",
			Sources: cli.EnvVars("RELAY_LOG_FORMAT"),
			Value:   config.DefaultLogFormat,
		},
	}
}

// loadConfig layers explicitly set flags and environment variables over
// the config file, which itself overlays the defaults.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadFile(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("addr") {
		cfg.ServerAddr = cmd.String("addr")
	}
	if cmd.IsSet("db-driver") {
		cfg.DatabaseDriver = cmd.String("db-driver")
	}
	if cmd.IsSet("dsn") {
		cfg.DatabaseDSN = cmd.String("dsn")
	}
	if cmd.IsSet("signing-key") {
		cfg.SigningSecret = cmd.String("signing-key")
	}
	if cmd.IsSet("allowed-origins") {
		cfg.AllowedOrigins = cmd.StringSlice("allowed-origins")
	}
	if cmd.IsSet("max-content-length") {
		cfg.MaxContentLength = cmd.Int("max-content-length")
	}
	if cmd.IsSet("ring-timeout") {
		cfg.RingTimeout = cmd.Duration("ring-timeout")
	}
	if cmd.IsSet("outbound-queue-size") {
		cfg.OutboundQueueSize = cmd.Int("outbound-queue-size")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func setupLogger(level, format string) (zerolog.Logger, error) {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer
	switch format {
	case "json":
		output = os.Stderr
	case "console", "":
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	default:
		return zerolog.Logger{}, fmt.Errorf("unknown log format %q", format)
	}

	log.Logger = zerolog.New(output).Level(parsedLevel).With().Timestamp().Logger()
	return log.Logger, nil
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	store, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	verifier := auth.NewJWTVerifier(cfg.SigningKey)

	cs := server.NewCoordinator(
		logger.With().Str("component", "relay").Logger(),
		store,
		verifier,
		statsUpdater,
		server.Options{
			MaxContentLength:  cfg.MaxContentLength,
			RingTimeout:       cfg.RingTimeout,
			OutboundQueueSize: cfg.OutboundQueueSize,
		},
	)

	srv := api.NewRelayApp(mux, logger.With().Str("component", "http").Logger(), cs, store, verifier, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	if err := cs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func tokenCmd() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Issue an access token for a user",
		UsageText: "relay token --user-id <id> [--username <name>] [--ttl 24h]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "user-id",
				Usage:    "id of the user the token identifies",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "username",
				Usage: "display name embedded in the token",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "token lifetime, 0 for no expiry",
				Value: 24 * time.Hour,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			userId := cmd.Int("user-id")
			if userId <= 0 {
				return fmt.Errorf("user id must be positive")
			}

			token, err := auth.IssueToken(cfg.SigningKey, types.User{
				Id:       userId,
				Username: cmd.String("username"),
			}, cmd.Duration("ttl"))
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}

			fmt.Fprintln(os.Stdout, token)
			return nil
		},
	}
}
