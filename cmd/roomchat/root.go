package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/server"
)

const (
	exitInvalidArgs  = 1
	exitStartFailure = 2
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "roomchat",
		Short:         "Multi-room WebSocket chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// .env is optional; values already in the environment win.
			_ = godotenv.Load()
		},
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve [port]",
		Short: "Accept chat connections until SIGINT or SIGTERM",
		Long: `Serve listens for WebSocket connections on /ws. Clients receive the list of
rooms, send a create or join command, and then chat with everyone in that room.

Settings come from flags, ROOMCHAT_* environment variables (a .env file is
loaded if present) and an optional config file, in that order of precedence.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
			}
			if len(args) == 1 {
				port, err := strconv.Atoi(args[0])
				if err != nil || port < 0 || port > 65535 {
					return &exitError{code: exitInvalidArgs, err: fmt.Errorf("invalid port %q", args[0])}
				}
				v.Set(config.KeyAddr, fmt.Sprintf(":%d", port))
			}

			cfg, err := config.Load(v)
			if err != nil {
				return &exitError{code: exitInvalidArgs, err: err}
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String("addr", "", "listen address, e.g. :8080")
	flags.Int("workers", 0, "scheduler threads (default: number of CPUs)")
	flags.StringSlice("allowed-origins", nil, "browser origins allowed to connect, * for any")
	flags.Duration("heartbeat-interval", 0, "interval between liveness pings")
	flags.Int("delivery-workers", 0, "per-room delivery goroutines")
	flags.Int("max-history", 0, "per-room history cap, 0 keeps everything")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "console or json")

	for key, flag := range map[string]string{
		config.KeyAddr:              "addr",
		config.KeyWorkers:           "workers",
		config.KeyAllowedOrigins:    "allowed-origins",
		config.KeyHeartbeatInterval: "heartbeat-interval",
		config.KeyDeliveryWorkers:   "delivery-workers",
		config.KeyMaxHistory:        "max-history",
		config.KeyLogLevel:          "log-level",
		config.KeyLogFormat:         "log-format",
	} {
		// Only flags set on the command line override env and file values.
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	runtime.GOMAXPROCS(cfg.Workers)

	registry := server.NewRegistry()
	metrics := server.NewMetrics(registry)
	acceptor := server.NewAcceptor(cfg, registry, logger, metrics)

	if err := acceptor.Start(); err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return &exitError{code: exitStartFailure, err: err}
	}
	logger.Info().Str("addr", acceptor.Addr().String()).Msg("server started")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, acceptor, logger)
}

// acceptLoop is the part of *server.Acceptor that run supervises.
type acceptLoop interface {
	Done() <-chan struct{}
	ServeErr() error
	Stop() error
}

// run stops the acceptor when ctx ends and fails if its accept loop dies on
// its own.
func run(ctx context.Context, acceptor acceptLoop, logger zerolog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-acceptor.Done():
			if err := acceptor.ServeErr(); err != nil {
				return &exitError{code: exitStartFailure, err: fmt.Errorf("accept loop failed: %w", err)}
			}
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		if err := acceptor.Stop(); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
