package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ticketrelay/internal/config"
	"github.com/roach88/ticketrelay/internal/engine"
	"github.com/roach88/ticketrelay/internal/events"
	"github.com/roach88/ticketrelay/internal/operator"
	"github.com/roach88/ticketrelay/internal/scheduler"
	"github.com/roach88/ticketrelay/internal/transport/httpapi"
	"github.com/roach88/ticketrelay/internal/transport/webhook"
)

// shutdownTimeout bounds the HTTP server drain on shutdown.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay: accept gateway events over HTTP, route them between users
and the staff chat, and create an encrypted backup every backup interval.

Example:
  ticketrelay serve --config relay.yaml
  GATEWAY_URL=http://gateway:9000 ticketrelay serve --listen :8080 -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides listen_addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.ListenAddr = opts.Listen
	}
	if cfg.Gateway.URL == "" {
		return NewExitError(ExitCommandError, "gateway.url (GATEWAY_URL) is required to serve")
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	state, err := openState(ctx, cfg)
	if err != nil {
		return err
	}
	defer state.close()

	if err := serve(ctx, cfg, state); err != nil {
		return WrapExitError(ExitFailure, "relay stopped", err)
	}
	slog.Info("relay stopped gracefully")
	return nil
}

// serve wires the components and runs them until ctx is done or one fails.
func serve(ctx context.Context, cfg config.Config, state *relayState) error {
	loc := cfg.Location()
	gateway := webhook.New(cfg.Gateway.URL, cfg.Chats.Staff, cfg.Chats.Operator,
		webhook.WithTimeout(cfg.Gateway.Timeout),
		webhook.WithMaxFileSize(cfg.Snapshot().MaxArchiveSize),
	)

	var sink events.Sink = events.LogSink{}
	if cfg.Events.AMQPURL != "" {
		sink = events.NewAMQPSink(cfg.Events.AMQPURL, cfg.Events.Queue)
	}
	dispatcher := events.NewDispatcher(sink, events.WithMaxPending(cfg.Events.MaxPending))

	eng := engine.New(state.store, state.registry, gateway,
		engine.WithGate(state.gate),
		engine.WithPublisher(dispatcher),
		engine.WithRateLimit(cfg.Tickets.RateLimitEvery, cfg.Tickets.RateLimitBurst),
		engine.WithLocation(loc),
		engine.WithAutoOpen(cfg.Tickets.AutoOpen),
	)

	console := operator.New(cfg.Chats.Operator, state.backups, gateway,
		operator.WithLocation(loc),
		operator.WithPassphraseHint(cfg.Backup.PassphraseHint),
		operator.WithWorkDir(cfg.Backup.Dir),
	)

	sched := scheduler.New(state.backups, cfg.Backup.Interval,
		scheduler.WithNotifier(console),
		scheduler.WithTimeout(cfg.Backup.Timeout),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.New(eng, console, cfg.Chats.Staff).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return ignoreCancel(sched.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCancel(dispatcher.Run(gctx))
	})

	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// signalContext is cancelled on SIGINT or SIGTERM, or when parent is.
func signalContext(parent context.Context) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
