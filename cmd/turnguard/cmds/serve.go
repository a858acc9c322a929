package cmds

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/turnguard/pkg/httpapi"
	"github.com/go-go-golems/turnguard/pkg/journal"
	"github.com/go-go-golems/turnguard/pkg/notify"
	"github.com/go-go-golems/turnguard/pkg/supervisor"
)

const shutdownTimeout = 30 * time.Second

func (a *App) newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run crash recovery and serve turns over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from http.addr)")
	cobra.CheckErr(a.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr")))
	return cmd
}

func (a *App) serve(ctx context.Context) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := log.With().Str("component", "serve").Logger()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	sup := rt.sup

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, egCtx := errgroup.WithContext(ctx)
	msgs, err := notify.Subscribe(egCtx, rt.transport.Subscriber, cfg.Notify.Topic)
	if err != nil {
		return err
	}
	eg.Go(func() error {
		return notify.Handle(egCtx, msgs, logNotification)
	})

	if _, err := boot(ctx, sup); err != nil {
		stop()
		_ = eg.Wait()
		return err
	}

	sup.StartEvictionLoop(egCtx)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewMux(sup, log.With().Str("component", "httpapi").Logger()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return gracefulShutdown(shutdownCtx, sup, server)
	})
	eg.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	return eg.Wait()
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// gracefulShutdown stops the supervisor before the HTTP server: in-flight
// turn handlers only return once their turns are aborted, and the pending
// markers must be cleared while the deadline still has room.
func gracefulShutdown(ctx context.Context, sup, server shutdowner) error {
	logger := log.With().Str("component", "serve").Logger()
	supErr := sup.Shutdown(ctx)
	if supErr != nil {
		logger.Error().Err(supErr).Msg("supervisor shutdown failed")
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	return supErr
}

func logNotification(n notify.Notification) error {
	log.Info().Str("component", "notifications").Str("kind", string(n.Kind)).Msg(n.Format())
	return nil
}

// boot runs crash recovery and explains a tripped breaker on stderr.
func boot(ctx context.Context, sup *supervisor.Supervisor) (*journal.BootReport, error) {
	report, err := sup.Boot(ctx)
	var open *journal.CircuitOpenError
	if stderrors.As(err, &open) {
		fmt.Fprintf(os.Stderr, "circuit breaker open: %d crashes in a row (threshold %d).\n", open.Crashes, open.Threshold)
		fmt.Fprintln(os.Stderr, "Inspect `turnguard status`, then run `turnguard crashes reset` to start again.")
		return report, err
	}
	if err != nil {
		return report, errors.Wrap(err, "boot")
	}
	if report.Crash != nil {
		log.Warn().
			Str("user_id", report.Crash.UserID).
			Int("crashes", report.CrashCount).
			Msg("recovered from a crash during a turn")
	}
	return report, nil
}
