// Command mailsyncd serves the mail synchronization core: websocket push
// and method calls, blob uploads, and periodic purging of expired uploads.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rbaliyan/mailsync"
	"github.com/rbaliyan/mailsync/config"
	"github.com/rbaliyan/mailsync/push"
	"github.com/rbaliyan/mailsync/retry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "mailsyncd",
		Short:        "Mail synchronization daemon",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (MAILSYNC_* env vars override it)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve push, method calls and uploads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired uploads once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			d, err := newDaemon(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer d.close(context.Background())
			res, err := d.svc.PurgeTmpBlobs(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d uploads created before %s\n", res.PurgedCount, res.Before.Format(time.RFC3339))
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, purgeCmd)
	return rootCmd
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// daemon is a connected service with its backends and push hub.
type daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	backends *backends
	hub      *push.Hub
	svc      mailsync.Service
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	hub := push.NewHub(push.WithLogger(logger.With("component", "push")))

	svc, err := mailsync.NewService(serviceOptions(cfg, b, hub, logger)...)
	if err != nil {
		b.Close(ctx)
		return nil, err
	}

	policy := retry.DefaultPolicy()
	policy.Logger = logger
	if err := retry.Do(ctx, policy, "connect "+cfg.Store.Backend, svc.Connect); err != nil {
		b.Close(ctx)
		return nil, err
	}
	return &daemon{cfg: cfg, logger: logger, backends: b, hub: hub, svc: svc}, nil
}

func serviceOptions(cfg *config.Config, b *backends, hub *push.Hub, logger *slog.Logger) []mailsync.Option {
	l := cfg.Limits
	opts := []mailsync.Option{
		mailsync.WithStore(b.store),
		mailsync.WithBlobStore(b.blobs),
		mailsync.WithLogger(logger),
		mailsync.WithPlugin(hub),
		mailsync.WithUploadTmpTTL(l.UploadTTL),
		mailsync.WithUploadQuota(l.UploadMaxFiles, l.UploadMaxBytes),
		mailsync.WithMaxUploadSize(l.MaxUploadSize),
		mailsync.WithMaxConcurrentUploads(l.MaxConcurrentUploads),
		mailsync.WithMaxObjectsInCopy(l.MaxObjectsInCopy),
		mailsync.WithMaxChanges(l.MaxChanges),
		mailsync.WithShutdownTimeout(cfg.ShutdownTimeout),
		mailsync.WithTracing(cfg.OTel.Tracing),
		mailsync.WithMetrics(cfg.OTel.Metrics),
		mailsync.WithServiceName(cfg.OTel.ServiceName),
	}
	if b.redis != nil {
		opts = append(opts, mailsync.WithRedisClient(b.redis))
	}
	return opts
}

// handler routes the push socket, uploads and the health check.
func (d *daemon) handler(sessionState uint32) (http.Handler, error) {
	dir, err := d.cfg.Directory()
	if err != nil {
		return nil, err
	}
	auth := basicAuth(dir, d.cfg.Secrets())
	l := d.cfg.Limits

	pushServer := push.NewServer(d.hub, newMethods(d.svc, d.logger, sessionState), auth,
		push.WithLogger(d.logger.With("component", "push")),
		push.WithLimits(push.Limits{MaxSizeRequest: l.MaxSizeRequest, MaxCallsInRequest: l.MaxCallsInRequest}),
		push.WithMaxConcurrentRequests(l.MaxConcurrentRequests),
		push.WithRequestRate(l.RequestsPerSecond, push.DefaultRequestBurst),
		push.WithStateReader(d.svc),
	)

	mux := http.NewServeMux()
	mux.Handle(d.cfg.PushPath, pushServer)
	mux.Handle("POST "+d.cfg.UploadPath+"{accountId}", uploadHandler(d.svc, auth, l.MaxUploadSize, d.logger))
	mux.Handle("GET /healthz", healthHandler(d.svc))
	return mux, nil
}

func (d *daemon) close(ctx context.Context) error {
	var errs []error
	if err := d.svc.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close service: %w", err))
	}
	if err := d.backends.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close backends: %w", err))
	}
	return errors.Join(errs...)
}

// purgeLoop deletes expired uploads every interval until ctx is done.
func (d *daemon) purgeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.svc.PurgeTmpBlobs(ctx)
			switch {
			case errors.Is(err, mailsync.ErrPurgeNotSupported):
				d.logger.Warn("blob store cannot purge uploads, stopping purge loop")
				return
			case err != nil:
				d.logger.Error("upload purge failed", "error", err)
			case res.PurgedCount > 0:
				d.logger.Info("purged expired uploads", "count", res.PurgedCount, "before", res.Before)
			}
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}

	handler, err := d.handler(uint32(time.Now().Unix()))
	if err != nil {
		d.close(context.Background())
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Websocket sessions outlive Shutdown; they end with this context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.Info("mailsyncd listening",
		"addr", cfg.Listen, "push_path", cfg.PushPath, "upload_path", cfg.UploadPath,
		"store", cfg.Store.Backend, "blobs", cfg.Blobs.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		d.purgeLoop(gctx, cfg.PurgeInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if cerr := d.close(closeCtx); cerr != nil {
		logger.Error("shutdown incomplete", "error", cerr)
		err = errors.Join(err, cerr)
	}
	return err
}
