package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/coedit-dev/coedit/pkg/middleware"
	"github.com/coedit-dev/coedit/pkg/notify"
	"github.com/coedit-dev/coedit/pkg/server"
	"github.com/coedit-dev/coedit/pkg/storage"
)

type serveOptions struct {
	addr         string
	pingInterval time.Duration
	pingTimeout  time.Duration
	gc           bool

	storeBackend string
	boltPath     string
	redisURL     string
	postgresDSN  string

	webhookURL      string
	webhookDebounce time.Duration
	webhookMaxWait  time.Duration
	webhookObjects  []string

	logLevel string
}

func serveCmd() *cobra.Command {
	var o serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the synchronization server",
		Long: `Start the synchronization server.

Documents are held in memory while clients are connected and written to
the configured store when the last client leaves.

Examples:
  coedit serve
  coedit serve --addr=:3000 --store=bolt --bolt-path=coedit.db
  coedit serve --store=redis --redis-url=redis://localhost:6379/0
  coedit serve --webhook-url=https://example.com/hook --webhook-object=content=text`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(o)
		},
	}

	cmd.Flags().StringVarP(&o.addr, "addr", "a", ":8080", "Address to listen on")
	cmd.Flags().DurationVar(&o.pingInterval, "ping-interval", 30*time.Second, "Time between liveness probes")
	cmd.Flags().DurationVar(&o.pingTimeout, "ping-timeout", 10*time.Second, "Time a probed connection has to answer")
	cmd.Flags().BoolVar(&o.gc, "gc", true, "Compact document tombstones")

	cmd.Flags().StringVar(&o.storeBackend, "store", "memory", "Persistence backend: memory, bolt, redis, postgres")
	cmd.Flags().StringVar(&o.boltPath, "bolt-path", "coedit.db", "Database file for the bolt backend")
	cmd.Flags().StringVar(&o.redisURL, "redis-url", "redis://localhost:6379/0", "Connection URL for the redis backend")
	cmd.Flags().StringVar(&o.postgresDSN, "postgres-dsn", "", "Connection string for the postgres backend")

	cmd.Flags().StringVar(&o.webhookURL, "webhook-url", "", "Endpoint for document change notifications")
	cmd.Flags().DurationVar(&o.webhookDebounce, "webhook-debounce", 2*time.Second, "Quiet period before a notification fires")
	cmd.Flags().DurationVar(&o.webhookMaxWait, "webhook-max-wait", 10*time.Second, "Upper bound on notification delay")
	cmd.Flags().StringArrayVar(&o.webhookObjects, "webhook-object", nil, "Shared type to include in notifications, as name=kind")

	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	return cmd
}

func runServe(o serveOptions) error {
	logger, err := newLogger(o.logLevel)
	if err != nil {
		return err
	}

	store, err := openStore(o)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	opts := []server.Option{server.WithLogger(logger)}
	if store != nil {
		defer store.Close()
		opts = append(opts, server.WithStore(store))
	}

	var notifier *notify.Notifier
	if o.webhookURL != "" {
		objects, err := parseWebhookObjects(o.webhookObjects)
		if err != nil {
			return err
		}
		notifier = notify.New(notify.Config{
			Endpoint:   o.webhookURL,
			Debounce:   o.webhookDebounce,
			MaxWait:    o.webhookMaxWait,
			Objects:    objects,
			Registerer: prometheus.DefaultRegisterer,
		}, logger)
		opts = append(opts, server.WithNotifier(notifier))
	}

	cfg := server.DefaultConfig().
		WithAddress(o.addr).
		WithHeartbeat(o.pingInterval, o.pingTimeout).
		WithGC(o.gc)
	srv := server.New(cfg, opts...)
	srv.Start()

	r := chi.NewRouter()
	r.Use(middleware.OpenTelemetry(
		middleware.WithRequestFilter(func(req *http.Request) bool {
			return req.URL.Path != "/healthz" && req.URL.Path != "/metrics"
		}),
	))
	r.Use(middleware.Prometheus())
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Mount("/", srv.Handler())

	httpServer := &http.Server{Addr: o.addr, Handler: r}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", o.addr, "store", o.storeBackend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-shutdown:
		logger.Info("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
		return httpServer.Shutdown(ctx)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})), nil
}

func openStore(o serveOptions) (storage.Store, error) {
	switch o.storeBackend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "bolt":
		return storage.NewBoltStore(o.boltPath)
	case "redis":
		ropts, err := redis.ParseURL(o.redisURL)
		if err != nil {
			return nil, err
		}
		return storage.NewRedisStore(redis.NewClient(ropts)), nil
	case "postgres":
		if o.postgresDSN == "" {
			return nil, fmt.Errorf("the postgres backend requires --postgres-dsn")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewPostgresStore(ctx, o.postgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", o.storeBackend)
	}
}

func parseWebhookObjects(specs []string) (map[string]string, error) {
	objects := make(map[string]string, len(specs))
	for _, spec := range specs {
		name, kind, ok := strings.Cut(spec, "=")
		if !ok || name == "" || kind == "" {
			return nil, fmt.Errorf("invalid webhook object %q, want name=kind", spec)
		}
		switch kind {
		case "text", "list", "array", "map", "xml":
		default:
			return nil, fmt.Errorf("unknown webhook object kind %q", kind)
		}
		objects[name] = kind
	}
	return objects, nil
}
