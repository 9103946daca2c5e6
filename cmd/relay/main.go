package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/tabrelay/cdp-relay/cmd/config"
	"github.com/tabrelay/cdp-relay/lib/logger"
	"github.com/tabrelay/cdp-relay/lib/logsink"
	"github.com/tabrelay/cdp-relay/lib/ownership"
	"github.com/tabrelay/cdp-relay/lib/recording"
	"github.com/tabrelay/cdp-relay/lib/relay"
)

// Version is stamped by the build.
var Version = "dev"

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("relay configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := logsink.New(slogger, config.LogDir, int64(config.LogMaxSizeMB)<<20)
	if err != nil {
		slogger.Error("failed to open log sink", "err", err)
		os.Exit(1)
	}
	defer sink.Close()

	hub := relay.NewHub(slogger, relay.Config{
		EventBufferDepth: config.EventBufferDepth,
		PendingLimit:     config.PendingLimit,
		WriteTimeout:     time.Duration(config.WriteTimeoutSec) * time.Second,
	})
	hub.SetLogSink(sink)

	rec := recording.NewCoordinator(slogger, hub)
	hub.SetRecordingSink(rec)

	server := relay.NewServer(slogger, hub, rec, sink, relay.ServerConfig{
		Version:         Version,
		Remote:          config.Remote,
		AuthToken:       config.AuthToken,
		ExtensionOrigin: config.ExtensionOrigin,
	}, stop)

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)
	r.Mount("/", server.Router())

	// Only one relay may own the port; a stale one is evicted first.
	ln, err := ownership.Claim(ctx, slogger, config.Host, config.Port)
	if err != nil {
		slogger.Error("failed to claim port", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{Handler: r}

	go func() {
		slogger.Info("relay starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return hub.Shutdown(ctx)
	})

	if err := g.Wait(); err != nil {
		slogger.Error("relay failed to shutdown", "err", err)
	}
}
