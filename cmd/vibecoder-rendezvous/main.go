// Command vibecoder-rendezvous runs the standalone rendezvous server. It
// relays WebRTC signaling (SDP offers/answers, ICE candidates) and TOTP
// verification messages between host agents and their mobile clients, and
// reaps sessions idle for longer than the TTL.
//
// Usage:
//
//	vibecoder-rendezvous -addr :9000
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	vcmetrics "github.com/vibecoder/vibecoder/internal/metrics"
	"github.com/vibecoder/vibecoder/internal/rendezvous"
)

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	sessionTTL := flag.Duration("session-ttl", rendezvous.DefaultSessionTTL, "idle time before a session is reaped")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := rendezvous.NewServer(rendezvous.Config{
		Logger:     logger,
		Metrics:    vcmetrics.NewRendezvous(registry),
		SessionTTL: *sessionTTL,
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("rendezvous listening", "addr", *addr)
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
