// permcored runs the permission check pipeline as a standalone daemon.
// It is mainly a development harness: production deployments embed
// pkg/service directly in the admin backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gatewire/permcore/pkg/config"
	"github.com/gatewire/permcore/pkg/monitor"
	"github.com/gatewire/permcore/pkg/service"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("permcored", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to permcore.yaml (optional)")
	healthAddr := fs.String("health-addr", ":8081", "health endpoint listen address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "permcored: %v\n", err)
		return 1
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))

	ctx := context.Background()
	svc, err := service.New(ctx, cfg)
	if err != nil {
		slog.Error("service init failed", "error", err)
		return 1
	}
	if err := svc.Start(); err != nil {
		slog.Error("service start failed", "error", err)
		return 1
	}

	svc.SetNotificationSink(func(a monitor.Alert) {
		slog.Warn("health alert",
			"rule", a.RuleName, "metric", a.Metric,
			"value", a.Value, "threshold", a.Threshold)
	})

	go serveHealth(*healthAddr, svc)

	slog.Info("permcored ready", "health_addr", *healthAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func serveHealth(addr string, svc *service.Service) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/metrics/current", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := svc.CurrentMetrics()
		if !ok {
			http.Error(w, "no samples yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/alerts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.RecentAlerts(24 * time.Hour))
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("health server stopped", "error", err)
	}
}
