// Entry point for the livesync server: real-time document synchronization
// over websockets, backed by SQLite in local mode or MongoDB + Redis in
// distributed mode.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hazyhaar/livesync/backend"
	"github.com/hazyhaar/livesync/config"
)

func main() {
	logLevel := env("LOG_LEVEL", "info")
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg *config.Config
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		cfg, err = config.LoadConfigFile(path)
		if err != nil {
			slog.Error("load config", "path", path, "error", err)
			os.Exit(1)
		}
	} else {
		cfg = config.FromEnv()
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	b, err := backend.New(connectCtx, cfg, backend.WithLogger(logger))
	connectCancel()
	if err != nil {
		slog.Error("backend init", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	// No Write/Idle timeouts: websocket connections are long-lived and do
	// their own keepalive.
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port, "sync_path", cfg.SyncPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
