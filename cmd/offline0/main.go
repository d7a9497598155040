package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offline0/internal/offline0"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	flag.Parse()

	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		fatal("load config", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		fatal("offline0", err)
	}
}

// run serves until ctx is done. The service is closed before it returns, on
// every path.
func run(ctx context.Context, cfg offline0.Config, logger *slog.Logger) error {
	svc, err := offline0.NewService(cfg, offline0.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	// Install failures are logged by Start and retried on the next start.
	_ = svc.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("offline0 listening", "addr", addr, "origin", cfg.Server.Origin)
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
