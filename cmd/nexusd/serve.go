package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"nexus/internal/auth"
	"nexus/internal/gpu"
	"nexus/internal/httpapi"
	"nexus/internal/logger"
	"nexus/internal/metrics"
	"nexus/internal/notify"
	"nexus/internal/scheduler"
	"nexus/internal/session"
	"nexus/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface and scheduler loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home directory: %w", err)
	}
	if err := os.MkdirAll(cfg.JobsDir(), 0o755); err != nil {
		return fmt.Errorf("create jobs directory: %w", err)
	}

	ring := logger.NewRing(2000)
	log := logger.New(ring)

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	gate, err := auth.LoadOrCreate(cfg.TokenPath(), filepath.Join(cfg.HomeDir, "ssh_keys.json"))
	if err != nil {
		return fmt.Errorf("load auth gate: %w", err)
	}

	var prober gpu.Prober
	if cfg.MockGPUs > 0 {
		prober = gpu.NewMockProber(cfg.MockGPUs)
	} else {
		prober = gpu.NewRealProber(cfg.GPUProbeTTL)
	}
	runner := session.NewScreenRunner()

	m := metrics.New()
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sched := scheduler.New(db, prober, runner, cfg.JobsDir(), cfg.RefreshRate)
	sched.Logger = log
	sched.Metrics = m
	sched.CallTimeout = cfg.ExternalCallTimeout
	if cfg.DiscordWebhookURL != "" {
		sched.Notifier = &notify.MultiNotifier{Discord: notify.NewDiscordNotifier(cfg.DiscordWebhookURL)}
	}

	srv := &httpapi.Server{
		Store:  db,
		Prober: prober,
		Gate:   gate,
		Ring:   ring,
		Logger: log,
		Node:   cfg.NodeName,
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Router(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.Info("scheduler starting", "refresh_rate", cfg.RefreshRate.String())
		if err := sched.Run(ctx); err != nil {
			log.Error("scheduler stopped", "error", err)
		}
	}()

	go func() {
		log.Info("http server starting", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
