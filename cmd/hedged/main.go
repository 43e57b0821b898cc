package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basislab/hedgecore/internal/config"
	"github.com/basislab/hedgecore/internal/handler"
	"github.com/basislab/hedgecore/internal/orchestrator"
	"github.com/basislab/hedgecore/internal/pkg/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config rejected: %v", err)
	}

	// 2. Supervisor over per-vault engine processes
	runner := orchestrator.NewProcessRunner(cfg.Orchestrator)
	sup, err := orchestrator.New(cfg, runner)
	if err != nil {
		log.Fatalf("Failed to open instance registry: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	// Config change -> rolling restart of affected vaults only.
	viper.OnConfigChange(func(fsnotify.Event) {
		next, err := config.Load()
		if err != nil {
			logger.Error("config reload failed, keeping previous", "error", err)
			return
		}
		if err := next.Validate(); err != nil {
			logger.Error("config reload rejected, keeping previous", "error", err)
			return
		}
		sup.Reload(next)
	})
	viper.WatchConfig()

	// 3. Control surface, loopback only
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	handler.NewVaultHandler(sup, cfg.Orchestrator.StateDir).Register(r, cfg.Server.MetricsPath)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}
	go func() {
		logger.Info("🚀 hedged started", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	// 4. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down hedged...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	sup.StopAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}
	logger.Info("hedged exiting")
}
