// Command directfunding runs the VRF direct-funding wrapper service.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/vrf_direct_funding/internal/app"
	"github.com/R3E-Network/vrf_direct_funding/internal/config"
	"github.com/R3E-Network/vrf_direct_funding/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logger.NewDefault("directfunding").Fatalf("load config: %v", err)
	}
	log := logger.New("directfunding", logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("build application: %v", err)
	}
	defer application.Close()

	var audit io.Writer
	if cfg.Server.AuditFile != "" {
		f, err := os.OpenFile(cfg.Server.AuditFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			log.Fatalf("open audit file: %v", err)
		}
		defer f.Close()
		audit = f
	}

	if err := application.Start(ctx); err != nil {
		log.Fatalf("start services: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           application.Handler(audit),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("server error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop services")
	}
	log.Info("stopped")
}
