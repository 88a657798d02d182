// Command vialcounter runs the tray-analysis HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"vialcounter/internal/api"
	"vialcounter/internal/blob"
	"vialcounter/internal/config"
	"vialcounter/internal/detect"
	"vialcounter/internal/proposal"
	"vialcounter/internal/results"
	"vialcounter/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vialcounter:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a local development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs, err := blob.Open(ctx)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	rows, err := results.Open(ctx)
	if err != nil {
		return fmt.Errorf("open results store: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logger.Error("close results store", slog.String("error", cerr.Error()))
		}
	}()

	detector := detect.New(cfg.DetectionURL, cfg.DetectionAPIKey, detect.Options{
		Stroke:  cfg.DetectionStroke,
		Labels:  cfg.DetectionLabels,
		Timeout: cfg.DetectionTimeout(),
		Logger:  logger,
	})

	var proposals proposal.Cache
	if cfg.ProposalCacheAddr != "" {
		cache, err := proposal.NewRedis(ctx, cfg.ProposalCacheAddr, cfg.ProposalTTL())
		if err != nil {
			return fmt.Errorf("connect proposal cache: %w", err)
		}
		defer cache.Close()
		proposals = cache
	}

	svc := service.New(blobs, rows, detector, proposals, logger, service.Options{
		AllowedTypes: cfg.AllowedTypes(),
		SignedURLTTL: cfg.SignedURLTTL(),
	})

	srv := api.New(svc, api.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})

	logger.Info("starting",
		slog.Int("port", cfg.Port),
		slog.String("blob_driver", string(blobs.Driver())),
		slog.String("db_driver", string(rows.Driver())),
		slog.Bool("proposal_cache", proposals != nil),
		slog.String("max_upload", humanize.IBytes(uint64(cfg.MaxUploadBytes))))

	errc := make(chan error, 1)
	go func() {
		if serr := srv.Start(fmt.Sprintf(":%d", cfg.Port)); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errc <- serr
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
