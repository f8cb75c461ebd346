package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"drcv/internal/admin"
	"drcv/internal/archive"
	"drcv/internal/config"
	"drcv/internal/reaper"
	"drcv/internal/store"
	"drcv/internal/tunnel"
	"drcv/internal/upload"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.FromFlags()
	if err != nil {
		logger.Fatal().Err(err).Msg("bad configuration")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open db")
	}
	defer db.Close()

	if err := store.Init(db); err != nil {
		logger.Fatal().Err(err).Msg("init db")
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("create upload dir")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ing, err := upload.NewIngester(db, cfg, logger.With().Str("component", "upload").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("init ingester")
	}
	if err := ing.SweepStaging(); err != nil {
		logger.Warn().Err(err).Msg("staging sweep failed")
	}

	tun := &tunnel.Info{}
	adm := admin.New(db, cfg, tun, logger.With().Str("component", "admin").Logger())

	go reaper.Run(ctx, db, cfg, logger.With().Str("component", "reaper").Logger())

	if cfg.ArchiveBucket != "" {
		client, err := archive.NewClient(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Str("bucket", cfg.ArchiveBucket).Msg("init archive client")
		}
		defer client.Close()
		uploader := archive.NewGCSUploader(client, cfg.ArchiveBucket, cfg.ArchivePrefix)
		go archive.Run(ctx, logger.With().Str("component", "archive").Logger(), db, cfg, uploader)
		logger.Info().Str("bucket", cfg.ArchiveBucket).Int("workers", cfg.ArchiveWorkers).Msg("archiving enabled")
	}

	var runner tunnel.Runner
	if cfg.TunnelProvider != "" {
		provider, err := tunnel.NewProvider(cfg.TunnelProvider, logger.With().Str("component", "tunnel").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("tunnel provider")
		}
		mgr, err := provider.Ensure(ctx, db, tunnel.Config{Domain: cfg.TunnelDomain, LocalPort: cfg.UploadPort})
		if err != nil {
			// degraded: keep serving on the local port
			logger.Warn().Err(err).Msg("tunnel setup failed, continuing without it")
		} else {
			runner, err = mgr.Run(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("tunnel connector failed to start")
			} else {
				tun.Set(mgr.Hostname())
				logger.Info().Str("hostname", mgr.Hostname()).Msg("tunnel up")
			}
		}
	}

	uploadSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.UploadPort), Handler: ing.Router()}
	adminSrv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.AdminPort), Handler: adm.Router()}

	errs := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", uploadSrv.Addr).Msg("upload server listening")
		if err := uploadSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go func() {
		logger.Info().Str("addr", adminSrv.Addr).Msg("admin server listening")
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errs:
		logger.Error().Err(err).Msg("server failed")
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutCancel()
	if err := uploadSrv.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("upload server shutdown")
	}
	if err := adminSrv.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("admin server shutdown")
	}
	if runner != nil {
		_ = runner.Shutdown()
	}
	logger.Info().Msg("bye")
}
