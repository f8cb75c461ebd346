package reaper

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"drcv/internal/config"
	"drcv/internal/metrics"
	"drcv/internal/store"
)

// Run ticks the stale sweep until ctx ends.
func Run(ctx context.Context, db *sql.DB, cfg config.Config, log zerolog.Logger) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Sweep(db, cfg, log, time.Now())
		}
	}
}

// Sweep demotes uploading sessions idle past the upload threshold and drops
// clients idle past the client threshold. The two thresholds are
// independent: losing its client row does not touch a session, and a
// demoted session still resolves for a resume.
func Sweep(db *sql.DB, cfg config.Config, log zerolog.Logger, now time.Time) {
	cutoff := store.Stamp(now.Add(-cfg.UploadStaleTimeout))
	stale, err := store.MarkStaleUploadsDisconnected(db, cutoff, now)
	if err != nil {
		log.Error().Err(err).Msg("stale upload sweep failed")
	}
	for _, s := range stale {
		log.Warn().Int64("upload", s.ID).Str("filename", s.Filename).Str("client", s.Client).Msg("upload marked disconnected")
	}
	metrics.UploadsReaped.Add(float64(len(stale)))

	clientCutoff := store.Stamp(now.Add(-cfg.ClientStaleTimeout))
	n, err := store.DeleteStaleClients(db, clientCutoff)
	if err != nil {
		log.Error().Err(err).Msg("stale client sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int64("count", n).Msg("dropped idle clients")
		metrics.ClientsReaped.Add(float64(n))
	}
}
