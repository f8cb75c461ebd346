package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"drcv/internal/config"
	"drcv/internal/digest"
	"drcv/internal/metrics"
	"drcv/internal/model"
	"drcv/internal/store"
)

// Uploader ships one finished upload to the archive and verifies it landed
// intact.
type Uploader interface {
	UploadAndVerify(ctx context.Context, u model.UploadRow, path string, dg digest.Info) error
}

func workerID(i int) string {
	return fmt.Sprintf("drcv-%d-%d", os.Getpid(), i)
}

// Run schedules completed uploads onto archive workers until ctx ends.
func Run(ctx context.Context, log zerolog.Logger, db *sql.DB, cfg config.Config, uploader Uploader) {
	jobs := make(chan model.UploadRow)

	// workers
	for i := 0; i < cfg.ArchiveWorkers; i++ {
		id := workerID(i)
		go runWorker(ctx, log, db, cfg, uploader, id, jobs)
	}

	ticker := time.NewTicker(cfg.ArchivePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			return
		case <-ticker.C:
			rows, err := store.FetchArchivable(db, 50, time.Now())
			if err != nil {
				log.Error().Err(err).Msg("archive scheduler fetch failed")
				continue
			}
			for _, u := range rows {
				select {
				case jobs <- u:
				default:
					// when workers are busy
				}
			}
		}
	}
}

func runWorker(
	ctx context.Context,
	log zerolog.Logger,
	db *sql.DB,
	cfg config.Config,
	uploader Uploader,
	id string,
	jobs <-chan model.UploadRow,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-jobs:
			if !ok {
				return
			}

			claimed, err := store.ClaimForArchive(db, u.ID, id, cfg.ArchiveLease, time.Now())
			if err != nil {
				log.Error().Err(err).Str("worker", id).Int64("upload", u.ID).Msg("archive claim failed")
				continue
			}
			if !claimed {
				continue
			}

			path := filepath.Join(cfg.UploadDir, u.Filename)
			dg, err := digest.File(path)
			if err != nil {
				log.Error().Err(err).Str("worker", id).Int64("upload", u.ID).Msg("digest failed")
				store.MarkArchiveFailed(db, u.ID, err, time.Now())
				metrics.ArchiveOutcomes.WithLabelValues("error").Inc()
				continue
			}

			start := time.Now()
			if err := uploader.UploadAndVerify(ctx, u, path, dg); err != nil {
				log.Error().Err(err).Str("worker", id).Int64("upload", u.ID).Msg("archive upload failed")
				store.MarkArchiveFailed(db, u.ID, err, time.Now())
				metrics.ArchiveOutcomes.WithLabelValues("error").Inc()
				continue
			}

			if err := store.MarkArchived(db, u.ID, time.Now()); err != nil {
				log.Error().Err(err).Int64("upload", u.ID).Msg("archive bookkeeping failed")
				continue
			}
			metrics.ArchiveOutcomes.WithLabelValues("ok").Inc()
			log.Info().Str("worker", id).Int64("upload", u.ID).Str("filename", u.Filename).Dur("took", time.Since(start)).Msg("archived")
		}
	}
}
