package upload

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"drcv/internal/config"
	"drcv/internal/model"
	"drcv/internal/store"
)

// Ingester owns the chunk pipeline: it resolves sessions, appends chunk
// payloads to staging files, and promotes finished files into the upload
// directory.
type Ingester struct {
	db  *sql.DB
	cfg config.Config
	log zerolog.Logger

	mu        sync.Mutex
	locks     map[int64]*sync.Mutex
	announced map[int64]bool
}

func NewIngester(db *sql.DB, cfg config.Config, log zerolog.Logger) (*Ingester, error) {
	if err := os.MkdirAll(filepath.Join(cfg.UploadDir, "staging"), 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Ingester{
		db:        db,
		cfg:       cfg,
		log:       log,
		locks:     map[int64]*sync.Mutex{},
		announced: map[int64]bool{},
	}, nil
}

// sessionLock serializes appends for one session id; chunks for different
// sessions proceed in parallel.
func (ing *Ingester) sessionLock(id int64) *sync.Mutex {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	l, ok := ing.locks[id]
	if !ok {
		l = &sync.Mutex{}
		ing.locks[id] = l
	}
	return l
}

// forget drops per-session state once the id can no longer come back
// through the resolver.
func (ing *Ingester) forget(id int64) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	delete(ing.locks, id)
	delete(ing.announced, id)
}

// announce logs a session once per process, on its first accepted chunk,
// not once per chunk.
func (ing *Ingester) announce(id int64, filename, client string, created bool) {
	ing.mu.Lock()
	seen := ing.announced[id]
	ing.announced[id] = true
	ing.mu.Unlock()
	if seen {
		return
	}
	ev := ing.log.Info().Int64("upload", id).Str("filename", filename).Str("client", client)
	if created {
		ev.Msg("upload started")
	} else {
		ev.Msg("upload resumed")
	}
}

func (ing *Ingester) stagingPath(id int64) string {
	return filepath.Join(ing.cfg.UploadDir, "staging", fmt.Sprintf("%d.part", id))
}

func (ing *Ingester) finalPath(filename string) string {
	return filepath.Join(ing.cfg.UploadDir, filename)
}

// SweepStaging removes parts left behind by sessions that finished or
// disappeared. Parts belonging to open sessions survive a restart, so
// resumable bytes are never thrown away.
func (ing *Ingester) SweepStaging() error {
	dir := filepath.Join(ing.cfg.UploadDir, "staging")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".part"), 10, 64)
		if err != nil {
			continue
		}
		status, found, err := store.FetchStatus(ing.db, id)
		if err != nil {
			return err
		}
		if found && status != model.StatusComplete {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			ing.log.Warn().Err(err).Str("part", path).Msg("could not remove orphaned part")
			continue
		}
		ing.log.Info().Int64("upload", id).Str("part", path).Msg("removed orphaned part")
	}
	return nil
}
