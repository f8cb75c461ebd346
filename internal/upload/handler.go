package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"drcv/internal/clientid"
	"drcv/internal/metrics"
	"drcv/internal/store"
)

var (
	ErrBadRequest = errors.New("bad chunk request")
	ErrTooLarge   = errors.New("upload too large")
)

// multipart framing allowance on top of one chunk payload
const bodySlack = 1 << 20

func (ing *Ingester) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", serveIndex)
	r.Post("/upload", ing.HandleChunk)
	r.Head("/upload", ing.HandleProbe)
	r.Post("/heartbeat", ing.HandleHeartbeat)
	return r
}

// HandleChunk accepts one multipart chunk and answers with the session id
// in plain text, so a client learns the id from whichever chunk lands
// first.
func (ing *Ingester) HandleChunk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ing.cfg.UploadTimeout)
	defer cancel()

	r.Body = http.MaxBytesReader(nil, r.Body, int64(ing.cfg.ChunkSize)+bodySlack)

	type outcome struct {
		id  int64
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		id, err := ing.ingest(r.WithContext(ctx))
		done <- outcome{id, err}
	}()

	// the ingest goroutine never touches w, so answering a timeout here
	// cannot race a late result
	select {
	case <-ctx.Done():
		metrics.UploadsRejected.WithLabelValues("timeout").Inc()
		http.Error(w, "upload timed out", http.StatusRequestTimeout)
	case out := <-done:
		if out.err != nil {
			ing.respondError(w, out.err)
			return
		}
		fmt.Fprintf(w, "%d", out.id)
	}
}

type chunkMeta struct {
	filename    string
	chunkIndex  uint64
	totalChunks uint64
}

func (ing *Ingester) ingest(r *http.Request) (int64, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return 0, fmt.Errorf("%w: chunk body over %s", ErrTooLarge, humanize.IBytes(ing.cfg.ChunkSize))
		}
		return 0, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	meta, err := parseChunkMeta(r)
	if err != nil {
		return 0, err
	}

	part, hdr, err := r.FormFile("chunk")
	if err != nil {
		return 0, fmt.Errorf("%w: missing chunk field", ErrBadRequest)
	}
	defer part.Close()

	// size gate runs before any row or byte is written
	if est := uint64(hdr.Size) * meta.totalChunks; est > ing.cfg.MaxFileSize {
		return 0, fmt.Errorf("%w: %s per chunk x %d chunks exceeds the %s limit",
			ErrTooLarge, humanize.IBytes(uint64(hdr.Size)), meta.totalChunks, humanize.IBytes(ing.cfg.MaxFileSize))
	}

	client, _ := clientid.Derive(r)
	now := time.Now()
	if err := store.UpsertClient(ing.db, client, r.UserAgent(), now); err != nil {
		return 0, fmt.Errorf("record client: %w", err)
	}

	id, created, err := store.ResolveUpload(ing.db, meta.filename, client, now)
	if err != nil {
		return 0, fmt.Errorf("resolve session: %w", err)
	}

	lock := ing.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := r.Context().Err(); err != nil {
		return id, err
	}

	written, err := ing.appendChunk(id, part)
	if err != nil {
		return id, fmt.Errorf("stage chunk for upload=%d: %w", id, err)
	}

	if written > 0 {
		if err := store.AccumulateChunk(ing.db, id, written, time.Now()); err != nil {
			return id, err
		}
		metrics.ChunksAccepted.Inc()
		metrics.ChunkBytes.Add(float64(written))
		ing.announce(id, meta.filename, client, created)
	}

	if meta.chunkIndex+1 == meta.totalChunks {
		if err := ing.finalize(id, meta.filename, client); err != nil {
			return id, err
		}
	}

	return id, nil
}

// appendChunk adds one chunk to the session's staging file. On a failed
// copy the file is rolled back to its previous length, so staged bytes
// always match the recorded size and a resume continues from clean data.
func (ing *Ingester) appendChunk(id int64, part io.Reader) (int64, error) {
	path := ing.stagingPath(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	start, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return 0, err
	}
	n, err := io.Copy(f, part)
	if err != nil {
		f.Close()
		_ = os.Truncate(path, start)
		return 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Truncate(path, start)
		return 0, err
	}
	return n, nil
}

// finalize promotes the staged file into the upload dir and settles the
// session. Rename, not copy, so the finished file appears atomically.
func (ing *Ingester) finalize(id int64, filename, client string) error {
	if err := os.Rename(ing.stagingPath(id), ing.finalPath(filename)); err != nil {
		return fmt.Errorf("promote upload=%d: %w", id, err)
	}
	if err := store.MarkComplete(ing.db, id, time.Now()); err != nil {
		return err
	}
	ing.forget(id)
	metrics.UploadsCompleted.Inc()
	ing.log.Info().Int64("upload", id).Str("filename", filename).Str("client", client).Msg("upload complete")
	return nil
}

func parseChunkMeta(r *http.Request) (chunkMeta, error) {
	var m chunkMeta

	m.filename = cleanFilename(formValue(r, "filename"))
	if m.filename == "" {
		return m, fmt.Errorf("%w: missing filename", ErrBadRequest)
	}

	var err error
	m.totalChunks, err = parseUintField(r, "totalChunks", "total_chunks")
	if err != nil {
		return m, err
	}
	if m.totalChunks == 0 {
		return m, fmt.Errorf("%w: totalChunks must be positive", ErrBadRequest)
	}
	m.chunkIndex, err = parseUintField(r, "chunkIndex", "chunk_index")
	if err != nil {
		return m, err
	}
	if m.chunkIndex >= m.totalChunks {
		return m, fmt.Errorf("%w: chunkIndex %d out of range for %d chunks", ErrBadRequest, m.chunkIndex, m.totalChunks)
	}
	return m, nil
}

// cleanFilename flattens any path a client sends down to its base name;
// uploads never escape the upload directory.
func cleanFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// formValue reads a multipart field by its primary name, falling back to
// the snake_case alias older clients send.
func formValue(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := r.FormValue(n); v != "" {
			return v
		}
	}
	return ""
}

func parseUintField(r *http.Request, names ...string) (uint64, error) {
	raw := formValue(r, names...)
	if raw == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrBadRequest, names[0])
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a chunk count", ErrBadRequest, names[0], raw)
	}
	return n, nil
}

func (ing *Ingester) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		metrics.UploadsRejected.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrTooLarge):
		metrics.UploadsRejected.WithLabelValues("too_large").Inc()
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		metrics.UploadsRejected.WithLabelValues("timeout").Inc()
		http.Error(w, "upload timed out", http.StatusRequestTimeout)
	default:
		metrics.UploadsRejected.WithLabelValues("storage").Inc()
		ing.log.Error().Err(err).Msg("chunk rejected")
		http.Error(w, "upload failed", http.StatusInternalServerError)
	}
}

// HandleProbe reports how many bytes the open session for this filename
// and caller already holds; no open session reads as zero so clients start
// from the beginning without a special case.
func (ing *Ingester) HandleProbe(w http.ResponseWriter, r *http.Request) {
	filename := cleanFilename(r.URL.Query().Get("filename"))
	if filename == "" {
		http.Error(w, "missing filename", http.StatusBadRequest)
		return
	}
	client, _ := clientid.Derive(r)
	size, err := store.ProbeSize(ing.db, filename, client)
	if err != nil {
		ing.log.Error().Err(err).Str("filename", filename).Str("client", client).Msg("probe failed")
		http.Error(w, "probe failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("x-uploaded-bytes", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
}

type heartbeatRequest struct {
	UploadIDs []int64 `json:"uploadIds"`
}

// HandleHeartbeat refreshes the caller's client row and the liveness stamp
// of each listed session the caller owns. The reply counts sessions
// actually refreshed; ids owned by other clients or already settled are
// skipped silently.
func (ing *Ingester) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	body := http.MaxBytesReader(nil, r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "bad heartbeat body", http.StatusBadRequest)
		return
	}

	client, _ := clientid.Derive(r)
	now := time.Now()
	if err := store.UpsertClient(ing.db, client, r.UserAgent(), now); err != nil {
		ing.log.Error().Err(err).Str("client", client).Msg("heartbeat client upsert failed")
		http.Error(w, "heartbeat failed", http.StatusInternalServerError)
		return
	}

	acked := 0
	for _, id := range req.UploadIDs {
		ok, err := store.TouchUploading(ing.db, id, client, now)
		if err != nil {
			ing.log.Error().Err(err).Int64("upload", id).Msg("heartbeat touch failed")
			http.Error(w, "heartbeat failed", http.StatusInternalServerError)
			return
		}
		if ok {
			acked++
		}
	}
	metrics.HeartbeatsAcked.Add(float64(acked))
	fmt.Fprintf(w, "heartbeat_ok:%d", acked)
}
