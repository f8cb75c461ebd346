package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"drcv/internal/admin"
	"drcv/internal/config"
	"drcv/internal/model"
	"drcv/internal/reaper"
	"drcv/internal/store"
	"drcv/internal/tunnel"
	"drcv/internal/upload"
)

type env struct {
	db        *sql.DB
	cfg       config.Config
	uploadURL string
	adminURL  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "drcv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Init(db))

	cfg := config.Config{
		DBPath:             filepath.Join(dir, "drcv.db"),
		UploadDir:          filepath.Join(dir, "uploads"),
		PageSize:           50,
		MaxFileSize:        1 << 20,
		ChunkSize:          1 << 16,
		UploadTimeout:      5 * time.Second,
		UploadStaleTimeout: time.Minute,
		ClientStaleTimeout: 2 * time.Minute,
		FeedInterval:       50 * time.Millisecond,
	}
	require.NoError(t, os.MkdirAll(cfg.UploadDir, 0o755))

	ing, err := upload.NewIngester(db, cfg, zerolog.Nop())
	require.NoError(t, err)
	uploadSrv := httptest.NewServer(ing.Router())
	t.Cleanup(uploadSrv.Close)

	adm := admin.New(db, cfg, &tunnel.Info{}, zerolog.Nop())
	adminSrv := httptest.NewServer(adm.Router())
	t.Cleanup(adminSrv.Close)

	return &env{db: db, cfg: cfg, uploadURL: uploadSrv.URL, adminURL: adminSrv.URL}
}

// sendChunk posts one multipart chunk and returns the session id from the
// response body.
func (e *env) sendChunk(t *testing.T, filename string, index, total int, payload []byte) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("filename", filename))
	require.NoError(t, mw.WriteField("chunkIndex", strconv.Itoa(index)))
	require.NoError(t, mw.WriteField("totalChunks", strconv.Itoa(total)))
	fw, err := mw.CreateFormFile("chunk", "blob")
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.uploadURL+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "chunk %d rejected: %s", index, body)
	return string(body)
}

func (e *env) probe(t *testing.T, filename string) int64 {
	t.Helper()
	req, err := http.NewRequest(http.MethodHead, e.uploadURL+"/upload?filename="+filename, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	n, err := strconv.ParseInt(resp.Header.Get("x-uploaded-bytes"), 10, 64)
	require.NoError(t, err)
	return n
}

func (e *env) uploads(t *testing.T) []model.UploadRow {
	t.Helper()
	resp, err := http.Get(e.adminURL + "/data")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []model.UploadRow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	return rows
}

// The whole story over real sockets: probe an unknown file, upload a
// chunk, lose the connection long enough for the sweeper to notice,
// resume into the same session, finish, and read the result back through
// the admin surface.
func TestUploadLifecycleEndToEnd(t *testing.T) {
	e := newEnv(t)

	const filename = "backup.tar"
	chunks := [][]byte{
		bytes.Repeat([]byte("a"), 1024),
		bytes.Repeat([]byte("b"), 1024),
		bytes.Repeat([]byte("c"), 100),
	}

	require.EqualValues(t, 0, e.probe(t, filename))

	id := e.sendChunk(t, filename, 0, 3, chunks[0])
	require.NotEmpty(t, id)
	require.EqualValues(t, 1024, e.probe(t, filename))

	reaper.Sweep(e.db, e.cfg, zerolog.Nop(), time.Now().Add(e.cfg.UploadStaleTimeout+time.Minute))
	rows := e.uploads(t)
	require.Len(t, rows, 1)
	require.Equal(t, model.StatusDisconnected, rows[0].Status)

	// resuming lands in the same session
	require.Equal(t, id, e.sendChunk(t, filename, 1, 3, chunks[1]))
	require.EqualValues(t, 2048, e.probe(t, filename))
	require.Equal(t, model.StatusUploading, e.uploads(t)[0].Status)

	require.Equal(t, id, e.sendChunk(t, filename, 2, 3, chunks[2]))

	rows = e.uploads(t)
	require.Len(t, rows, 1)
	require.Equal(t, model.StatusComplete, rows[0].Status)
	require.EqualValues(t, 2148, rows[0].Size)
	require.NotEmpty(t, rows[0].CompletedAt)

	got, err := os.ReadFile(filepath.Join(e.cfg.UploadDir, filename))
	require.NoError(t, err)
	require.Equal(t, bytes.Join(chunks, nil), got)

	// a settled session holds no resume offset
	require.EqualValues(t, 0, e.probe(t, filename))
}

func TestHeartbeatAndClientListing(t *testing.T) {
	e := newEnv(t)

	id := e.sendChunk(t, "seed.bin", 0, 2, []byte("xx"))

	hb := fmt.Sprintf(`{"uploadIds":[%s]}`, id)
	resp, err := http.Post(e.uploadURL+"/heartbeat", "application/json", strings.NewReader(hb))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "heartbeat_ok:1", string(body))

	cresp, err := http.Get(e.adminURL + "/clients")
	require.NoError(t, err)
	defer cresp.Body.Close()
	var clients []model.ClientRow
	require.NoError(t, json.NewDecoder(cresp.Body).Decode(&clients))
	require.Len(t, clients, 1)
	require.Equal(t, "127.0.0.1", clients[0].Identity)
}

func TestCompletedFilenameReopensFreshSession(t *testing.T) {
	e := newEnv(t)

	// same filename finished twice in a row: the resolver must open a
	// fresh session once the first one settles
	first := e.sendChunk(t, "dup.bin", 0, 1, []byte("one"))
	second := e.sendChunk(t, "dup.bin", 0, 1, []byte("two!"))
	require.NotEqual(t, first, second)

	rows := e.uploads(t)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, model.StatusComplete, row.Status)
	}

	got, err := os.ReadFile(filepath.Join(e.cfg.UploadDir, "dup.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("two!"), got)
}
