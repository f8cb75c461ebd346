package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"drcv/internal/config"
	"drcv/internal/digest"
	"drcv/internal/model"
)

func NewClient(ctx context.Context, cfg config.Config) (*storage.Client, error) {
	if cfg.ArchiveBucket == "" {
		return nil, errors.New("missing -archive-bucket")
	}
	if cfg.ArchiveCreds != "" {
		return storage.NewClient(ctx, option.WithCredentialsFile(cfg.ArchiveCreds))
	}
	// fallback to Application Default Credentials
	return storage.NewClient(ctx)
}

type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSUploader(client *storage.Client, bucket, prefix string) *GCSUploader {
	return &GCSUploader{client: client, bucket: bucket, prefix: prefix}
}

// ObjectName keys the archive by client then session id, so a client
// re-uploading the same filename never overwrites an earlier object.
func (u *GCSUploader) ObjectName(row model.UploadRow) string {
	return fmt.Sprintf("%s/%s/%d/%s", u.prefix, sanitizeSegment(row.Client), row.ID, row.Filename)
}

func (u *GCSUploader) UploadAndVerify(ctx context.Context, row model.UploadRow, path string, dg digest.Info) error {
	obj := u.client.Bucket(u.bucket).Object(u.ObjectName(row))

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	// default chunked writer; received files can be far too large for a
	// single request
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{
		"client":   row.Client,
		"filename": row.Filename,
		"sha256":   dg.SHA256,
	}

	if _, err := io.Copy(w, file); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// fetch attributes and verify
	var attrs *storage.ObjectAttrs
	for i := 0; i < 3; i++ {
		attrs, err = obj.Attrs(ctx)
		if err == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		return err
	}

	if attrs.Size != dg.Size {
		return fmt.Errorf("verify size mismatch: local=%d remote=%d", dg.Size, attrs.Size)
	}
	if attrs.CRC32C != dg.CRC32C {
		return fmt.Errorf("verify crc32c mismatch: local=%d remote=%d", dg.CRC32C, attrs.CRC32C)
	}

	return nil
}

// sanitizeSegment keeps identities path-safe for object keys.
func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return s
}
