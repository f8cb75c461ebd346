package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

type Config struct {
	DBPath    string
	UploadDir string

	UploadPort int
	AdminPort  int
	PageSize   int

	MaxFileSize uint64
	ChunkSize   uint64

	UploadTimeout      time.Duration
	CleanupInterval    time.Duration
	UploadStaleTimeout time.Duration
	ClientStaleTimeout time.Duration
	FeedInterval       time.Duration
	ShutdownGrace      time.Duration

	// Tunnel
	TunnelProvider string
	TunnelDomain   string

	// GCS archive
	ArchiveBucket  string
	ArchivePrefix  string
	ArchiveCreds   string
	ArchiveWorkers int
	ArchivePoll    time.Duration
	ArchiveLease   time.Duration
}

func FromFlags() (Config, error) {
	var cfg Config
	var maxFileSize, chunkSize string

	flag.StringVar(&cfg.DBPath, "db", "./drcv.db", "path to sqlite DB")
	flag.StringVar(&cfg.UploadDir, "upload-dir", "./uploads", "directory for received files")
	flag.IntVar(&cfg.UploadPort, "upload-port", 8080, "upload listener port")
	flag.IntVar(&cfg.AdminPort, "admin-port", 8081, "admin listener port, bound to loopback")
	flag.IntVar(&cfg.PageSize, "page-size", 100, "admin listing page size")

	flag.StringVar(&maxFileSize, "max-file-size", "100GiB", "maximum accepted file size, e.g. 100GiB or 500MB")
	flag.StringVar(&chunkSize, "chunk-size", "4MiB", "upload chunk size, e.g. 4MiB or 512KB")

	flag.DurationVar(&cfg.UploadTimeout, "upload-timeout", 300*time.Second, "per-request deadline for chunk uploads")
	flag.DurationVar(&cfg.CleanupInterval, "cleanup-interval", 10*time.Second, "stale sweep interval")
	flag.DurationVar(&cfg.UploadStaleTimeout, "upload-stale-timeout", 60*time.Second, "idle time before an uploading session is marked disconnected")
	flag.DurationVar(&cfg.ClientStaleTimeout, "client-stale-timeout", 120*time.Second, "idle time before a client row is dropped")
	flag.DurationVar(&cfg.FeedInterval, "feed-interval", time.Second, "admin change feed poll interval")
	flag.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 3*time.Second, "drain time for in-flight requests on shutdown")

	flag.StringVar(&cfg.TunnelProvider, "tunnel", "", "tunnel provider (cloudflare), empty serves locally only")
	flag.StringVar(&cfg.TunnelDomain, "tunnel-domain", "drcv.app", "domain the tunnel hostname is minted under")

	flag.StringVar(&cfg.ArchiveBucket, "archive-bucket", "", "GCS bucket for completed uploads, empty disables archiving")
	flag.StringVar(&cfg.ArchivePrefix, "archive-prefix", "drcv", "GCS object key prefix")
	flag.StringVar(&cfg.ArchiveCreds, "archive-creds", "", "path to service account JSON")
	flag.IntVar(&cfg.ArchiveWorkers, "archive-workers", 2, "number of archive upload workers")
	flag.DurationVar(&cfg.ArchivePoll, "archive-poll", 5*time.Second, "archive scheduler poll interval")
	flag.DurationVar(&cfg.ArchiveLease, "archive-lease", 2*time.Minute, "archive claim lease duration")

	flag.Parse()

	var err error
	if cfg.MaxFileSize, err = ParseSize(maxFileSize); err != nil {
		return Config{}, fmt.Errorf("invalid -max-file-size: %w", err)
	}
	if cfg.ChunkSize, err = ParseSize(chunkSize); err != nil {
		return Config{}, fmt.Errorf("invalid -chunk-size: %w", err)
	}
	if cfg.ChunkSize == 0 || cfg.ChunkSize > cfg.MaxFileSize {
		return Config{}, fmt.Errorf("chunk size %s out of range for max file size %s", chunkSize, maxFileSize)
	}
	return cfg, nil
}

// ParseSize accepts both IEC ("4MiB") and SI ("4MB") byte sizes.
func ParseSize(s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return n, nil
}
