package tunnel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Config for bringing a public hostname up in front of the upload listener.
type Config struct {
	Domain    string
	LocalPort int
}

// Provider mints (or finds) a named tunnel and its DNS route.
type Provider interface {
	Ensure(ctx context.Context, db *sql.DB, cfg Config) (Manager, error)
}

// Manager knows the minted hostname and can launch the connector process.
type Manager interface {
	Hostname() string
	Run(ctx context.Context) (Runner, error)
}

// Runner is a live connector process.
type Runner interface {
	Shutdown() error
}

func NewProvider(name string, log zerolog.Logger) (Provider, error) {
	switch strings.ToLower(name) {
	case "cloudflare":
		return &CloudflareProvider{log: log}, nil
	}
	return nil, fmt.Errorf("unknown tunnel provider %q", name)
}

// Info is the shared view of tunnel state the admin surface reads. Empty
// hostname means no tunnel is up.
type Info struct {
	mu       sync.RWMutex
	hostname string
}

func (i *Info) Set(hostname string) {
	i.mu.Lock()
	i.hostname = hostname
	i.mu.Unlock()
}

func (i *Info) Hostname() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.hostname
}
