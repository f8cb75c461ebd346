package tunnel

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"drcv/internal/store"
)

const hashKey = "cf_hash"

const hashAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

type CloudflareProvider struct {
	log zerolog.Logger
}

// Ensure makes sure a named tunnel and its DNS route exist for this install
// and renders the connector config. The six char install hash persists in
// kv, so the same hostname comes back across restarts.
func (p *CloudflareProvider) Ensure(ctx context.Context, db *sql.DB, cfg Config) (Manager, error) {
	if _, err := run(ctx, "cloudflared", "--version"); err != nil {
		p.log.Warn().Msg("cloudflared not found; install it and run 'cloudflared tunnel login' once")
		return nil, fmt.Errorf("cloudflared unavailable: %w", err)
	}

	hash, ok, err := store.KVGet(db, hashKey)
	if err != nil {
		return nil, fmt.Errorf("read install hash: %w", err)
	}
	if !ok {
		hash, err = randomHash(6)
		if err != nil {
			return nil, err
		}
		if err := store.KVSet(db, hashKey, hash); err != nil {
			return nil, fmt.Errorf("persist install hash: %w", err)
		}
	}

	name := "drcv-" + hash
	hostname := hash + "." + cfg.Domain

	id, err := p.tunnelID(ctx, name)
	if err != nil {
		return nil, err
	}
	if id == "" {
		out, err := run(ctx, "cloudflared", "tunnel", "create", name)
		if err != nil {
			if isAuthError(out) {
				p.log.Warn().Msg("cloudflared is not logged in; run 'cloudflared tunnel login'")
			}
			return nil, fmt.Errorf("create tunnel %s: %w", name, err)
		}
		if id, err = p.tunnelID(ctx, name); err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("tunnel %s not listed after create", name)
		}
	}

	if out, err := run(ctx, "cloudflared", "tunnel", "route", "dns", name, hostname); err != nil {
		// re-running against an existing route is fine
		if !strings.Contains(strings.ToLower(out), "already exists") {
			return nil, fmt.Errorf("route dns %s: %w", hostname, err)
		}
	}

	configPath, err := writeConnectorConfig(id, hostname, cfg.LocalPort)
	if err != nil {
		return nil, err
	}

	p.log.Info().Str("hostname", hostname).Str("tunnel", name).Msg("tunnel ready")
	return &cloudflareManager{hostname: hostname, configPath: configPath, log: p.log}, nil
}

func (p *CloudflareProvider) tunnelID(ctx context.Context, name string) (string, error) {
	out, err := run(ctx, "cloudflared", "tunnel", "list")
	if err != nil {
		if isAuthError(out) {
			p.log.Warn().Msg("cloudflared is not logged in; run 'cloudflared tunnel login'")
		}
		return "", fmt.Errorf("list tunnels: %w", err)
	}
	return tunnelIDFromList(out, name), nil
}

// tunnelIDFromList scans `cloudflared tunnel list` output for the row with
// the exact tunnel name and pulls the UUID out of it.
func tunnelIDFromList(out, name string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		match := false
		for _, f := range fields {
			if f == name {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		for _, f := range fields {
			if id, err := uuid.Parse(f); err == nil {
				return id.String()
			}
		}
	}
	return ""
}

func isAuthError(out string) bool {
	l := strings.ToLower(out)
	return strings.Contains(l, "origin certificate") ||
		strings.Contains(l, "not logged in") ||
		strings.Contains(l, "tunnel login")
}

func randomHash(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	b := make([]byte, n)
	for i := range buf {
		b[i] = hashAlphabet[int(buf[i])%len(hashAlphabet)]
	}
	return string(b), nil
}

// run executes a command and returns its combined output.
func run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

type ingressRule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

type connectorConfig struct {
	Tunnel          string        `yaml:"tunnel"`
	CredentialsFile string        `yaml:"credentials-file"`
	Ingress         []ingressRule `yaml:"ingress"`
}

func writeConnectorConfig(tunnelID, hostname string, port int) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return writeConnectorConfigIn(filepath.Join(home, ".cloudflared"), tunnelID, hostname, port)
}

func writeConnectorConfigIn(dir, tunnelID, hostname string, port int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	cfg := connectorConfig{
		Tunnel:          tunnelID,
		CredentialsFile: filepath.Join(dir, tunnelID+".json"),
		Ingress: []ingressRule{
			{Hostname: hostname, Service: fmt.Sprintf("http://localhost:%d", port)},
			{Service: "http_status:404"}, // catch-all rule cloudflared requires
		},
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("config-%s.yml", hostname))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type cloudflareManager struct {
	hostname   string
	configPath string
	log        zerolog.Logger
}

func (m *cloudflareManager) Hostname() string { return m.hostname }

// Run launches the connector and relays its stderr into our log. The
// process dies with ctx.
func (m *cloudflareManager) Run(ctx context.Context) (Runner, error) {
	cmd := exec.Command(
		"cloudflared",
		"--loglevel", "error",
		"--transport-loglevel", "error",
		"tunnel", "--config", m.configPath, "run",
	)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start cloudflared: %w", err)
	}

	// Ensure subprocess is killed on context cancellation.
	go func() {
		<-ctx.Done()
		_ = cmd.Process.Kill()
	}()
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			m.log.Warn().Str("connector", "cloudflared").Msg(sc.Text())
		}
	}()

	return &cloudflareRunner{cmd: cmd}, nil
}

type cloudflareRunner struct {
	cmd *exec.Cmd
}

func (r *cloudflareRunner) Shutdown() error {
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	return r.cmd.Wait()
}
