package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/pkg/retry"

	"go.uber.org/zap"
)

// Options configures the tunnel client integration.
type Options struct {
	Enabled     bool
	Binary      string // tunnel client executable, e.g. "ngrok"
	APIAddress  string // local inspection API, e.g. "http://127.0.0.1:4040"
	BindTimeout time.Duration
}

// Binder obtains a public forwarding address by running the external tunnel
// client and reading the public URL from its local inspection API. Strictly
// best-effort: every failure degrades to local-only addressing.
type Binder struct {
	opts    Options
	metrics *monitoring.PrometheusCollector
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	cmd     *exec.Cmd
	binding *domain.TunnelBinding
}

func NewBinder(opts Options, metrics *monitoring.PrometheusCollector, logger *zap.SugaredLogger) *Binder {
	if opts.Binary == "" {
		opts.Binary = "ngrok"
	}
	if opts.APIAddress == "" {
		opts.APIAddress = "http://127.0.0.1:4040"
	}
	if opts.BindTimeout <= 0 {
		opts.BindTimeout = 10 * time.Second
	}
	return &Binder{opts: opts, metrics: metrics, logger: logger}
}

// apiTunnel mirrors the tunnel entries of the client's inspection API.
type apiTunnel struct {
	PublicURL string `json:"public_url"`
	Proto     string `json:"proto"`
}

type apiTunnelList struct {
	Tunnels []apiTunnel `json:"tunnels"`
}

// Bind starts the tunnel client for the local port and waits, bounded, for a
// public URL. A nil binding with nil error means no tunnel is available and
// the caller should proceed with local addressing.
func (b *Binder) Bind(ctx context.Context, localPort int) (*domain.TunnelBinding, error) {
	if !b.opts.Enabled {
		return nil, nil
	}

	b.mu.Lock()
	if b.binding != nil && b.binding.Status == domain.TunnelBound {
		existing := *b.binding
		b.mu.Unlock()
		return &existing, nil
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.TunnelBindAttempted()
	}

	if _, err := exec.LookPath(b.opts.Binary); err != nil {
		b.logger.Infow("tunnel client not installed, proceeding local-only", "binary", b.opts.Binary)
		return nil, nil
	}

	cmd := exec.Command(b.opts.Binary, "http", strconv.Itoa(localPort), "--log", "stderr", "--log-format", "json")
	if err := cmd.Start(); err != nil {
		b.logger.Warnw("tunnel client failed to start, proceeding local-only", "error", err)
		return nil, nil
	}

	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()
	go cmd.Wait() // reap; exit status is irrelevant for best-effort binding

	bindCtx, cancel := context.WithTimeout(ctx, b.opts.BindTimeout)
	defer cancel()

	publicURL, err := retry.RetryWithResult(bindCtx, retry.Config{
		Enabled:      true,
		MaxAttempts:  20,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   1.5,
	}, func() (string, error) {
		return b.queryPublicURL(bindCtx)
	})
	if err != nil {
		b.logger.Warnw("tunnel never reported a public address, proceeding local-only", "error", err)
		b.shutdownClient()
		return nil, nil
	}

	binding := &domain.TunnelBinding{
		LocalPort: localPort,
		PublicURL: publicURL,
		Domain:    hostOf(publicURL),
		Status:    domain.TunnelBound,
	}

	b.mu.Lock()
	b.binding = binding
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.TunnelBindSucceeded()
	}
	b.logger.Infow("tunnel bound", "public_url", binding.PublicURL, "local_port", localPort)

	out := *binding
	return &out, nil
}

// Unbind terminates the tunnel client. Idempotent.
func (b *Binder) Unbind(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.binding != nil {
		b.binding.Status = domain.TunnelClosed
		b.binding = nil
	}
	b.stopClientLocked()
	return nil
}

// Current returns the live binding, if any.
func (b *Binder) Current() *domain.TunnelBinding {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.binding == nil {
		return nil
	}
	out := *b.binding
	return &out
}

func (b *Binder) queryPublicURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.opts.APIAddress+"/api/tunnels", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("inspection api returned %d", resp.StatusCode)
	}

	var list apiTunnelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", err
	}

	// Prefer the https endpoint when both protocols are announced.
	for _, t := range list.Tunnels {
		if t.Proto == "https" && t.PublicURL != "" {
			return t.PublicURL, nil
		}
	}
	for _, t := range list.Tunnels {
		if t.PublicURL != "" {
			return t.PublicURL, nil
		}
	}
	return "", fmt.Errorf("no tunnels announced yet")
}

func (b *Binder) shutdownClient() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopClientLocked()
}

func (b *Binder) stopClientLocked() {
	if b.cmd == nil || b.cmd.Process == nil {
		return
	}
	if err := b.cmd.Process.Signal(os.Interrupt); err != nil {
		b.cmd.Process.Kill()
	}
	b.cmd = nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
