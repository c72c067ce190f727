// Package health probes the daemon's dependencies and keeps a per-dependency
// up/degraded status for /healthz and the gRPC health service.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/ledger"
	"github.com/safetrip/idanchor/internal/metrics"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// ProbeFunc returns nil when the dependency is reachable.
type ProbeFunc func(ctx context.Context) error

// Probe is one named dependency check. Optional probes never make the
// service unready.
type Probe struct {
	Name     string
	Check    ProbeFunc
	Optional bool
}

// StatusChangeFunc is called when a dependency crosses the fail threshold
// in either direction.
type StatusChangeFunc func(ctx context.Context, name string, healthy bool)

// Checker runs periodic dependency probes.
type Checker struct {
	probes     []Probe
	failCounts map[string]int
	statuses   map[string]string
	mu         sync.Mutex
	cfg        Config
	onChange   StatusChangeFunc
	logger     *zap.Logger
}

// New creates a new Checker. Every dependency starts healthy.
func New(probes []Probe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	c := &Checker{
		probes:     probes,
		failCounts: make(map[string]int),
		statuses:   make(map[string]string),
		cfg:        cfg,
		logger:     logger,
	}
	for _, p := range probes {
		c.statuses[p.Name] = StatusHealthy
		metrics.SetDependencyUp(p.Name, true)
	}
	return c
}

// SetStatusChange configures the status change callback.
func (c *Checker) SetStatusChange(fn StatusChangeFunc) {
	c.onChange = fn
}

// Start runs the check loop until ctx is done.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe once, concurrently.
func (c *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range c.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			c.observe(ctx, p.Name, err)
		}(p)
	}
	wg.Wait()
}

func (c *Checker) observe(ctx context.Context, name string, err error) {
	success := err == nil

	c.mu.Lock()
	prevCount := c.failCounts[name]
	if success {
		c.failCounts[name] = 0
	} else {
		c.failCounts[name]++
	}
	count := c.failCounts[name]
	var changed bool
	switch {
	case success && prevCount >= c.cfg.FailThreshold:
		c.statuses[name] = StatusHealthy
		changed = true
	case !success && count == c.cfg.FailThreshold:
		c.statuses[name] = StatusDegraded
		changed = true
	}
	c.mu.Unlock()

	if !changed {
		if !success {
			c.logger.Debug("health: probe failed", zap.String("dependency", name), zap.Int("fail_count", count), zap.Error(err))
		}
		return
	}

	metrics.SetDependencyUp(name, success)
	if success {
		c.logger.Info("health: recovered", zap.String("dependency", name))
	} else {
		c.logger.Warn("health: degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
	if c.onChange != nil {
		c.onChange(ctx, name, success)
	}
}

// Status reports whether every required dependency is healthy, with the
// status of each.
func (c *Checker) Status(_ context.Context) (bool, map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok := true
	out := make(map[string]string, len(c.statuses))
	for _, p := range c.probes {
		s := c.statuses[p.Name]
		out[p.Name] = s
		if s != StatusHealthy && !p.Optional {
			ok = false
		}
	}
	return ok, out
}

// ── Probes ───────────────────────────────────────────────────────────────

// HTTPProbe attempts HEAD then GET against endpoint and succeeds on any 2xx.
func HTTPProbe(client *http.Client, endpoint string) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		if probeEndpoint(ctx, client, http.MethodHead, endpoint) {
			return nil
		}
		if probeEndpoint(ctx, client, http.MethodGet, endpoint) {
			return nil
		}
		return errors.New("no 2xx response from " + endpoint)
	}
}

func probeEndpoint(ctx context.Context, client *http.Client, method, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// LedgerProbe reads the stored hash of a fixed address. An empty slot means
// the ledger answered.
func LedgerProbe(client ledger.Client) ProbeFunc {
	addr := ledger.AddressFor("idanchor-health-probe")
	return func(ctx context.Context) error {
		_, err := client.QueryStoredHash(ctx, addr)
		if err == nil || errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		return err
	}
}

// Pinger is satisfied by pgxpool.Pool and the Kafka publisher.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe adapts a Pinger.
func PingProbe(p Pinger) ProbeFunc {
	return p.Ping
}
