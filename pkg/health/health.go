// Package health implements the server availability endpoint and the
// client-side prober that polls it.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/nodesync/nodesync/pkg/logger"
)

const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
)

// Status is the body of a health response.
type Status struct {
	Status  string    `json:"status"`
	Version string    `json:"version,omitempty"`
	Time    time.Time `json:"time"`
	Error   string    `json:"error,omitempty"`
}

// Handler serves GET /health. check reports whether the server can serve
// requests; a failing check answers 503.
func Handler(version string, check func(ctx context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		st := Status{Status: StatusOK, Version: version, Time: time.Now().UTC()}
		code := http.StatusOK
		if check != nil {
			if err := check(ctx); err != nil {
				st.Status = StatusUnavailable
				st.Error = err.Error()
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	})
}

// Prober tracks the availability of one server domain by polling its health
// endpoint.
type Prober struct {
	url      string
	client   *http.Client
	interval time.Duration
	log      logger.Logger

	available atomic.Bool
	version   atomic.Value
}

type Option func(*Prober)

func WithClient(c *http.Client) Option {
	return func(p *Prober) { p.client = c }
}

func WithInterval(d time.Duration) Option {
	return func(p *Prober) { p.interval = d }
}

func WithLogger(l logger.Logger) Option {
	return func(p *Prober) { p.log = l }
}

// NewProber creates a prober for the server at baseURL, e.g.
// "http://localhost:7700". It reports unavailable until the first successful
// probe.
func NewProber(baseURL string, opts ...Option) *Prober {
	p := &Prober{
		url:      baseURL + "/health",
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: 10 * time.Second,
		log:      logger.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Available reports the result of the last probe.
func (p *Prober) Available() bool {
	return p.available.Load()
}

// Version returns the server version seen by the last successful probe.
func (p *Prober) Version() string {
	v, _ := p.version.Load().(string)
	return v
}

// Probe polls the endpoint once and updates availability.
func (p *Prober) Probe(ctx context.Context) error {
	err := p.probe(ctx)
	was := p.available.Swap(err == nil)
	if was != (err == nil) {
		p.log.Info("health.Prober availability changed", "url", p.url, "available", err == nil, "error", err)
	}
	return err
}

func (p *Prober) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", res.StatusCode)
	}
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("invalid health response: %w", err)
	}
	if st.Status != StatusOK {
		return fmt.Errorf("server reports %q", st.Status)
	}
	p.version.Store(st.Version)
	return nil
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		_ = p.Probe(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Registry shares one prober per server domain and polls it in the
// background while at least one user holds it.
type Registry struct {
	mu      sync.Mutex
	probers map[string]*polled
}

type polled struct {
	prober *Prober
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{probers: map[string]*polled{}}
}

// Acquire returns the prober of baseURL. The first Acquire creates it with
// opts and starts polling.
func (r *Registry) Acquire(baseURL string, opts ...Option) *Prober {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.probers[baseURL]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		e = &polled{prober: NewProber(baseURL, opts...), cancel: cancel, done: make(chan struct{})}
		go func() {
			defer close(e.done)
			_ = e.prober.Run(ctx)
		}()
		r.probers[baseURL] = e
	}
	e.refs++
	return e.prober
}

// Release gives up one reference to the prober of baseURL. Polling stops
// when none is left.
func (r *Registry) Release(baseURL string) {
	r.mu.Lock()
	e, ok := r.probers[baseURL]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.probers, baseURL)
	r.mu.Unlock()
	e.cancel()
	<-e.done
}

// Len returns the number of domains being polled.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.probers)
}
