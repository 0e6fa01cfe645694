// Package health aggregates dependency checks behind /healthz.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gatekeeper/pkg/platform/httputil"
)

// CheckFunc reports whether one dependency is reachable.
type CheckFunc func(ctx context.Context) error

const (
	statusOK          = "ok"
	statusUnavailable = "unavailable"
)

// Checker runs named checks concurrently. Failure details are logged, never
// served, since they can carry connection strings.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Checker)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

type Response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func New(timeout time.Duration, opts ...Option) *Checker {
	c := &Checker{checks: make(map[string]CheckFunc), timeout: timeout}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Add registers a check under name, replacing any previous one.
func (c *Checker) Add(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes every check and reports each as "ok" or "unavailable". ok is
// false when any failed.
func (c *Checker) Run(ctx context.Context) (results map[string]string, ok bool) {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var mu sync.Mutex
	results = make(map[string]string, len(checks))
	ok = true
	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			status := statusOK
			if err := check(ctx); err != nil {
				status = statusUnavailable
				c.logger.WarnContext(ctx, "health check failed",
					"check", name,
					"error", err,
				)
			}
			mu.Lock()
			defer mu.Unlock()
			results[name] = status
			if status != statusOK {
				ok = false
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, ok
}

// Handler serves the check results, 503 when any check failed.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, ok := c.Run(r.Context())
		if !ok {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, Response{Status: statusUnavailable, Checks: results})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, Response{Status: statusOK, Checks: results})
	}
}
