// Package health exposes liveness and readiness endpoints over echo:
// /healthz is the process liveness check (always 200 once the server is
// up), /readyz pings every external collaborator (state store, job bus,
// graph store) and only answers 200 once all three respond.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is the narrow contract every checked collaborator implements: a
// cheap round trip proving the connection is alive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult is one collaborator's readiness outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Response is the JSON body both endpoints return.
type Response struct {
	Status  string        `json:"status"`
	Service string        `json:"service"`
	Version string        `json:"version"`
	Checks  []CheckResult `json:"checks,omitempty"`
}

// Checker runs the configured readiness pings and reports liveness.
type Checker struct {
	Service string
	Version string
	Timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Pinger
}

// NewChecker returns a Checker with no collaborators registered yet; call
// Register for each one the running process owns.
func NewChecker(service, version string) *Checker {
	return &Checker{Service: service, Version: version, checks: make(map[string]Pinger)}
}

// Register adds a named collaborator to the readiness check set. Typical
// names: "store", "bus", "graph".
func (c *Checker) Register(name string, p Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = p
}

func (c *Checker) timeout() time.Duration {
	if c.Timeout == 0 {
		return 3 * time.Second
	}
	return c.Timeout
}

// Live always reports healthy: liveness only asks "is the process able to
// answer HTTP requests at all", not "can it reach its dependencies".
func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, Response{Status: "healthy", Service: c.Service, Version: c.Version})
}

// Ready pings every registered collaborator and answers 200 only if all of
// them succeed; otherwise 503 with the per-collaborator failures attached,
// so an operator (or an orchestrator's readiness probe) can see which
// dependency is down without needing to correlate against application logs.
func (c *Checker) Ready(ctx echo.Context) error {
	c.mu.RLock()
	checks := make(map[string]Pinger, len(c.checks))
	for name, p := range c.checks {
		checks[name] = p
	}
	c.mu.RUnlock()

	reqCtx, cancel := context.WithTimeout(ctx.Request().Context(), c.timeout())
	defer cancel()

	results := make([]CheckResult, 0, len(checks))
	allHealthy := true
	for name, p := range checks {
		result := CheckResult{Name: name, Healthy: true}
		if err := p.Ping(reqCtx); err != nil {
			result.Healthy = false
			result.Error = err.Error()
			allHealthy = false
		}
		results = append(results, result)
	}

	status := http.StatusOK
	statusText := "healthy"
	if !allHealthy {
		status = http.StatusServiceUnavailable
		statusText = "unhealthy"
	}
	return ctx.JSON(status, Response{Status: statusText, Service: c.Service, Version: c.Version, Checks: results})
}

// RegisterRoutes wires /healthz and /readyz onto e, splitting liveness from
// readiness per spec.md's operational requirements rather than a single
// combined /health route.
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", c.Live)
	e.GET("/readyz", c.Ready)
}
