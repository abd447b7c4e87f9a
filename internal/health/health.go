// Package health probes the external collaborators of the agent.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

const (
	StatusOK    = "ok"
	StatusError = "error"

	DefaultTimeout = 10 * time.Second
)

// Check probes one component.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type Component struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Report is the result of one round of checks.
type Report struct {
	Status     string               `json:"status"`
	Components map[string]Component `json:"components"`
	CheckedAt  time.Time            `json:"checked_at"`
}

// Pinger is implemented by collaborators with a cheaper probe than a
// full completion.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Run executes every check in parallel. A failing check never cancels the
// others.
func Run(ctx context.Context, timeout time.Duration, checks ...Check) Report {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu  sync.Mutex
		rep = Report{Status: StatusOK, Components: make(map[string]Component, len(checks))}
		g   errgroup.Group
	)
	for _, c := range checks {
		g.Go(func() error {
			comp := Component{Status: StatusOK, Message: c.Name + " connection successful."}
			if err := c.Probe(ctx); err != nil {
				logx.Warn().Err(err).Str("component", c.Name).Msg("Health check failed")
				comp = Component{Status: StatusError, Message: c.Name + " connection failed: " + err.Error()}
			}
			mu.Lock()
			rep.Components[c.Name] = comp
			if comp.Status != StatusOK {
				rep.Status = StatusError
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	rep.CheckedAt = time.Now().UTC()
	return rep
}

func StoreCheck(name string, s model.Store) Check {
	return Check{Name: name, Probe: s.Ping}
}

// CompleterCheck pings c when it supports it and otherwise sends a short
// completion.
func CompleterCheck(name string, c model.Completer) Check {
	return Check{Name: name, Probe: func(ctx context.Context) error {
		if p, ok := c.(Pinger); ok {
			return p.Ping(ctx)
		}
		_, err := c.Complete(ctx, "", "Hi")
		return err
	}}
}

// Monitor keeps the latest report for the HTTP endpoints.
type Monitor struct {
	mu      sync.RWMutex
	checks  []Check
	timeout time.Duration
	last    Report
}

func NewMonitor(timeout time.Duration, checks ...Check) *Monitor {
	return &Monitor{checks: checks, timeout: timeout}
}

// Refresh runs the checks and stores the report.
func (m *Monitor) Refresh(ctx context.Context) Report {
	rep := Run(ctx, m.timeout, m.checks...)
	m.mu.Lock()
	m.last = rep
	m.mu.Unlock()
	for name, c := range rep.Components {
		logx.Info().Str("component", name).Str("status", c.Status).Msg("Health status")
	}
	return rep
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
