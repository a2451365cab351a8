// Package reachability probes the remote service and reports online/offline
// transitions, standing in for a platform network-path monitor.
package reachability

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultInterval     = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// ProbeFunc reports whether the network currently reaches the remote
// service.
type ProbeFunc func(ctx context.Context) bool

// Monitor runs a probe on an interval and notifies subscribers on state
// transitions. The first probe result is always delivered so subscribers
// learn the initial state.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration

	mu          sync.Mutex
	online      bool
	known       bool
	subscribers []func(online bool)
}

// NewMonitor creates a monitor. A zero interval selects the default.
func NewMonitor(probe ProbeFunc, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{probe: probe, interval: interval}
}

// HTTPProbe builds a probe that issues a HEAD request against the given
// URL. Any HTTP response counts as reachable, including server errors; only
// transport-level failure means offline.
func HTTPProbe(url string) ProbeFunc {
	client := &http.Client{Timeout: defaultProbeTimeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}

// Subscribe registers a transition callback. Callbacks run on the monitor
// goroutine; keep them short or dispatch internally.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run probes until the context is cancelled. An immediate probe runs before
// the first tick.
func (m *Monitor) Run(ctx context.Context) {
	m.check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	online := m.probe(ctx)

	m.mu.Lock()
	changed := !m.known || online != m.online
	m.online = online
	m.known = true
	subscribers := append(([]func(bool))(nil), m.subscribers...)
	m.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("reachability changed", "online", online)
	for _, fn := range subscribers {
		fn(online)
	}
}
