// Package connectivity tracks whether the transcription service is worth
// calling. It combines a periodic reachability probe with a user-facing
// "simulate offline" override, and raises an edge-triggered callback when the
// effective state flips to online so the pipeline can sweep immediately
// instead of waiting for its next tick.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tiroq/voxlog/internal/diaglog"
)

// Prober reports whether the network path is currently satisfied.
type Prober func(ctx context.Context) bool

// DefaultProber dials a well-known endpoint with a short timeout.
func DefaultProber(addr string) Prober {
	if addr == "" {
		addr = "1.1.1.1:443"
	}
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: 2 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Monitor polls a Prober and exposes a single boolean the pipeline reads at
// decision points.
type Monitor struct {
	prober   Prober
	interval time.Duration

	mu              sync.RWMutex
	satisfied       bool
	simulateOffline bool
	onOnline        []func()

	stopOnce sync.Once
	stopCh   chan struct{}

	logger *diaglog.Logger
}

// NewMonitor creates a monitor polling prober every interval. The monitor
// starts pessimistic (offline) until the first probe.
func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// SetLogger injects a diaglog.Logger for debug logging.
func (m *Monitor) SetLogger(l *diaglog.Logger) {
	m.mu.Lock()
	m.logger = l
	m.mu.Unlock()
}

// Online reports whether remote transcription should be attempted.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.satisfied && !m.simulateOffline
}

// OnOnline registers fn to run every time the effective state transitions
// from offline to online. Callbacks run on the monitor's goroutine and must
// not block.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// SetSimulateOffline toggles the user-forced offline override. Clearing it
// while the path is satisfied counts as an online transition.
func (m *Monitor) SetSimulateOffline(v bool) {
	m.update(func() { m.simulateOffline = v })
}

// setSatisfied records the latest probe result.
func (m *Monitor) setSatisfied(v bool) {
	m.update(func() { m.satisfied = v })
}

// update applies a state mutation and fires online callbacks on a
// false→true edge of the effective state.
func (m *Monitor) update(mutate func()) {
	m.mu.Lock()
	was := m.satisfied && !m.simulateOffline
	mutate()
	now := m.satisfied && !m.simulateOffline
	var fns []func()
	if !was && now {
		fns = append(fns, m.onOnline...)
	}
	logger := m.logger
	m.mu.Unlock()

	if was != now {
		event := diaglog.EventOfflineTransition
		if now {
			event = diaglog.EventOnlineTransition
		}
		logger.Log(diaglog.LogEntry{Component: diaglog.ComponentConnectivity, Event: event})
	}
	for _, fn := range fns {
		fn()
	}
}

// Run polls until ctx is done or Stop is called. Call in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// Stop terminates Run.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) probe(ctx context.Context) {
	if m.prober == nil {
		return
	}
	m.setSatisfied(m.prober(ctx))
}
