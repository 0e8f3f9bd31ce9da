// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
)

// TopicConnectivity carries a single bool argument: true when the terminal
// went online, false when it went offline. Published only on transitions.
const TopicConnectivity = "pos:connectivity"

// Prober checks whether the server is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber treats any answer below 500 from the health URL as online.
type HTTPProber struct {
	URL  string
	HTTP *http.Client
}

// NewHTTPProber probes baseURL + /health.
func NewHTTPProber(baseURL string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		URL:  strings.TrimRight(baseURL, "/") + PathHealth,
		HTTP: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Monitor tracks Online/Offline and publishes transitions on the bus. It can
// poll a Prober or be driven by Set from a push source.
type Monitor struct {
	prober   Prober
	interval time.Duration
	bus      EventBus.Bus
	logger   *slog.Logger

	pubMu  sync.Mutex // orders publishes; handlers must not call Set
	mu     sync.Mutex
	online bool
	wake   chan struct{}
}

// NewMonitor creates a monitor that starts in the Offline state. A nil prober
// disables polling.
func NewMonitor(prober Prober, interval time.Duration, bus EventBus.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = EventBus.New()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		bus:      bus,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Online returns the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the state and publishes when it changed. It reports whether a
// transition happened.
func (m *Monitor) Set(online bool) bool {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return false
	}
	m.bus.Publish(TopicConnectivity, online)

	if online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Warn("connectivity lost")
	}
	return true
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	online := m.prober.Probe(probeCtx)
	m.Set(online)
	return online
}

// Subscribe registers fn for transitions. Calls are asynchronous but
// serialized, in publish order.
func (m *Monitor) Subscribe(fn func(online bool)) error {
	if err := m.bus.SubscribeAsync(TopicConnectivity, fn, true); err != nil {
		return fmt.Errorf("failed to subscribe to connectivity: %w", err)
	}
	return nil
}

// Unsubscribe removes a handler registered with Subscribe.
func (m *Monitor) Unsubscribe(fn func(online bool)) error {
	return m.bus.Unsubscribe(TopicConnectivity, fn)
}

// Wait blocks until published transitions have been handled.
func (m *Monitor) Wait() { m.bus.WaitAsync() }

// TriggerCheck asks the Run loop to probe now.
func (m *Monitor) TriggerCheck() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil {
		<-ctx.Done()
		return
	}
	m.logger.Debug("connectivity monitor started", "interval", m.interval)
	defer m.logger.Debug("connectivity monitor stopped")

	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		case <-m.wake:
			m.Check(ctx)
		}
	}
}
