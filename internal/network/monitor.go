// Package network reports connectivity transitions to the sync engine.
package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-sync-service/internal/config"
	"order-sync-service/internal/logger"
)

// Monitor yields a value each time connectivity changes. The first value is
// the initial state.
type Monitor interface {
	Events() <-chan bool
	Start() error
	Stop()
}

// ProbeMonitor polls an HTTP endpoint. Any response below 500 counts as
// reachable.
type ProbeMonitor struct {
	url       string
	interval  time.Duration
	client    *http.Client
	eventChan chan bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

func NewProbeMonitor(cfg config.NetworkConfig) *ProbeMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProbeMonitor{
		url:       cfg.ProbeURL,
		interval:  cfg.GetProbeInterval(),
		client:    &http.Client{Timeout: cfg.GetProbeTimeout()},
		eventChan: make(chan bool, 16),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (m *ProbeMonitor) Start() error {
	logger.Log.Info("Starting network monitor", zap.String("url", m.url), zap.Duration("interval", m.interval))

	m.wg.Add(1)
	go m.run()
	return nil
}

func (m *ProbeMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		close(m.eventChan)
		logger.Log.Info("Stopped network monitor")
	})
}

func (m *ProbeMonitor) Events() <-chan bool {
	return m.eventChan
}

func (m *ProbeMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var (
		last  bool
		known bool
	)
	for {
		online := m.probe()
		if !known || online != last {
			known, last = true, online
			logger.Log.Info("Connectivity changed", zap.Bool("online", online))
			select {
			case m.eventChan <- online:
			case <-m.ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *ProbeMonitor) probe() bool {
	req, err := http.NewRequestWithContext(m.ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		logger.Log.Debug("Probe failed", zap.Error(err))
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Manual is a Monitor driven by Set. Only changes are emitted.
type Manual struct {
	mu        sync.Mutex
	online    bool
	known     bool
	closed    bool
	eventChan chan bool
}

func NewManual() *Manual {
	return &Manual{eventChan: make(chan bool, 16)}
}

func (m *Manual) Start() error { return nil }

func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.eventChan)
	}
}

func (m *Manual) Events() <-chan bool {
	return m.eventChan
}

func (m *Manual) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || (m.known && m.online == online) {
		return
	}
	m.known, m.online = true, online

	// Never block under the lock: with no reader, drop the oldest event so
	// the latest state is always buffered.
	select {
	case m.eventChan <- online:
		return
	default:
	}
	select {
	case <-m.eventChan:
	default:
	}
	select {
	case m.eventChan <- online:
	default:
	}
}
