package network

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-sync-service/internal/config"
)

func receive(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connectivity event")
		return false
	}
}

func TestProbeMonitorTransitions(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewProbeMonitor(config.NetworkConfig{ProbeURL: srv.URL, ProbeInterval: "10ms", ProbeTimeout: "1s"})
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.True(t, receive(t, m.Events()))

	healthy.Store(false)
	assert.False(t, receive(t, m.Events()))

	healthy.Store(true)
	assert.True(t, receive(t, m.Events()))
}

func TestProbeMonitorUnreachable(t *testing.T) {
	m := NewProbeMonitor(config.NetworkConfig{ProbeURL: "http://127.0.0.1:1", ProbeInterval: "1h", ProbeTimeout: "100ms"})
	require.NoError(t, m.Start())
	assert.False(t, receive(t, m.Events()))

	m.Stop()
	_, ok := <-m.Events()
	assert.False(t, ok)
}

func TestManualEmitsChangesOnly(t *testing.T) {
	m := NewManual()
	m.Set(false)
	m.Set(false)
	m.Set(true)

	assert.False(t, receive(t, m.Events()))
	assert.True(t, receive(t, m.Events()))
	assert.Len(t, m.Events(), 0)

	m.Stop()
	m.Set(false)
	m.Stop()
}

func TestManualSetWithoutReader(t *testing.T) {
	m := NewManual()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 41; i++ {
			m.Set(i%2 == 0)
		}
		m.Stop()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set blocked with a full buffer")
	}

	var last bool
	for v := range m.Events() {
		last = v
	}
	assert.True(t, last)
}
