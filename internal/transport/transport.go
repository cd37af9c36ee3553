// Package transport provides a pooled HTTP/2 client per backend origin.
// Adapted from the teacher's internal/transport/transport.go with the utls
// Chrome-fingerprint dialer and the SOCKS5/HTTP-CONNECT proxy dialers
// removed — see DESIGN.md for why. Upstream LLM APIs overwhelmingly speak
// h2, so the pool keeps golang.org/x/net/http2 for connection reuse.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

type poolEntry struct {
	client   *http.Client
	lastUsed time.Time
}

// Manager hands out a pooled *http.Client per backend origin.
type Manager struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	requestTimeout time.Duration
}

func NewManager(requestTimeout time.Duration) *Manager {
	return &Manager{
		entries:        make(map[string]*poolEntry),
		requestTimeout: requestTimeout,
	}
}

// Get returns the client for the given backend origin, creating one on first use.
func (m *Manager) Get(backendURL string) *http.Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[backendURL]; ok {
		e.lastUsed = time.Now()
		return e.client
	}

	client := &http.Client{
		Transport: &http2.Transport{},
		Timeout:   m.requestTimeout,
	}
	m.entries[backendURL] = &poolEntry{client: client, lastUsed: time.Now()}
	return client
}

// RunCleanup periodically closes idle connections for backends unused
// longer than idleTimeout. Blocks until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(idleTimeout)
		}
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-idleTimeout)
	for key, e := range m.entries {
		if e.lastUsed.Before(cutoff) {
			e.client.CloseIdleConnections()
			delete(m.entries, key)
		}
	}
}

// Close closes every pooled client's idle connections.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		e.client.CloseIdleConnections()
		delete(m.entries, key)
	}
}
