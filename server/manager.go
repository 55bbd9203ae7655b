package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rocketmux/rocketmux/observer"
)

// Manager tracks the live connections of a server and relays lifecycle
// events to the observer. It is shared across accept goroutines and is
// the one place connection state crosses execution contexts.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*Conn

	obs observer.Observer
	log *zap.Logger
}

func NewManager(obs observer.Observer, log *zap.Logger) *Manager {
	return &Manager{
		conns: make(map[string]*Conn),
		obs:   obs,
		log:   log.Named("manager"),
	}
}

func (m *Manager) add(c *Conn) {
	m.mu.Lock()
	m.conns[c.id] = c
	n := len(m.conns)
	m.mu.Unlock()

	m.obs.ConnAccepted()
	m.obs.ActiveConnections(n)
}

func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	if _, ok := m.conns[c.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.id)
	n := len(m.conns)
	m.mu.Unlock()

	m.obs.ConnClosed()
	m.obs.ActiveConnections(n)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) Each(fn func(*Conn)) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		fn(c)
	}
}

// CloseAll tears every connection down immediately.
func (m *Manager) CloseAll() {
	m.Each(func(c *Conn) { c.CloseNow() })
}

// DrainAll drains every connection, bounded by ctx. The returned error
// aggregates the connections whose drain was cut short.
func (m *Manager) DrainAll(ctx context.Context) error {
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	m.Each(func(c *Conn) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Drain(ctx); err != nil {
				m.log.Warn("drain interrupted", zap.String("conn-id", c.ID()), zap.Error(err))
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("drain %s: %w", c.ID(), err))
				errMu.Unlock()
			}
		}()
	})
	wg.Wait()
	return errs
}
