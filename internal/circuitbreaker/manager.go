package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager owns one breaker per store backend, keyed by backend name
// ("memory", "postgres", "dynamodb"). Every breaker shares the defaults.
type Manager struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults Config
	logger   *logrus.Logger
}

func NewManager(defaults Config, logger *logrus.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		logger:   logger,
	}
}

// Breaker returns the breaker guarding backend, creating it on first use.
func (m *Manager) Breaker(backend string) *CircuitBreaker {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if breaker, ok := m.breakers[backend]; ok {
		return breaker
	}

	config := m.defaults
	config.Name = backend
	breaker := New(config, m.logger)
	m.breakers[backend] = breaker

	m.logger.WithFields(logrus.Fields{
		"backend":      backend,
		"max_failures": breaker.maxFailures,
		"open_for":     breaker.timeout.String(),
	}).Info("Store circuit breaker ready")

	return breaker
}

// Get returns nil for a backend that never asked for a breaker.
func (m *Manager) Get(backend string) *CircuitBreaker {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.breakers[backend]
}

// GetAllMetrics snapshots every breaker by backend name. The health endpoint
// serves it as is.
func (m *Manager) GetAllMetrics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	metrics := make(map[string]interface{}, len(m.breakers))
	for backend, breaker := range m.breakers {
		metrics[backend] = breaker.Metrics()
	}
	return metrics
}

// OpenBackends lists, sorted, the backends whose breaker is currently
// rejecting store calls.
func (m *Manager) OpenBackends() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var open []string
	for backend, breaker := range m.breakers {
		if breaker.State() == StateOpen {
			open = append(open, backend)
		}
	}
	sort.Strings(open)
	return open
}

// Reset closes the breaker for backend after an operator fixed the store.
// It reports false when no such breaker exists.
func (m *Manager) Reset(backend string) bool {
	breaker := m.Get(backend)
	if breaker == nil {
		return false
	}
	breaker.Reset()
	m.logger.WithField("backend", backend).Warn("Store circuit breaker reset by operator")
	return true
}
