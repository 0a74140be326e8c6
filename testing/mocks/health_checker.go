package mocks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// MockChecker is a health.Checker whose result can be switched at runtime.
type MockChecker struct {
	mu  sync.RWMutex
	err error

	// Function overrides for custom behavior
	HealthCheckFunc func(ctx context.Context) error

	// Call tracking
	CheckCount atomic.Int64
}

// NewMockChecker creates a healthy mock checker.
func NewMockChecker() *MockChecker {
	return &MockChecker{}
}

// SetHealthy makes subsequent checks succeed.
func (m *MockChecker) SetHealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = nil
}

// SetUnhealthy makes subsequent checks fail with message.
func (m *MockChecker) SetUnhealthy(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = errors.New(message)
}

// HealthCheck implements health.Checker.
func (m *MockChecker) HealthCheck(ctx context.Context) error {
	m.CheckCount.Add(1)
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}
