// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nexus-edge/robust-modbus/internal/adapter/modbus"
	"github.com/nexus-edge/robust-modbus/internal/domain"
)

// MockHandle is a mock connection handle. It records every call and tracks
// how many calls overlap, so tests can assert exclusive use.
type MockHandle struct {
	mu sync.Mutex

	// Function overrides for custom behavior
	CallFunc  func(op domain.Operation) ([]byte, error)
	CloseFunc func() error

	// Call tracking
	CallCount  atomic.Int64
	CloseCount atomic.Int64
	calls      []domain.Operation
	unitIDs    []byte

	unitID      atomic.Uint32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewMockHandle creates a handle addressed to unitID.
func NewMockHandle(unitID byte) *MockHandle {
	h := &MockHandle{}
	h.unitID.Store(uint32(unitID))
	return h
}

// SetUnitID implements modbus.Handle.
func (h *MockHandle) SetUnitID(id byte) {
	h.unitID.Store(uint32(id))
}

// UnitID returns the address the handle currently targets.
func (h *MockHandle) UnitID() byte {
	return byte(h.unitID.Load())
}

// Call implements modbus.Handle.
func (h *MockHandle) Call(op domain.Operation) ([]byte, error) {
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		peak := h.maxInFlight.Load()
		if n <= peak || h.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	h.CallCount.Add(1)
	h.mu.Lock()
	h.calls = append(h.calls, op)
	h.unitIDs = append(h.unitIDs, h.UnitID())
	h.mu.Unlock()

	if h.CallFunc != nil {
		return h.CallFunc(op)
	}
	return defaultResponse(op), nil
}

// Close implements modbus.Handle.
func (h *MockHandle) Close() error {
	h.CloseCount.Add(1)
	if h.CloseFunc != nil {
		return h.CloseFunc()
	}
	return nil
}

// Calls returns a copy of the operations issued on the handle.
func (h *MockHandle) Calls() []domain.Operation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Operation, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallUnitIDs returns the unit address each call was sent to.
func (h *MockHandle) CallUnitIDs() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, len(h.unitIDs))
	copy(out, h.unitIDs)
	return out
}

// MaxConcurrentCalls returns the highest number of overlapping calls seen.
func (h *MockHandle) MaxConcurrentCalls() int {
	return int(h.maxInFlight.Load())
}

// defaultResponse returns a zero-filled payload of the right size for op.
func defaultResponse(op domain.Operation) []byte {
	switch {
	case op.Kind.ReturnsBits():
		return make([]byte, (int(op.Quantity)+7)/8)
	case op.Kind.ReturnsRegisters():
		return make([]byte, int(op.Quantity)*2)
	default:
		return []byte{byte(op.Address >> 8), byte(op.Address)}
	}
}

// DialRecord describes one call to MockDialer.Dial.
type DialRecord struct {
	Endpoint string
	UnitID   byte
}

// MockDialer is a mock dialer. Without DialFunc it returns a fresh
// MockHandle per call.
type MockDialer struct {
	mu sync.Mutex

	// Function overrides for custom behavior
	DialFunc func(ctx context.Context, endpoint string, unitID byte) (modbus.Handle, error)

	// Call tracking
	DialCount atomic.Int64
	dials     []DialRecord
	handles   []*MockHandle
}

// NewMockDialer creates a new mock dialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{}
}

// Dial implements modbus.Dialer.
func (d *MockDialer) Dial(ctx context.Context, endpoint string, unitID byte) (modbus.Handle, error) {
	d.DialCount.Add(1)
	d.mu.Lock()
	d.dials = append(d.dials, DialRecord{Endpoint: endpoint, UnitID: unitID})
	d.mu.Unlock()

	if d.DialFunc != nil {
		return d.DialFunc(ctx, endpoint, unitID)
	}

	h := NewMockHandle(unitID)
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

// Dials returns a copy of the recorded dials.
func (d *MockDialer) Dials() []DialRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DialRecord, len(d.dials))
	copy(out, d.dials)
	return out
}

// LastHandle returns the most recent handle created by the default behavior.
func (d *MockDialer) LastHandle() *MockHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

// MockResolver is a mock host resolver.
type MockResolver struct {
	// Function overrides for custom behavior
	LookupHostFunc func(ctx context.Context, host string) ([]string, error)

	// Call tracking
	LookupCount atomic.Int64
}

// LookupHost implements modbus.Resolver. Without LookupHostFunc the host is
// returned unchanged.
func (r *MockResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.LookupCount.Add(1)
	if r.LookupHostFunc != nil {
		return r.LookupHostFunc(ctx, host)
	}
	return []string{host}, nil
}
