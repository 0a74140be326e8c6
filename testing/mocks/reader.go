package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nexus-edge/robust-modbus/internal/domain"
)

// MockReader is a mock operation executor standing in for the Modbus client.
type MockReader struct {
	mu sync.Mutex

	// Function overrides
	ExecuteFunc   func(ctx context.Context, op domain.Operation) (domain.Result, error)
	SetUnitIDFunc func(id byte)

	// Call tracking
	ExecuteCount atomic.Int64
	ops          []domain.Operation
	unitIDs      []byte
}

// NewMockReader creates a mock reader that returns zeroed values sized to
// each operation.
func NewMockReader() *MockReader {
	return &MockReader{}
}

// Execute implements the operation executor interface.
func (m *MockReader) Execute(ctx context.Context, op domain.Operation) (domain.Result, error) {
	m.ExecuteCount.Add(1)
	m.mu.Lock()
	m.ops = append(m.ops, op)
	fn := m.ExecuteFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, op)
	}

	switch {
	case op.Kind.ReturnsBits():
		return domain.Result{Bits: make([]bool, op.Quantity)}, nil
	case op.Kind.ReturnsRegisters():
		return domain.Result{Registers: make([]uint16, op.Quantity)}, nil
	default:
		return domain.Result{}, nil
	}
}

// SetUnitID records a unit address change.
func (m *MockReader) SetUnitID(id byte) {
	m.mu.Lock()
	m.unitIDs = append(m.unitIDs, id)
	fn := m.SetUnitIDFunc
	m.mu.Unlock()

	if fn != nil {
		fn(id)
	}
}

// Operations returns a copy of the executed operations.
func (m *MockReader) Operations() []domain.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Operation, len(m.ops))
	copy(out, m.ops)
	return out
}

// UnitIDs returns the unit addresses passed to SetUnitID.
func (m *MockReader) UnitIDs() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.unitIDs))
	copy(out, m.unitIDs)
	return out
}
