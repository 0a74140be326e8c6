package modbus

import (
	"sync/atomic"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/retry"
)

// DefaultPort is appended to addresses given without a port.
const DefaultPort = "502"

// DefaultUnitQueueSize is the capacity of the unit address update queue.
const DefaultUnitQueueSize = 8

// ClientConfig holds configuration for a resilient Modbus client.
type ClientConfig struct {
	// Address is host:port of the remote unit; the host is resolved on every reconnect
	Address string

	// UnitID is the initial Modbus unit/slave ID
	UnitID byte

	// Timeout is the connection and response timeout of the default dialer
	Timeout time.Duration

	// IdleTimeout closes an unused connection; zero keeps it open
	IdleTimeout time.Duration

	// ConnectPolicy wraps every reconnect (zero value: retry.ConnectPolicy())
	ConnectPolicy retry.Policy

	// CommandPolicy wraps every operation (zero value: retry.CommandPolicy())
	CommandPolicy retry.Policy

	// UnitQueueSize is the capacity of the unit address update queue
	UnitQueueSize int

	// ReconnectOnException also reconnects after exception responses,
	// which do not indicate a broken connection
	ReconnectOnException bool

	// Breaker guards reconnects with a circuit breaker when non-nil
	Breaker *BreakerConfig

	// TraceFrames logs raw request/response frames at trace level
	TraceFrames bool

	// Dialer overrides the goburrow TCP dialer
	Dialer Dialer

	// Resolver overrides net.DefaultResolver
	Resolver Resolver
}

// BreakerConfig configures the reconnect circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open
	MaxRequests uint32

	// Interval clears the failure counts while closed
	Interval time.Duration

	// Timeout is how long the breaker stays open
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failed reconnects that trips the breaker
	FailureThreshold uint32
}

// DefaultBreakerConfig returns a BreakerConfig with sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	}
}

// ClientStats tracks client activity.
type ClientStats struct {
	Operations         atomic.Uint64
	OperationErrors    atomic.Uint64
	Retries            atomic.Uint64
	Reconnects         atomic.Uint64
	ReconnectFailures  atomic.Uint64
	ReconnectsSkipped  atomic.Uint64
	UnitUpdatesApplied atomic.Uint64
	UnitUpdatesDropped atomic.Uint64
	UnitUpdatesLost    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of ClientStats.
type StatsSnapshot struct {
	Operations         uint64
	OperationErrors    uint64
	Retries            uint64
	Reconnects         uint64
	ReconnectFailures  uint64
	ReconnectsSkipped  uint64
	UnitUpdatesApplied uint64
	UnitUpdatesDropped uint64
	UnitUpdatesLost    uint64
}

// ConnectionStatus describes the connection slot.
type ConnectionStatus struct {
	// Connected is true when the slot holds a live handle
	Connected bool

	// LastError explains why the slot holds no handle; nil when connected
	LastError error

	// Generation increases every time the slot content is replaced
	Generation uint64

	// Since is when the slot content was last replaced
	Since time.Time
}
