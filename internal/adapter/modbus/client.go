// Package modbus provides a resilient Modbus TCP client that transparently
// reconnects after failures and retries every operation under a bounded,
// jittered policy.
package modbus

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/nexus-edge/robust-modbus/internal/metrics"
	"github.com/nexus-edge/robust-modbus/internal/retry"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Client is a Modbus client for a single remote unit. It is safe for
// concurrent use; operations on the connection are serialized.
type Client struct {
	config   ClientConfig
	dialer   Dialer
	resolver Resolver
	state    *connState
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger
	metrics  *metrics.Registry
	stats    *ClientStats

	unitID      atomic.Uint32
	unitUpdates chan byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewClient creates a client for config.Address. No connection is opened;
// the first operation fails with domain.ErrNotYetConnected and triggers a
// reconnect, or call Connect to connect eagerly.
func NewClient(config ClientConfig, logger zerolog.Logger, reg *metrics.Registry) (*Client, error) {
	if config.Address == "" {
		return nil, domain.ErrAddressRequired
	}
	if _, _, err := net.SplitHostPort(config.Address); err != nil {
		config.Address = net.JoinHostPort(config.Address, DefaultPort)
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.ConnectPolicy.Attempts == 0 {
		config.ConnectPolicy = retry.ConnectPolicy()
	}
	if config.CommandPolicy.Attempts == 0 {
		config.CommandPolicy = retry.CommandPolicy()
	}
	if config.UnitQueueSize <= 0 {
		config.UnitQueueSize = DefaultUnitQueueSize
	}

	c := &Client{
		config:      config,
		dialer:      config.Dialer,
		resolver:    config.Resolver,
		logger:      logger.With().Str("component", "modbus-client").Str("address", config.Address).Logger(),
		metrics:     reg,
		stats:       &ClientStats{},
		unitUpdates: make(chan byte, config.UnitQueueSize),
	}
	c.unitID.Store(uint32(config.UnitID))

	if c.dialer == nil {
		d := &TCPDialer{Timeout: config.Timeout, IdleTimeout: config.IdleTimeout}
		if config.TraceFrames {
			frames := c.logger.Level(zerolog.TraceLevel).With().Str("stream", "frames").Logger()
			d.FrameLogger = &frames
		}
		c.dialer = d
	}
	if c.resolver == nil {
		c.resolver = net.DefaultResolver
	}
	if config.Breaker != nil {
		c.breaker = c.newBreaker(*config.Breaker)
	}

	c.state = newConnState(func(st ConnectionStatus) {
		if c.metrics != nil {
			c.metrics.SetConnected(st.Connected)
		}
	})

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.runUnitUpdater()

	return c, nil
}

// Connect establishes the connection now instead of on first use. It is a
// no-op when a live connection exists.
func (c *Client) Connect(ctx context.Context) error {
	st := c.state.snapshot()
	if st.Connected {
		return nil
	}
	return c.reconnect(ctx, st.Generation)
}

// Disconnect closes the live connection, if any. The next operation fails
// once with domain.ErrConnectionClosed and reconnects.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.state.with(ctx, func(s *connState) error {
		if s.handle == nil {
			return nil
		}
		s.fail(domain.ErrConnectionClosed)
		c.logger.Debug().Msg("Disconnected from Modbus device")
		return nil
	})
}

// Close stops the unit updater and releases the connection. Operations after
// Close fail with domain.ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()

	return c.state.with(context.Background(), func(s *connState) error {
		s.fail(domain.ErrClientClosed)
		c.logger.Debug().Msg("Modbus client closed")
		return nil
	})
}

// State returns the current connection status without waiting for in-flight
// operations.
func (c *Client) State() ConnectionStatus {
	return c.state.snapshot()
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() StatsSnapshot {
	return StatsSnapshot{
		Operations:         c.stats.Operations.Load(),
		OperationErrors:    c.stats.OperationErrors.Load(),
		Retries:            c.stats.Retries.Load(),
		Reconnects:         c.stats.Reconnects.Load(),
		ReconnectFailures:  c.stats.ReconnectFailures.Load(),
		ReconnectsSkipped:  c.stats.ReconnectsSkipped.Load(),
		UnitUpdatesApplied: c.stats.UnitUpdatesApplied.Load(),
		UnitUpdatesDropped: c.stats.UnitUpdatesDropped.Load(),
		UnitUpdatesLost:    c.stats.UnitUpdatesLost.Load(),
	}
}

// ReadCoils reads quantity coils starting at address (function 0x01).
func (c *Client) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	res, err := c.do(ctx, domain.Operation{Kind: domain.OpReadCoils, Address: address, Quantity: quantity})
	return res.Bits, err
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address (function 0x02).
func (c *Client) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]bool, error) {
	res, err := c.do(ctx, domain.Operation{Kind: domain.OpReadDiscreteInputs, Address: address, Quantity: quantity})
	return res.Bits, err
}

// ReadHoldingRegisters reads quantity holding registers starting at address (function 0x03).
func (c *Client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	res, err := c.do(ctx, domain.Operation{Kind: domain.OpReadHoldingRegisters, Address: address, Quantity: quantity})
	return res.Registers, err
}

// ReadInputRegisters reads quantity input registers starting at address (function 0x04).
func (c *Client) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	res, err := c.do(ctx, domain.Operation{Kind: domain.OpReadInputRegisters, Address: address, Quantity: quantity})
	return res.Registers, err
}

// ReadWriteMultipleRegisters writes values at writeAddress and then reads
// quantity registers at readAddress in one transaction (function 0x17).
func (c *Client) ReadWriteMultipleRegisters(ctx context.Context, readAddress, quantity, writeAddress uint16, values []uint16) ([]uint16, error) {
	res, err := c.do(ctx, domain.Operation{
		Kind:         domain.OpReadWriteMultipleRegisters,
		Address:      readAddress,
		Quantity:     quantity,
		WriteAddress: writeAddress,
		Registers:    values,
	})
	return res.Registers, err
}

// WriteSingleCoil writes one coil (function 0x05).
func (c *Client) WriteSingleCoil(ctx context.Context, address uint16, value bool) error {
	_, err := c.do(ctx, domain.Operation{Kind: domain.OpWriteSingleCoil, Address: address, Coils: []bool{value}})
	return err
}

// WriteSingleRegister writes one holding register (function 0x06).
func (c *Client) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	_, err := c.do(ctx, domain.Operation{Kind: domain.OpWriteSingleRegister, Address: address, Registers: []uint16{value}})
	return err
}

// WriteMultipleCoils writes consecutive coils starting at address (function 0x0F).
func (c *Client) WriteMultipleCoils(ctx context.Context, address uint16, values []bool) error {
	_, err := c.do(ctx, domain.Operation{Kind: domain.OpWriteMultipleCoils, Address: address, Coils: values})
	return err
}

// WriteMultipleRegisters writes consecutive holding registers starting at address (function 0x10).
func (c *Client) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error {
	_, err := c.do(ctx, domain.Operation{Kind: domain.OpWriteMultipleRegisters, Address: address, Registers: values})
	return err
}

// MaskWriteRegister sets register address to (current AND andMask) OR
// (orMask AND NOT andMask) (function 0x16).
func (c *Client) MaskWriteRegister(ctx context.Context, address, andMask, orMask uint16) error {
	_, err := c.do(ctx, domain.Operation{Kind: domain.OpMaskWriteRegister, Address: address, AndMask: andMask, OrMask: orMask})
	return err
}

// Execute performs the operation described by op.
func (c *Client) Execute(ctx context.Context, op domain.Operation) (domain.Result, error) {
	return c.do(ctx, op)
}
