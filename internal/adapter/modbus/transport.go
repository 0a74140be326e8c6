package modbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/rs/zerolog"
)

// Handle is a live connection to a remote unit. A Handle is owned by the
// connection state and is only used while holding its lock, so
// implementations need not be safe for concurrent use.
type Handle interface {
	// SetUnitID retargets the connection without reopening it.
	SetUnitID(id byte)

	// Call issues op and returns the raw response payload.
	Call(op domain.Operation) ([]byte, error)

	// Close releases the connection.
	Close() error
}

// Dialer opens handles to a resolved endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, unitID byte) (Handle, error)
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// TCPDialer opens Modbus TCP connections with goburrow/modbus.
type TCPDialer struct {
	// Timeout is the connect and response timeout
	Timeout time.Duration

	// IdleTimeout closes an unused connection; zero keeps it open
	IdleTimeout time.Duration

	// FrameLogger receives raw frame traces when non-nil
	FrameLogger *zerolog.Logger
}

// Dial connects to endpoint. The connect itself is not interruptible, so a
// cancelled ctx abandons the attempt and closes the handler once it returns.
func (d *TCPDialer) Dial(ctx context.Context, endpoint string, unitID byte) (Handle, error) {
	handler := modbus.NewTCPClientHandler(endpoint)
	if d.Timeout > 0 {
		handler.Timeout = d.Timeout
	}
	handler.IdleTimeout = d.IdleTimeout
	handler.SlaveId = unitID
	if d.FrameLogger != nil {
		handler.Logger = log.New(*d.FrameLogger, "", 0)
	}

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- handler.Connect()
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-connectDone; err == nil {
				handler.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, ctx.Err())
	}

	return &tcpHandle{handler: handler, client: modbus.NewClient(handler)}, nil
}

type tcpHandle struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func (h *tcpHandle) SetUnitID(id byte) {
	h.handler.SlaveId = id
}

func (h *tcpHandle) Close() error {
	return h.handler.Close()
}

func (h *tcpHandle) Call(op domain.Operation) ([]byte, error) {
	var (
		result []byte
		err    error
	)

	switch op.Kind {
	case domain.OpReadCoils:
		result, err = h.client.ReadCoils(op.Address, op.Quantity)
	case domain.OpReadDiscreteInputs:
		result, err = h.client.ReadDiscreteInputs(op.Address, op.Quantity)
	case domain.OpReadHoldingRegisters:
		result, err = h.client.ReadHoldingRegisters(op.Address, op.Quantity)
	case domain.OpReadInputRegisters:
		result, err = h.client.ReadInputRegisters(op.Address, op.Quantity)
	case domain.OpReadWriteMultipleRegisters:
		result, err = h.client.ReadWriteMultipleRegisters(op.Address, op.Quantity,
			op.WriteAddress, uint16(len(op.Registers)), registersToBytes(op.Registers))
	case domain.OpWriteSingleCoil:
		var value uint16
		if op.Coils[0] {
			value = 0xFF00
		}
		result, err = h.client.WriteSingleCoil(op.Address, value)
	case domain.OpWriteSingleRegister:
		result, err = h.client.WriteSingleRegister(op.Address, op.Registers[0])
	case domain.OpWriteMultipleCoils:
		result, err = h.client.WriteMultipleCoils(op.Address, uint16(len(op.Coils)), packBits(op.Coils))
	case domain.OpWriteMultipleRegisters:
		result, err = h.client.WriteMultipleRegisters(op.Address, uint16(len(op.Registers)), registersToBytes(op.Registers))
	case domain.OpMaskWriteRegister:
		result, err = h.client.MaskWriteRegister(op.Address, op.AndMask, op.OrMask)
	default:
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidOperation, uint8(op.Kind))
	}

	if err != nil {
		return nil, translateModbusError(err)
	}
	return result, nil
}

// translateModbusError converts goburrow errors to domain errors. Exception
// responses keep their codes; everything else is a transport failure.
func translateModbusError(err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &domain.ExceptionError{
			FunctionCode:  mbErr.FunctionCode,
			ExceptionCode: mbErr.ExceptionCode,
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrTransport, err)
}
