// Package domain contains core business entities.
package domain

import (
	"errors"
	"fmt"
)

// Connection errors.
var (
	ErrNotYetConnected    = errors.New("not yet connected")
	ErrAddressResolution  = errors.New("cannot resolve hostname")
	ErrTransport          = errors.New("transport error")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrClientClosed       = errors.New("client closed")
	ErrAddressRequired    = errors.New("modbus address is required")
)

// Protocol errors.
var (
	ErrProtocol                     = errors.New("modbus exception response")
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
	ErrModbusUnknownException       = errors.New("modbus: unknown exception")
)

// Request validation errors.
var (
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInvalidOperation     = errors.New("invalid operation kind")
	ErrInvalidDataLength    = errors.New("invalid data length")
	ErrWriteValuesMissing   = errors.New("write values are required")
	ErrInvalidBlockKind     = errors.New("invalid block kind")
	ErrBlockNameRequired    = errors.New("block name is required")
	ErrPollIntervalTooShort = errors.New("poll interval must be at least 100ms")
)

// Service errors.
var (
	ErrServiceStopped = errors.New("service has been stopped")
	ErrBlockExists    = errors.New("block already exists")
	ErrBlockNotFound  = errors.New("block not found")
	ErrNotConnected   = errors.New("MQTT client not connected")
	ErrPublishFailed  = errors.New("MQTT publish failed")

	ErrSubscribeFailed  = errors.New("MQTT subscribe failed")
	ErrInvalidCommand   = errors.New("invalid command")
	ErrBlockNotWritable = errors.New("block is not writable")
	ErrHandlerStopped   = errors.New("command handler stopped")
)

// ExceptionError is a well-formed exception response from the remote unit.
// It matches ErrProtocol and the sentinel for its exception code with errors.Is.
type ExceptionError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("%v (function 0x%02x, exception 0x%02x)",
		ModbusExceptionToError(e.ExceptionCode), e.FunctionCode, e.ExceptionCode)
}

// Is reports whether target is ErrProtocol or the sentinel for the exception code.
func (e *ExceptionError) Is(target error) bool {
	return target == ErrProtocol || target == ModbusExceptionToError(e.ExceptionCode)
}

// IsProtocolError reports whether err is an exception response rather than a
// connectivity problem.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrModbusUnknownException
	}
}
