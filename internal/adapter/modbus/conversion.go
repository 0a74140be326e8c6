// Package modbus provides data conversion utilities for Modbus communication.
package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/nexus-edge/robust-modbus/internal/domain"
)

// packBits packs bool values LSB-first into bytes, as coils are sent on the wire.
func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// unpackBits expands quantity bits from a packed response.
func unpackBits(data []byte, quantity uint16) ([]bool, error) {
	if len(data) < (int(quantity)+7)/8 {
		return nil, fmt.Errorf("%w: %d bytes for %d bits", domain.ErrInvalidDataLength, len(data), quantity)
	}
	out := make([]bool, quantity)
	for i := range out {
		out[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return out, nil
}

// registersToBytes encodes registers big-endian.
func registersToBytes(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// bytesToRegisters decodes quantity big-endian registers.
func bytesToRegisters(data []byte, quantity uint16) ([]uint16, error) {
	if len(data) < int(quantity)*2 {
		return nil, fmt.Errorf("%w: %d bytes for %d registers", domain.ErrInvalidDataLength, len(data), quantity)
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out, nil
}

// decodeResult turns the raw payload of op into a Result.
func decodeResult(op domain.Operation, data []byte) (domain.Result, error) {
	switch {
	case op.Kind.ReturnsBits():
		bits, err := unpackBits(data, op.Quantity)
		return domain.Result{Bits: bits}, err
	case op.Kind.ReturnsRegisters():
		regs, err := bytesToRegisters(data, op.Quantity)
		return domain.Result{Registers: regs}, err
	default:
		return domain.Result{}, nil
	}
}
