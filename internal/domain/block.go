package domain

import (
	"fmt"
	"time"
)

// BlockKind is the data region a poll block reads.
type BlockKind string

const (
	BlockCoils            BlockKind = "coils"
	BlockDiscreteInputs   BlockKind = "discrete_inputs"
	BlockHoldingRegisters BlockKind = "holding_registers"
	BlockInputRegisters   BlockKind = "input_registers"
)

// Operation returns the read operation kind for the block kind.
func (k BlockKind) Operation() (OperationKind, bool) {
	switch k {
	case BlockCoils:
		return OpReadCoils, true
	case BlockDiscreteInputs:
		return OpReadDiscreteInputs, true
	case BlockHoldingRegisters:
		return OpReadHoldingRegisters, true
	case BlockInputRegisters:
		return OpReadInputRegisters, true
	default:
		return 0, false
	}
}

// Block is a contiguous range of one data region polled on a fixed interval.
type Block struct {
	// Name identifies the block and is the last topic segment of its readings
	Name string `json:"name" yaml:"name"`

	Kind     BlockKind `json:"kind" yaml:"kind"`
	Address  uint16    `json:"address" yaml:"address"`
	Quantity uint16    `json:"quantity" yaml:"quantity"`

	// Interval between polls
	Interval time.Duration `json:"interval" yaml:"interval"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Operation builds the read descriptor for one poll of the block.
func (b *Block) Operation() Operation {
	kind, _ := b.Kind.Operation()
	return Operation{Kind: kind, Address: b.Address, Quantity: b.Quantity}
}

// Validate checks the block definition.
func (b *Block) Validate() error {
	if b.Name == "" {
		return ErrBlockNameRequired
	}
	if _, ok := b.Kind.Operation(); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidBlockKind, b.Kind)
	}
	if b.Interval < 100*time.Millisecond {
		return ErrPollIntervalTooShort
	}
	return b.Operation().Validate()
}
