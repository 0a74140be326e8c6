package domain

import "fmt"

// OperationKind identifies one Modbus function supported by the client.
// The set is closed.
type OperationKind uint8

const (
	OpReadCoils OperationKind = iota + 1
	OpReadDiscreteInputs
	OpReadHoldingRegisters
	OpReadInputRegisters
	OpReadWriteMultipleRegisters
	OpWriteSingleCoil
	OpWriteSingleRegister
	OpWriteMultipleCoils
	OpWriteMultipleRegisters
	OpMaskWriteRegister
)

// Protocol limits on quantities per request.
const (
	MaxReadBits           = 2000
	MaxReadRegisters      = 125
	MaxWriteBits          = 1968
	MaxWriteRegisters     = 123
	MaxReadWriteRegsRead  = 125
	MaxReadWriteRegsWrite = 121
)

var operationNames = map[OperationKind]string{
	OpReadCoils:                  "read_coils",
	OpReadDiscreteInputs:         "read_discrete_inputs",
	OpReadHoldingRegisters:       "read_holding_registers",
	OpReadInputRegisters:         "read_input_registers",
	OpReadWriteMultipleRegisters: "read_write_multiple_registers",
	OpWriteSingleCoil:            "write_single_coil",
	OpWriteSingleRegister:        "write_single_register",
	OpWriteMultipleCoils:         "write_multiple_coils",
	OpWriteMultipleRegisters:     "write_multiple_registers",
	OpMaskWriteRegister:          "mask_write_register",
}

var functionCodes = map[OperationKind]byte{
	OpReadCoils:                  0x01,
	OpReadDiscreteInputs:         0x02,
	OpReadHoldingRegisters:       0x03,
	OpReadInputRegisters:         0x04,
	OpWriteSingleCoil:            0x05,
	OpWriteSingleRegister:        0x06,
	OpWriteMultipleCoils:         0x0F,
	OpWriteMultipleRegisters:     0x10,
	OpMaskWriteRegister:          0x16,
	OpReadWriteMultipleRegisters: 0x17,
}

// String returns the snake_case name used in logs and metric labels.
func (k OperationKind) String() string {
	if name, ok := operationNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// ParseOperationKind returns the kind named name, as produced by String.
func ParseOperationKind(name string) (OperationKind, bool) {
	for k, n := range operationNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// FunctionCode returns the Modbus function code of the operation.
func (k OperationKind) FunctionCode() byte {
	return functionCodes[k]
}

// IsValid returns true if k is one of the defined kinds.
func (k OperationKind) IsValid() bool {
	_, ok := operationNames[k]
	return ok
}

// IsWrite returns true if the operation modifies the remote unit.
func (k OperationKind) IsWrite() bool {
	switch k {
	case OpWriteSingleCoil, OpWriteSingleRegister, OpWriteMultipleCoils,
		OpWriteMultipleRegisters, OpMaskWriteRegister, OpReadWriteMultipleRegisters:
		return true
	default:
		return false
	}
}

// ReturnsBits returns true if the response payload is a packed bit field.
func (k OperationKind) ReturnsBits() bool {
	return k == OpReadCoils || k == OpReadDiscreteInputs
}

// ReturnsRegisters returns true if the response payload is a register list.
func (k OperationKind) ReturnsRegisters() bool {
	return k == OpReadHoldingRegisters || k == OpReadInputRegisters || k == OpReadWriteMultipleRegisters
}

// Operation describes a single protocol call. Write payloads are borrowed
// from the caller for the duration of the call and must not be retained.
type Operation struct {
	Kind    OperationKind
	Address uint16

	// Quantity is the number of bits or registers to read.
	Quantity uint16

	// WriteAddress is the write start address of ReadWriteMultipleRegisters.
	WriteAddress uint16

	Coils     []bool
	Registers []uint16

	AndMask uint16
	OrMask  uint16
}

// Validate checks the operation against the protocol limits.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpReadCoils, OpReadDiscreteInputs:
		return checkQuantity(op.Kind, int(op.Quantity), MaxReadBits)
	case OpReadHoldingRegisters, OpReadInputRegisters:
		return checkQuantity(op.Kind, int(op.Quantity), MaxReadRegisters)
	case OpReadWriteMultipleRegisters:
		if err := checkQuantity(op.Kind, int(op.Quantity), MaxReadWriteRegsRead); err != nil {
			return err
		}
		return checkQuantity(op.Kind, len(op.Registers), MaxReadWriteRegsWrite)
	case OpWriteSingleCoil:
		if len(op.Coils) != 1 {
			return fmt.Errorf("%w: %s expects exactly one value", ErrWriteValuesMissing, op.Kind)
		}
		return nil
	case OpWriteSingleRegister:
		if len(op.Registers) != 1 {
			return fmt.Errorf("%w: %s expects exactly one value", ErrWriteValuesMissing, op.Kind)
		}
		return nil
	case OpWriteMultipleCoils:
		return checkQuantity(op.Kind, len(op.Coils), MaxWriteBits)
	case OpWriteMultipleRegisters:
		return checkQuantity(op.Kind, len(op.Registers), MaxWriteRegisters)
	case OpMaskWriteRegister:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrInvalidOperation, uint8(op.Kind))
	}
}

func checkQuantity(kind OperationKind, n, limit int) error {
	if n < 1 || n > limit {
		return fmt.Errorf("%w: %s quantity %d out of range 1..%d", ErrInvalidQuantity, kind, n, limit)
	}
	return nil
}

// Result is the decoded payload of a completed operation. Exactly one of the
// fields is populated for read operations; writes return an empty Result.
type Result struct {
	Bits      []bool
	Registers []uint16
}
