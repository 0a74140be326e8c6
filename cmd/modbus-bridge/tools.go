package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/adapter/modbus"
	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/spf13/cobra"
)

var toolFlags struct {
	Kind     string
	Address  uint16
	Quantity uint16
	Timeout  time.Duration
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read one block of coils, discrete inputs or registers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := readOperation(domain.BlockKind(toolFlags.Kind), toolFlags.Address, toolFlags.Quantity)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *modbus.Client) error {
			res, err := c.Execute(ctx, op)
			if err != nil {
				return err
			}
			out := map[string]interface{}{
				"kind":    toolFlags.Kind,
				"address": toolFlags.Address,
			}
			if res.Bits != nil {
				out["bits"] = res.Bits
			} else {
				out["registers"] = res.Registers
			}
			return printJSON(cmd, out)
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write VALUE...",
	Short: "Write coils (true/false) or holding registers (0-65535)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := writeOperation(domain.BlockKind(toolFlags.Kind), toolFlags.Address, args)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *modbus.Client) error {
			if _, err := c.Execute(ctx, op); err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"operation": op.Kind.String(),
				"address":   op.Address,
				"written":   len(args),
			})
		})
	},
}

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Check the connection to the unit and print client diagnostics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *modbus.Client) error {
			err := c.HealthCheck(ctx)
			if perr := printJSON(cmd, c.Diagnostics()); perr != nil {
				return perr
			}
			return err
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{readCmd, writeCmd} {
		c.Flags().StringVarP(&toolFlags.Kind, "kind", "k", string(domain.BlockHoldingRegisters),
			"coils, discrete_inputs, holding_registers or input_registers")
		c.Flags().Uint16VarP(&toolFlags.Address, "start", "s", 0, "start address")
	}
	readCmd.Flags().Uint16VarP(&toolFlags.Quantity, "quantity", "n", 1, "number of bits or registers")
	for _, c := range []*cobra.Command{readCmd, writeCmd, diagCmd} {
		c.Flags().DurationVar(&toolFlags.Timeout, "timeout", 10*time.Second, "overall deadline")
	}
}

func readOperation(kind domain.BlockKind, address, quantity uint16) (domain.Operation, error) {
	opKind, ok := kind.Operation()
	if !ok {
		return domain.Operation{}, fmt.Errorf("%w: %q", domain.ErrInvalidBlockKind, kind)
	}
	op := domain.Operation{Kind: opKind, Address: address, Quantity: quantity}
	return op, op.Validate()
}

// writeOperation picks the single or multiple write for the number of values.
func writeOperation(kind domain.BlockKind, address uint16, args []string) (domain.Operation, error) {
	op := domain.Operation{Address: address}
	switch kind {
	case domain.BlockCoils:
		for _, a := range args {
			v, err := strconv.ParseBool(a)
			if err != nil {
				return domain.Operation{}, fmt.Errorf("invalid coil value %q: %w", a, err)
			}
			op.Coils = append(op.Coils, v)
		}
		op.Kind = domain.OpWriteMultipleCoils
		if len(op.Coils) == 1 {
			op.Kind = domain.OpWriteSingleCoil
		}
	case domain.BlockHoldingRegisters:
		for _, a := range args {
			v, err := strconv.ParseUint(a, 0, 16)
			if err != nil {
				return domain.Operation{}, fmt.Errorf("invalid register value %q: %w", a, err)
			}
			op.Registers = append(op.Registers, uint16(v))
		}
		op.Kind = domain.OpWriteMultipleRegisters
		if len(op.Registers) == 1 {
			op.Kind = domain.OpWriteSingleRegister
		}
	default:
		return domain.Operation{}, fmt.Errorf("%w: %s", domain.ErrBlockNotWritable, kind)
	}
	return op, op.Validate()
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *modbus.Client) error) error {
	client, err := newModbusClient(cfg.Modbus, logger, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), toolFlags.Timeout)
	defer cancel()
	return fn(ctx, client)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
