package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/adapter/config"
	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/nexus-edge/robust-modbus/testing/testutil"
)

func TestLoadBlocks(t *testing.T) {
	path := testutil.WriteTemp(t, "blocks.yaml", `
version: "1"
blocks:
  - name: temperatures
    kind: holding_registers
    address: 0
    quantity: 4
    interval: 500ms
  - name: alarms
    kind: coils
    address: 100
    quantity: 16
  - name: spare
    kind: input_registers
    address: 10
    quantity: 2
    enabled: false
`)

	blocks, err := config.LoadBlocks(path, 2*time.Second)
	testutil.RequireNoError(t, err)

	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}

	temps := blocks[0]
	if temps.Kind != domain.BlockHoldingRegisters || temps.Quantity != 4 || temps.Interval != 500*time.Millisecond {
		t.Errorf("unexpected temperatures block: %+v", temps)
	}
	if !temps.Enabled {
		t.Error("expected blocks to be enabled by default")
	}

	alarms := blocks[1]
	if alarms.Interval != 2*time.Second {
		t.Errorf("expected default interval 2s, got %v", alarms.Interval)
	}
	if alarms.Address != 100 {
		t.Errorf("expected address 100, got %d", alarms.Address)
	}

	if blocks[2].Enabled {
		t.Error("expected spare block to be disabled")
	}
}

func TestParseBlocksErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "Duplicate name",
			yaml:    "blocks:\n  - {name: a, kind: coils, quantity: 1}\n  - {name: a, kind: coils, quantity: 1}\n",
			wantErr: "duplicate block name",
		},
		{
			name:    "Unknown kind",
			yaml:    "blocks:\n  - {name: a, kind: registers, quantity: 1}\n",
			wantErr: domain.ErrInvalidBlockKind.Error(),
		},
		{
			name:    "Quantity too large",
			yaml:    "blocks:\n  - {name: a, kind: holding_registers, quantity: 126}\n",
			wantErr: domain.ErrInvalidQuantity.Error(),
		},
		{
			name:    "Address out of range",
			yaml:    "blocks:\n  - {name: a, kind: coils, address: 70000, quantity: 1}\n",
			wantErr: "out of range",
		},
		{
			name:    "Bad interval",
			yaml:    "blocks:\n  - {name: a, kind: coils, quantity: 1, interval: soon}\n",
			wantErr: "invalid interval",
		},
		{
			name:    "Interval too short",
			yaml:    "blocks:\n  - {name: a, kind: coils, quantity: 1, interval: 10ms}\n",
			wantErr: domain.ErrPollIntervalTooShort.Error(),
		},
		{
			name:    "Missing name",
			yaml:    "blocks:\n  - {kind: coils, quantity: 1}\n",
			wantErr: domain.ErrBlockNameRequired.Error(),
		},
		{
			name:    "Malformed YAML",
			yaml:    "blocks: [",
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseBlocks([]byte(tt.yaml), time.Second)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadBlocksMissingFile(t *testing.T) {
	_, err := config.LoadBlocks(t.TempDir()+"/none.yaml", time.Second)
	testutil.RequireError(t, err)
}
