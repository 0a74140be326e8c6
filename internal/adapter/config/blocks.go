package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/domain"
	"gopkg.in/yaml.v3"
)

// BlockConfig represents a poll block in YAML.
type BlockConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Address  int    `yaml:"address"`
	Quantity int    `yaml:"quantity"`
	Interval string `yaml:"interval,omitempty"`
	Enabled  *bool  `yaml:"enabled,omitempty"`
}

// BlocksFile represents the top-level blocks configuration file.
type BlocksFile struct {
	Version string        `yaml:"version"`
	Blocks  []BlockConfig `yaml:"blocks"`
}

// LoadBlocks loads poll block definitions from a YAML file. Blocks without
// an interval use defaultInterval; blocks are enabled unless stated otherwise.
func LoadBlocks(path string, defaultInterval time.Duration) ([]*domain.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blocks file: %w", err)
	}
	return ParseBlocks(data, defaultInterval)
}

// ParseBlocks parses and validates YAML poll block definitions.
func ParseBlocks(data []byte, defaultInterval time.Duration) ([]*domain.Block, error) {
	var file BlocksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse blocks file: %w", err)
	}

	// Track seen names to detect duplicates
	seen := make(map[string]int)
	blocks := make([]*domain.Block, 0, len(file.Blocks))

	for idx, bc := range file.Blocks {
		if prevIdx, exists := seen[bc.Name]; exists {
			return nil, fmt.Errorf("duplicate block name '%s' at index %d (first seen at index %d)", bc.Name, idx, prevIdx)
		}
		seen[bc.Name] = idx

		block, err := convertBlockConfig(bc, defaultInterval)
		if err != nil {
			return nil, fmt.Errorf("error in block %q (index %d): %w", bc.Name, idx, err)
		}
		blocks = append(blocks, block)
	}

	return blocks, nil
}

// convertBlockConfig converts a BlockConfig to a validated domain.Block.
func convertBlockConfig(bc BlockConfig, defaultInterval time.Duration) (*domain.Block, error) {
	if bc.Address < 0 || bc.Address > 0xFFFF {
		return nil, fmt.Errorf("address %d out of range", bc.Address)
	}
	if bc.Quantity < 0 || bc.Quantity > 0xFFFF {
		return nil, fmt.Errorf("quantity %d out of range", bc.Quantity)
	}

	interval := defaultInterval
	if bc.Interval != "" {
		var err error
		interval, err = time.ParseDuration(bc.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid interval: %w", err)
		}
	}

	enabled := true
	if bc.Enabled != nil {
		enabled = *bc.Enabled
	}

	block := &domain.Block{
		Name:     bc.Name,
		Kind:     domain.BlockKind(bc.Kind),
		Address:  uint16(bc.Address),
		Quantity: uint16(bc.Quantity),
		Interval: interval,
		Enabled:  enabled,
	}
	if err := block.Validate(); err != nil {
		return nil, err
	}
	return block, nil
}
