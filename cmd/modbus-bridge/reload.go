package main

import (
	"errors"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/adapter/config"
	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/rs/zerolog"
)

// blockRegistry is the polling side of a block reload.
type blockRegistry interface {
	RegisterBlock(block *domain.Block) error
	UnregisterBlock(name string) error
}

// blockCatalog is the command side of a block reload.
type blockCatalog interface {
	AddBlock(block *domain.Block)
	RemoveBlock(name string)
}

// blockReloader applies a re-read blocks file to the running services.
type blockReloader struct {
	path            string
	defaultInterval time.Duration
	polling         blockRegistry
	commands        blockCatalog // nil when write commands are disabled
	logger          zerolog.Logger

	current map[string]*domain.Block
}

func newBlockReloader(path string, defaultInterval time.Duration, polling blockRegistry, logger zerolog.Logger, blocks []*domain.Block) *blockReloader {
	r := &blockReloader{
		path:            path,
		defaultInterval: defaultInterval,
		polling:         polling,
		logger:          logger,
		current:         make(map[string]*domain.Block, len(blocks)),
	}
	for _, b := range blocks {
		r.current[b.Name] = b
	}
	return r
}

// Reload re-reads the blocks file. Removed and changed blocks are stopped,
// new and changed blocks are started. Unchanged blocks keep polling. A file
// that fails to load leaves the running set untouched.
func (r *blockReloader) Reload() error {
	blocks, err := config.LoadBlocks(r.path, r.defaultInterval)
	if err != nil {
		return err
	}

	next := make(map[string]*domain.Block, len(blocks))
	for _, b := range blocks {
		next[b.Name] = b
	}

	var added, removed, changed int
	for name, old := range r.current {
		nb, ok := next[name]
		if ok && *nb == *old {
			continue
		}
		r.drop(name)
		if ok {
			changed++
		} else {
			removed++
		}
	}

	for name, nb := range next {
		old, ok := r.current[name]
		if ok && *nb == *old {
			next[name] = old
			continue
		}
		if !ok {
			added++
		}
		if err := r.polling.RegisterBlock(nb); err != nil {
			r.logger.Error().Err(err).Str("block", name).Msg("Failed to register block")
		}
		if r.commands != nil {
			r.commands.AddBlock(nb)
		}
	}

	r.current = next
	r.logger.Info().
		Str("path", r.path).
		Int("added", added).
		Int("removed", removed).
		Int("changed", changed).
		Int("count", len(next)).
		Msg("Reloaded block definitions")
	return nil
}

func (r *blockReloader) drop(name string) {
	// Disabled blocks were never registered for polling.
	if err := r.polling.UnregisterBlock(name); err != nil && !errors.Is(err, domain.ErrBlockNotFound) {
		r.logger.Warn().Err(err).Str("block", name).Msg("Failed to unregister block")
	}
	if r.commands != nil {
		r.commands.RemoveBlock(name)
	}
}
