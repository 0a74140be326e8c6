// Package service provides the polling service that reads configured blocks
// through the resilient Modbus client and publishes them to MQTT, and the
// command handler that routes MQTT write commands back to the unit.
package service

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/nexus-edge/robust-modbus/internal/metrics"
	"github.com/nexus-edge/robust-modbus/pkg/logging"
	"github.com/rs/zerolog"
)

func sanitizeTopicSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "#", "_")
	s = strings.ReplaceAll(s, "+", "_")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.Trim(s, "_")
	return s
}

// TopicForBlock returns the topic readings of block are published under.
func TopicForBlock(prefix, block string) string {
	suffix := sanitizeTopicSegment(block)
	if suffix == "" {
		return prefix
	}
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

// Reader executes a single Modbus operation. *modbus.Client satisfies it.
type Reader interface {
	Execute(ctx context.Context, op domain.Operation) (domain.Result, error)
}

// Publisher interface defines the methods needed for publishing readings.
type Publisher interface {
	Publish(ctx context.Context, reading *domain.Reading) error
}

// PollingService reads every registered block on its own interval and
// publishes the outcome, good or not, as a Reading.
type PollingService struct {
	config     PollingConfig
	reader     Reader
	publisher  Publisher
	logger     zerolog.Logger
	metrics    *metrics.Registry
	blocks     map[string]*blockPoller
	mu         sync.RWMutex
	started    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	workerPool chan struct{}
	stats      *PollingStats
}

// PollingConfig holds configuration for the polling service.
type PollingConfig struct {
	WorkerCount     int
	DefaultInterval time.Duration
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	TopicPrefix     string

	// PublishFailures publishes a value-less reading carrying the failure
	// quality when a read fails.
	PublishFailures bool
}

// PollingStats tracks polling statistics.
type PollingStats struct {
	TotalPolls        atomic.Uint64
	SuccessPolls      atomic.Uint64
	FailedPolls       atomic.Uint64
	SkippedPolls      atomic.Uint64 // Polls skipped due to back-pressure
	ValuesRead        atomic.Uint64
	ReadingsPublished atomic.Uint64
	PublishErrors     atomic.Uint64
}

// blockPoller manages polling for a single block.
type blockPoller struct {
	block     *domain.Block
	topic     string
	logger    zerolog.Logger
	stopChan  chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
	lastPoll  time.Time
	lastError error
	stats     blockStats
	mu        sync.RWMutex
}

// blockStats tracks per-block statistics.
type blockStats struct {
	pollCount    atomic.Uint64
	errorCount   atomic.Uint64
	skippedCount atomic.Uint64 // Back-pressure skips
	valuesRead   atomic.Uint64
}

func (bp *blockPoller) stop() {
	bp.stopOnce.Do(func() {
		close(bp.stopChan)
	})
}

// NewPollingService creates a new polling service.
func NewPollingService(
	config PollingConfig,
	reader Reader,
	publisher Publisher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *PollingService {
	// Apply defaults
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.DefaultInterval <= 0 {
		config.DefaultInterval = 1 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	return &PollingService{
		config:     config,
		reader:     reader,
		publisher:  publisher,
		logger:     logger.With().Str("component", "polling-service").Logger(),
		metrics:    metricsReg,
		blocks:     make(map[string]*blockPoller),
		workerPool: make(chan struct{}, config.WorkerCount),
		stats:      &PollingStats{},
	}
}

// Start begins polling all registered blocks.
func (s *PollingService) Start(ctx context.Context) error {
	if s.started.Load() {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	s.mu.RLock()
	defer s.mu.RUnlock()

	s.logger.Info().
		Int("blocks", len(s.blocks)).
		Int("workers", s.config.WorkerCount).
		Msg("Starting polling service")

	for _, bp := range s.blocks {
		s.startBlockPoller(bp)
	}

	return nil
}

// Stop gracefully stops the polling service, waiting for in-flight polls
// until ctx expires.
func (s *PollingService) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	s.logger.Info().Msg("Stopping polling service")

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		s.logger.Info().Msg("All pollers stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for pollers to stop")
		err = ctx.Err()
	}

	s.started.Store(false)
	return err
}

// RegisterBlock registers a block for polling. Blocks without an interval
// use the default interval. Disabled blocks are ignored.
func (s *PollingService) RegisterBlock(block *domain.Block) error {
	if block.Interval == 0 {
		block.Interval = s.config.DefaultInterval
	}
	if err := block.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blocks[block.Name]; exists {
		return domain.ErrBlockExists
	}

	if !block.Enabled {
		s.logger.Debug().Str("block", block.Name).Msg("Skipping disabled block")
		return nil
	}

	bp := &blockPoller{
		block:    block,
		topic:    TopicForBlock(s.config.TopicPrefix, block.Name),
		logger:   logging.WithBlockContext(s.logger, block.Name, string(block.Kind)),
		stopChan: make(chan struct{}),
	}
	s.blocks[block.Name] = bp

	s.logger.Info().
		Str("block", block.Name).
		Str("kind", string(block.Kind)).
		Uint16("address", block.Address).
		Uint16("quantity", block.Quantity).
		Dur("poll_interval", block.Interval).
		Msg("Registered block for polling")

	if s.started.Load() {
		s.startBlockPoller(bp)
	}

	return nil
}

// UnregisterBlock stops polling and removes a block.
func (s *PollingService) UnregisterBlock(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bp, exists := s.blocks[name]
	if !exists {
		return domain.ErrBlockNotFound
	}

	bp.stop()
	delete(s.blocks, name)

	s.logger.Info().Str("block", name).Msg("Unregistered block")
	return nil
}

// startBlockPoller starts the polling loop for a block. The first poll is
// delayed by 0-10% of the interval so blocks do not poll in lockstep.
func (s *PollingService) startBlockPoller(bp *blockPoller) {
	if bp.running.Load() {
		return
	}

	bp.running.Store(true)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer bp.running.Store(false)

		if jitterMax := bp.block.Interval / 10; jitterMax > 0 {
			timer := time.NewTimer(time.Duration(rand.Int63n(int64(jitterMax))))
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-bp.stopChan:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		bp.logger.Debug().
			Dur("interval", bp.block.Interval).
			Msg("Starting block poller")

		ticker := time.NewTicker(bp.block.Interval)
		defer ticker.Stop()

		s.pollBlock(bp)

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-bp.stopChan:
				return
			case <-ticker.C:
				s.pollBlock(bp)
			}
		}
	}()
}

// pollBlock performs a single poll of a block. A poll is skipped rather than
// queued when all workers are busy.
func (s *PollingService) pollBlock(bp *blockPoller) {
	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	case <-s.ctx.Done():
		return
	default:
		s.stats.SkippedPolls.Add(1)
		bp.stats.skippedCount.Add(1)
		if s.metrics != nil {
			s.metrics.RecordPollSkipped()
		}
		bp.logger.Debug().
			Msg("Poll skipped: worker pool full (back-pressure)")
		return
	}

	if s.metrics != nil {
		s.metrics.WorkersInUse.Inc()
		defer s.metrics.WorkersInUse.Dec()
	}

	s.stats.TotalPolls.Add(1)
	bp.stats.pollCount.Add(1)

	startTime := time.Now()

	readCtx, readCancel := context.WithTimeout(s.ctx, s.config.ReadTimeout)
	result, err := s.reader.Execute(readCtx, bp.block.Operation())
	readCancel()

	reading := &domain.Reading{
		Block:     bp.block.Name,
		Topic:     bp.topic,
		Quality:   domain.QualityFor(err),
		Timestamp: time.Now(),
	}

	bp.mu.Lock()
	bp.lastError = err
	if err == nil {
		bp.lastPoll = reading.Timestamp
	}
	bp.mu.Unlock()

	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.stats.FailedPolls.Add(1)
		bp.stats.errorCount.Add(1)
		if s.metrics != nil {
			s.metrics.RecordPollError(bp.block.Name)
		}
		bp.logger.Warn().
			Err(err).
			Str("quality", string(reading.Quality)).
			Msg("Failed to read block")
		if s.config.PublishFailures {
			s.publish(reading)
		}
		return
	}

	reading.Bits = result.Bits
	reading.Registers = result.Registers
	values := len(result.Bits) + len(result.Registers)

	s.stats.SuccessPolls.Add(1)
	s.stats.ValuesRead.Add(uint64(values))
	bp.stats.valuesRead.Add(uint64(values))

	s.publish(reading)

	duration := time.Since(startTime)
	if s.metrics != nil {
		s.metrics.RecordPollSuccess(bp.block.Name, duration.Seconds(), values)
	}

	bp.logger.Debug().
		Int("values", values).
		Dur("duration", duration).
		Msg("Poll cycle completed")
}

// publish uses the service context so a slow read does not eat into the
// publish deadline.
func (s *PollingService) publish(reading *domain.Reading) {
	if err := s.publisher.Publish(s.ctx, reading); err != nil {
		s.stats.PublishErrors.Add(1)
		s.logger.Warn().
			Err(err).
			Str("block", reading.Block).
			Str("topic", reading.Topic).
			Msg("Failed to publish reading")
		return
	}
	s.stats.ReadingsPublished.Add(1)
}

// Block status values reported by GetBlockStatus.
const (
	BlockStatusOnline  = "online"
	BlockStatusError   = "error"
	BlockStatusUnknown = "unknown"
)

// BlockStatus holds the current status of a polled block.
type BlockStatus struct {
	Name         string
	Topic        string
	Address      uint16
	Quantity     uint16
	Status       string
	Running      bool
	LastPoll     time.Time
	LastError    error
	PollCount    uint64
	ErrorCount   uint64
	SkippedCount uint64
	ValuesRead   uint64
}

// GetBlockStatus returns the status of a block.
func (s *PollingService) GetBlockStatus(name string) (*BlockStatus, error) {
	s.mu.RLock()
	bp, exists := s.blocks[name]
	s.mu.RUnlock()

	if !exists {
		return nil, domain.ErrBlockNotFound
	}

	bp.mu.RLock()
	defer bp.mu.RUnlock()

	status := &BlockStatus{
		Name:         name,
		Topic:        bp.topic,
		Address:      bp.block.Address,
		Quantity:     bp.block.Quantity,
		Running:      bp.running.Load(),
		LastPoll:     bp.lastPoll,
		LastError:    bp.lastError,
		PollCount:    bp.stats.pollCount.Load(),
		ErrorCount:   bp.stats.errorCount.Load(),
		SkippedCount: bp.stats.skippedCount.Load(),
		ValuesRead:   bp.stats.valuesRead.Load(),
	}

	switch {
	case bp.lastError != nil:
		status.Status = BlockStatusError
	case !bp.lastPoll.IsZero():
		status.Status = BlockStatusOnline
	default:
		status.Status = BlockStatusUnknown
	}

	return status, nil
}

// StatsSnapshot holds a point-in-time snapshot of polling statistics.
type StatsSnapshot struct {
	TotalPolls        uint64
	SuccessPolls      uint64
	FailedPolls       uint64
	SkippedPolls      uint64
	ValuesRead        uint64
	ReadingsPublished uint64
	PublishErrors     uint64
}

// Stats returns a snapshot of the polling service statistics.
func (s *PollingService) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalPolls:        s.stats.TotalPolls.Load(),
		SuccessPolls:      s.stats.SuccessPolls.Load(),
		FailedPolls:       s.stats.FailedPolls.Load(),
		SkippedPolls:      s.stats.SkippedPolls.Load(),
		ValuesRead:        s.stats.ValuesRead.Load(),
		ReadingsPublished: s.stats.ReadingsPublished.Load(),
		PublishErrors:     s.stats.PublishErrors.Load(),
	}
}
