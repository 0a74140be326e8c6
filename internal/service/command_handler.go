package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/rs/zerolog"
)

// Writer executes write operations and retargets the unit address.
// *modbus.Client satisfies it.
type Writer interface {
	Execute(ctx context.Context, op domain.Operation) (domain.Result, error)
	SetUnitID(id byte)
}

// CommandHandler handles commands received via MQTT. Writes are queued and
// executed one at a time; a full queue rejects the command.
type CommandHandler struct {
	mqttClient   mqtt.Client
	writer       Writer
	blocks       map[string]*domain.Block
	blocksMu     sync.RWMutex
	logger       zerolog.Logger
	config       CommandConfig
	stats        *CommandStats
	running      atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	commandQueue chan WriteCommand
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	// CommandTopicPrefix is the MQTT topic prefix for commands
	// Default: "modbus/cmd"
	CommandTopicPrefix string

	// ResponseTopicPrefix is the MQTT topic prefix for responses
	// Default: "modbus/cmd/response"
	ResponseTopicPrefix string

	// WriteTimeout is the timeout for write operations
	WriteTimeout time.Duration

	// QoS is the MQTT QoS level for command messages
	QoS byte

	// EnableAcknowledgement determines if responses should be published
	EnableAcknowledgement bool

	// CommandQueueSize is the max number of commands to queue before
	// rejecting with "queue full"
	CommandQueueSize int
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		CommandTopicPrefix:    "modbus/cmd",
		ResponseTopicPrefix:   "modbus/cmd/response",
		WriteTimeout:          10 * time.Second,
		QoS:                   1,
		EnableAcknowledgement: true,
		CommandQueueSize:      100,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsRejected  atomic.Uint64
}

// WriteCommand is a write request received via MQTT.
//
// On the write topic Operation names the function (write_single_coil,
// write_multiple_registers, mask_write_register, ...) and Address the start
// address. On a block set topic Block is taken from the topic and Value holds
// a scalar or an array.
type WriteCommand struct {
	// RequestID is a unique identifier for the command (for correlation)
	RequestID string `json:"request_id,omitempty"`

	Operation string          `json:"operation,omitempty"`
	Address   uint16          `json:"address"`
	Coils     []bool          `json:"coils,omitempty"`
	Registers []uint16        `json:"registers,omitempty"`
	AndMask   uint16          `json:"and_mask,omitempty"`
	OrMask    uint16          `json:"or_mask,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`

	Block string `json:"-"`

	// Timestamp is when the command was issued
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// UnitCommand changes the unit address of the client.
type UnitCommand struct {
	RequestID string `json:"request_id,omitempty"`
	UnitID    *int   `json:"unit_id"`
}

// CommandResponse is published in response to a command.
type CommandResponse struct {
	// RequestID correlates with the original command
	RequestID string `json:"request_id,omitempty"`

	Operation string `json:"operation,omitempty"`
	Block     string `json:"block,omitempty"`

	// Success indicates whether the command succeeded
	Success bool `json:"success"`

	// Error contains the error message if the command failed
	Error string `json:"error,omitempty"`

	// Timestamp is when the response was generated
	Timestamp time.Time `json:"timestamp"`

	// Duration is how long the command took
	Duration time.Duration `json:"duration_ms"`
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(
	mqttClient mqtt.Client,
	writer Writer,
	blocks []*domain.Block,
	config CommandConfig,
	logger zerolog.Logger,
) *CommandHandler {
	defaults := DefaultCommandConfig()
	if config.CommandTopicPrefix == "" {
		config.CommandTopicPrefix = defaults.CommandTopicPrefix
	}
	if config.ResponseTopicPrefix == "" {
		config.ResponseTopicPrefix = config.CommandTopicPrefix + "/response"
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.CommandQueueSize <= 0 {
		config.CommandQueueSize = defaults.CommandQueueSize
	}

	h := &CommandHandler{
		mqttClient:   mqttClient,
		writer:       writer,
		blocks:       make(map[string]*domain.Block),
		logger:       logger.With().Str("component", "command-handler").Logger(),
		config:       config,
		stats:        &CommandStats{},
		commandQueue: make(chan WriteCommand, config.CommandQueueSize),
	}
	h.UpdateBlocks(blocks)

	return h
}

func (h *CommandHandler) writeTopic() string {
	return h.config.CommandTopicPrefix + "/write"
}

func (h *CommandHandler) blockSetTopic() string {
	return h.config.CommandTopicPrefix + "/+/set"
}

func (h *CommandHandler) unitTopic() string {
	return h.config.CommandTopicPrefix + "/unit"
}

// SubscribedTopics returns the MQTT topic patterns this handler subscribes to.
func (h *CommandHandler) SubscribedTopics() []string {
	return []string{h.writeTopic(), h.blockSetTopic(), h.unitTopic()}
}

// Start starts the command handler and subscribes to command topics.
func (h *CommandHandler) Start(ctx context.Context) error {
	if h.running.Load() {
		return nil
	}

	h.logger.Info().
		Str("topic_prefix", h.config.CommandTopicPrefix).
		Int("queue_size", h.config.CommandQueueSize).
		Msg("Starting command handler")

	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.processCommandQueue()

	subscriptions := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{h.writeTopic(), h.handleWriteCommand},
		{h.blockSetTopic(), h.handleBlockSetCommand},
		{h.unitTopic(), h.handleUnitCommand},
	}
	for _, sub := range subscriptions {
		token := h.mqttClient.Subscribe(sub.topic, h.config.QoS, sub.handler)
		if token.Wait() && token.Error() != nil {
			h.cancel()
			h.wg.Wait()
			return fmt.Errorf("%w: %s: %v", domain.ErrSubscribeFailed, sub.topic, token.Error())
		}
	}

	h.running.Store(true)
	h.logger.Info().Msg("Command handler started")
	return nil
}

// Stop unsubscribes from the command topics and drains queued commands.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}

	h.mqttClient.Unsubscribe(h.SubscribedTopics()...)
	h.cancel()
	h.wg.Wait()
	h.running.Store(false)

	h.logger.Info().Msg("Command handler stopped")
	return nil
}

// processCommandQueue executes queued writes in arrival order.
func (h *CommandHandler) processCommandQueue() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			h.drainCommandQueue()
			return
		case cmd := <-h.commandQueue:
			h.processWriteCommand(h.ctx, cmd)
		}
	}
}

// drainCommandQueue rejects commands still queued at shutdown.
func (h *CommandHandler) drainCommandQueue() {
	for {
		select {
		case cmd := <-h.commandQueue:
			h.sendResponse(h.responseTopic(cmd), cmd.response(false, domain.ErrHandlerStopped.Error(), 0))
			h.stats.CommandsRejected.Add(1)
		default:
			return
		}
	}
}

// handleWriteCommand handles JSON write commands on <prefix>/write.
func (h *CommandHandler) handleWriteCommand(client mqtt.Client, msg mqtt.Message) {
	h.stats.CommandsReceived.Add(1)

	var cmd WriteCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.logger.Warn().
			Err(err).
			Str("topic", msg.Topic()).
			Msg("Failed to parse write command")
		h.stats.CommandsRejected.Add(1)
		return
	}
	if cmd.Operation == "" {
		h.reject(cmd, fmt.Errorf("%w: operation is required", domain.ErrInvalidCommand))
		return
	}

	h.enqueue(cmd)
}

// handleBlockSetCommand handles <prefix>/<block>/set with a raw JSON value.
func (h *CommandHandler) handleBlockSetCommand(client mqtt.Client, msg mqtt.Message) {
	h.stats.CommandsReceived.Add(1)

	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 2 {
		h.logger.Warn().
			Str("topic", msg.Topic()).
			Msg("Invalid block command topic format")
		h.stats.CommandsRejected.Add(1)
		return
	}

	cmd := WriteCommand{
		Block: parts[len(parts)-2],
		Value: json.RawMessage(msg.Payload()),
	}
	h.enqueue(cmd)
}

// handleUnitCommand handles unit address changes on <prefix>/unit. The
// change is applied asynchronously by the client, so it is acknowledged
// as soon as it is accepted.
func (h *CommandHandler) handleUnitCommand(client mqtt.Client, msg mqtt.Message) {
	h.stats.CommandsReceived.Add(1)

	var cmd UnitCommand
	err := json.Unmarshal(msg.Payload(), &cmd)
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %v", domain.ErrInvalidCommand, err)
	case cmd.UnitID == nil:
		err = fmt.Errorf("%w: unit_id is required", domain.ErrInvalidCommand)
	case *cmd.UnitID < 0 || *cmd.UnitID > 255:
		err = fmt.Errorf("%w: unit_id %d out of range 0..255", domain.ErrInvalidCommand, *cmd.UnitID)
	}

	resp := CommandResponse{RequestID: cmd.RequestID, Operation: "set_unit_id", Timestamp: time.Now()}
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Unit command rejected")
		h.stats.CommandsRejected.Add(1)
		resp.Error = err.Error()
		h.sendResponse(h.config.ResponseTopicPrefix+"/unit", resp)
		return
	}

	h.writer.SetUnitID(byte(*cmd.UnitID))
	h.logger.Info().Int("unit_id", *cmd.UnitID).Msg("Unit address change requested")
	h.stats.CommandsSucceeded.Add(1)
	resp.Success = true
	h.sendResponse(h.config.ResponseTopicPrefix+"/unit", resp)
}

func (h *CommandHandler) enqueue(cmd WriteCommand) {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}

	select {
	case h.commandQueue <- cmd:
	default:
		h.logger.Warn().
			Str("operation", cmd.Operation).
			Str("block", cmd.Block).
			Msg("Command rejected: queue full (back-pressure)")
		h.sendResponse(h.responseTopic(cmd), cmd.response(false, "command queue full, try again later", 0))
		h.stats.CommandsRejected.Add(1)
	}
}

func (h *CommandHandler) reject(cmd WriteCommand, err error) {
	h.logger.Warn().Err(err).Str("request_id", cmd.RequestID).Msg("Command rejected")
	h.sendResponse(h.responseTopic(cmd), cmd.response(false, err.Error(), 0))
	h.stats.CommandsRejected.Add(1)
}

// processWriteCommand builds the operation for cmd and executes it.
func (h *CommandHandler) processWriteCommand(ctx context.Context, cmd WriteCommand) {
	startTime := time.Now()

	op, err := h.buildOperation(cmd)
	if err != nil {
		h.sendResponse(h.responseTopic(cmd), cmd.response(false, err.Error(), time.Since(startTime)))
		h.stats.CommandsFailed.Add(1)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
	defer cancel()

	_, err = h.writer.Execute(writeCtx, op)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("operation", op.Kind.String()).
			Uint16("address", op.Address).
			Str("block", cmd.Block).
			Msg("Write command failed")
		h.sendResponse(h.responseTopic(cmd), cmd.response(false, err.Error(), time.Since(startTime)))
		h.stats.CommandsFailed.Add(1)
		return
	}

	h.logger.Debug().
		Str("operation", op.Kind.String()).
		Uint16("address", op.Address).
		Str("block", cmd.Block).
		Dur("duration", time.Since(startTime)).
		Msg("Write command succeeded")

	h.sendResponse(h.responseTopic(cmd), cmd.response(true, "", time.Since(startTime)))
	h.stats.CommandsSucceeded.Add(1)
}

// buildOperation converts a command into a write operation.
func (h *CommandHandler) buildOperation(cmd WriteCommand) (domain.Operation, error) {
	if cmd.Block != "" {
		return h.buildBlockOperation(cmd)
	}

	kind, ok := domain.ParseOperationKind(cmd.Operation)
	if !ok || !kind.IsWrite() || kind == domain.OpReadWriteMultipleRegisters {
		return domain.Operation{}, fmt.Errorf("%w: unsupported operation %q", domain.ErrInvalidCommand, cmd.Operation)
	}

	op := domain.Operation{
		Kind:      kind,
		Address:   cmd.Address,
		Coils:     cmd.Coils,
		Registers: cmd.Registers,
		AndMask:   cmd.AndMask,
		OrMask:    cmd.OrMask,
	}

	// A scalar value is accepted for the single-value writes.
	if len(cmd.Value) > 0 {
		switch kind {
		case domain.OpWriteSingleCoil:
			var v bool
			if err := json.Unmarshal(cmd.Value, &v); err != nil {
				return domain.Operation{}, fmt.Errorf("%w: coil value: %v", domain.ErrInvalidCommand, err)
			}
			op.Coils = []bool{v}
		case domain.OpWriteSingleRegister:
			var v uint16
			if err := json.Unmarshal(cmd.Value, &v); err != nil {
				return domain.Operation{}, fmt.Errorf("%w: register value: %v", domain.ErrInvalidCommand, err)
			}
			op.Registers = []uint16{v}
		}
	}

	if err := op.Validate(); err != nil {
		return domain.Operation{}, err
	}
	return op, nil
}

// buildBlockOperation writes a scalar or array value at the start of a
// coil or holding register block.
func (h *CommandHandler) buildBlockOperation(cmd WriteCommand) (domain.Operation, error) {
	h.blocksMu.RLock()
	block, exists := h.blocks[cmd.Block]
	h.blocksMu.RUnlock()

	if !exists {
		return domain.Operation{}, fmt.Errorf("%w: %s", domain.ErrBlockNotFound, cmd.Block)
	}

	op := domain.Operation{Address: block.Address}
	isArray := strings.HasPrefix(strings.TrimSpace(string(cmd.Value)), "[")

	switch block.Kind {
	case domain.BlockCoils:
		var values []bool
		if isArray {
			if err := json.Unmarshal(cmd.Value, &values); err != nil {
				return domain.Operation{}, fmt.Errorf("%w: %v", domain.ErrInvalidCommand, err)
			}
			op.Kind = domain.OpWriteMultipleCoils
		} else {
			var v bool
			if err := json.Unmarshal(cmd.Value, &v); err != nil {
				return domain.Operation{}, fmt.Errorf("%w: %v", domain.ErrInvalidCommand, err)
			}
			values = []bool{v}
			op.Kind = domain.OpWriteSingleCoil
		}
		op.Coils = values
	case domain.BlockHoldingRegisters:
		var values []uint16
		if isArray {
			if err := json.Unmarshal(cmd.Value, &values); err != nil {
				return domain.Operation{}, fmt.Errorf("%w: %v", domain.ErrInvalidCommand, err)
			}
			op.Kind = domain.OpWriteMultipleRegisters
		} else {
			var v uint16
			if err := json.Unmarshal(cmd.Value, &v); err != nil {
				return domain.Operation{}, fmt.Errorf("%w: %v", domain.ErrInvalidCommand, err)
			}
			values = []uint16{v}
			op.Kind = domain.OpWriteSingleRegister
		}
		op.Registers = values
	default:
		return domain.Operation{}, fmt.Errorf("%w: %s is %s", domain.ErrBlockNotWritable, block.Name, block.Kind)
	}

	if n := len(op.Coils) + len(op.Registers); n > int(block.Quantity) {
		return domain.Operation{}, fmt.Errorf("%w: %d values exceed block %s of %d",
			domain.ErrInvalidQuantity, n, block.Name, block.Quantity)
	}
	if err := op.Validate(); err != nil {
		return domain.Operation{}, err
	}
	return op, nil
}

func (cmd WriteCommand) response(success bool, errMsg string, duration time.Duration) CommandResponse {
	return CommandResponse{
		RequestID: cmd.RequestID,
		Operation: cmd.Operation,
		Block:     cmd.Block,
		Success:   success,
		Error:     errMsg,
		Timestamp: time.Now(),
		Duration:  duration,
	}
}

// responseTopic is <response prefix>/<block> for block writes and
// <response prefix>/write otherwise.
func (h *CommandHandler) responseTopic(cmd WriteCommand) string {
	if cmd.Block != "" {
		return h.config.ResponseTopicPrefix + "/" + cmd.Block
	}
	return h.config.ResponseTopicPrefix + "/write"
}

// sendResponse publishes a response to a command.
func (h *CommandHandler) sendResponse(topic string, response CommandResponse) {
	if !h.config.EnableAcknowledgement {
		return
	}

	payload, err := json.Marshal(response)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	token := h.mqttClient.Publish(topic, h.config.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		h.logger.Error().Err(token.Error()).Msg("Failed to publish response")
	}
}

// UpdateBlocks replaces the set of blocks addressable by set commands.
func (h *CommandHandler) UpdateBlocks(blocks []*domain.Block) {
	h.blocksMu.Lock()
	defer h.blocksMu.Unlock()

	h.blocks = make(map[string]*domain.Block, len(blocks))
	for _, block := range blocks {
		h.blocks[block.Name] = block
	}

	h.logger.Info().Int("count", len(blocks)).Msg("Updated block list")
}

// AddBlock adds a block to the handler.
func (h *CommandHandler) AddBlock(block *domain.Block) {
	h.blocksMu.Lock()
	defer h.blocksMu.Unlock()

	h.blocks[block.Name] = block
	h.logger.Debug().Str("block", block.Name).Msg("Added block")
}

// RemoveBlock removes a block from the handler.
func (h *CommandHandler) RemoveBlock(name string) {
	h.blocksMu.Lock()
	defer h.blocksMu.Unlock()

	delete(h.blocks, name)
	h.logger.Debug().Str("block", name).Msg("Removed block")
}

// Stats returns a snapshot of command handling statistics.
func (h *CommandHandler) Stats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  h.stats.CommandsReceived.Load(),
		"commands_succeeded": h.stats.CommandsSucceeded.Load(),
		"commands_failed":    h.stats.CommandsFailed.Load(),
		"commands_rejected":  h.stats.CommandsRejected.Load(),
	}
}
