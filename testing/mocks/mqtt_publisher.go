// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"sync"

	"github.com/nexus-edge/robust-modbus/internal/domain"
)

// MockMQTTPublisher is a mock implementation of the reading publisher.
type MockMQTTPublisher struct {
	mu sync.Mutex

	// Function overrides
	PublishFunc    func(ctx context.Context, r *domain.Reading) error
	PublishRawFunc func(ctx context.Context, topic string, payload []byte) error

	// Call tracking
	PublishCalls    int
	PublishRawCalls int

	// Published messages for verification
	PublishedMessages []*domain.Reading
	RawMessages       []RawMessage

	published chan struct{}
}

// RawMessage is a payload passed to PublishRaw.
type RawMessage struct {
	Topic   string
	Payload []byte
}

// NewMockMQTTPublisher creates a new mock MQTT publisher.
func NewMockMQTTPublisher() *MockMQTTPublisher {
	return &MockMQTTPublisher{
		PublishedMessages: make([]*domain.Reading, 0),
		published:         make(chan struct{}, 1024),
	}
}

// Publish implements the publisher interface.
func (m *MockMQTTPublisher) Publish(ctx context.Context, r *domain.Reading) error {
	m.mu.Lock()
	m.PublishCalls++
	m.PublishedMessages = append(m.PublishedMessages, r)
	fn := m.PublishFunc
	m.mu.Unlock()

	select {
	case m.published <- struct{}{}:
	default:
	}

	if fn != nil {
		return fn(ctx, r)
	}
	return nil
}

// PublishRaw implements the raw publisher interface.
func (m *MockMQTTPublisher) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	m.PublishRawCalls++
	m.RawMessages = append(m.RawMessages, RawMessage{Topic: topic, Payload: payload})
	fn := m.PublishRawFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, topic, payload)
	}
	return nil
}

// Published signals once per Publish call.
func (m *MockMQTTPublisher) Published() <-chan struct{} {
	return m.published
}

// Readings returns a copy of the published readings.
func (m *MockMQTTPublisher) Readings() []*domain.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Reading, len(m.PublishedMessages))
	copy(out, m.PublishedMessages)
	return out
}

// ReadingsFor returns the published readings of one block.
func (m *MockMQTTPublisher) ReadingsFor(block string) []*domain.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Reading
	for _, r := range m.PublishedMessages {
		if r.Block == block {
			out = append(out, r)
		}
	}
	return out
}

// Raw returns a copy of the raw messages.
func (m *MockMQTTPublisher) Raw() []RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RawMessage, len(m.RawMessages))
	copy(out, m.RawMessages)
	return out
}
