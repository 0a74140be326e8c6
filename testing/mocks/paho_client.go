package mocks

import (
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken is a paho token that is already complete.
type MockToken struct {
	err  error
	done chan struct{}
}

// NewMockToken returns a completed token carrying err.
func NewMockToken(err error) *MockToken {
	done := make(chan struct{})
	close(done)
	return &MockToken{err: err, done: done}
}

// NewPendingToken returns a token that never completes.
func NewPendingToken() *MockToken {
	return &MockToken{done: make(chan struct{})}
}

func (t *MockToken) Wait() bool {
	<-t.done
	return true
}

func (t *MockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *MockToken) Done() <-chan struct{} { return t.done }

func (t *MockToken) Error() error { return t.err }

// PublishedMessage records one Publish call on MockPahoClient.
type PublishedMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// MockPahoClient is an in-memory pahomqtt.Client. Subscriptions are kept so
// tests can Deliver messages to the registered handlers.
type MockPahoClient struct {
	mu sync.Mutex

	// Function overrides
	ConnectFunc   func() pahomqtt.Token
	PublishFunc   func(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	SubscribeFunc func(topic string, qos byte) pahomqtt.Token

	// Call tracking
	ConnectCalls    int
	DisconnectCalls int

	Options   *pahomqtt.ClientOptions
	connected bool
	published []PublishedMessage
	handlers  map[string]pahomqtt.MessageHandler
}

// NewMockPahoClient creates a disconnected mock client.
func NewMockPahoClient() *MockPahoClient {
	return &MockPahoClient{handlers: make(map[string]pahomqtt.MessageHandler)}
}

// Factory returns a client constructor that records opts and yields m.
func (m *MockPahoClient) Factory() func(*pahomqtt.ClientOptions) pahomqtt.Client {
	return func(opts *pahomqtt.ClientOptions) pahomqtt.Client {
		m.mu.Lock()
		m.Options = opts
		m.mu.Unlock()
		return m
	}
}

func (m *MockPahoClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockPahoClient) IsConnectionOpen() bool { return m.IsConnected() }

func (m *MockPahoClient) Connect() pahomqtt.Token {
	m.mu.Lock()
	m.ConnectCalls++
	fn := m.ConnectFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	m.SetConnected(true)
	return NewMockToken(nil)
}

func (m *MockPahoClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DisconnectCalls++
	m.connected = false
}

func (m *MockPahoClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	m.mu.Lock()
	fn := m.PublishFunc
	if fn == nil {
		var data []byte
		switch p := payload.(type) {
		case []byte:
			data = p
		case string:
			data = []byte(p)
		}
		m.published = append(m.published, PublishedMessage{Topic: topic, QoS: qos, Retained: retained, Payload: data})
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(topic, qos, retained, payload)
	}
	return NewMockToken(nil)
}

func (m *MockPahoClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	m.mu.Lock()
	fn := m.SubscribeFunc
	m.mu.Unlock()

	if fn != nil {
		if tok := fn(topic, qos); tok.Error() != nil {
			return tok
		}
	}
	m.mu.Lock()
	m.handlers[topic] = callback
	m.mu.Unlock()
	return NewMockToken(nil)
}

func (m *MockPahoClient) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for topic, qos := range filters {
		if tok := m.Subscribe(topic, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return NewMockToken(nil)
}

func (m *MockPahoClient) Unsubscribe(topics ...string) pahomqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range topics {
		delete(m.handlers, topic)
	}
	return NewMockToken(nil)
}

func (m *MockPahoClient) AddRoute(topic string, callback pahomqtt.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = callback
}

func (m *MockPahoClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// SetConnected changes the reported connection state.
func (m *MockPahoClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// Published returns a copy of the published messages.
func (m *MockPahoClient) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

// Subscribed reports whether a handler is registered for topic.
func (m *MockPahoClient) Subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

// Deliver invokes the handler whose filter matches topic, returning false
// if none does. Filters may use the + and # wildcards.
func (m *MockPahoClient) Deliver(topic string, payload []byte) bool {
	m.mu.Lock()
	var handler pahomqtt.MessageHandler
	for filter, h := range m.handlers {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	m.mu.Unlock()

	if handler == nil {
		return false
	}
	handler(m, NewMockMessage(topic, payload))
	return true
}

func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, seg := range f {
		if seg == "#" {
			return true
		}
		if i >= len(t) || (seg != "+" && seg != t[i]) {
			return false
		}
	}
	return len(f) == len(t)
}

// MockMessage is a received MQTT message.
type MockMessage struct {
	topic   string
	payload []byte
	acked   bool
}

// NewMockMessage creates a message for topic.
func NewMockMessage(topic string, payload []byte) *MockMessage {
	return &MockMessage{topic: topic, payload: payload}
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return 1 }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 0 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              { m.acked = true }
