package mqtt_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/robust-modbus/internal/adapter/mqtt"
	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/nexus-edge/robust-modbus/internal/metrics"
	"github.com/nexus-edge/robust-modbus/testing/mocks"
	"github.com/nexus-edge/robust-modbus/testing/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newTestPublisher(t *testing.T, client *mocks.MockPahoClient, mutate func(*mqtt.Config)) (*mqtt.Publisher, *metrics.Registry) {
	t.Helper()
	cfg := mqtt.DefaultConfig()
	cfg.BrokerURL = "tcp://broker.test:1883"
	cfg.ClientID = "bridge-test"
	cfg.ClientFactory = client.Factory()
	if mutate != nil {
		mutate(&cfg)
	}
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	p := mqtt.NewPublisher(cfg, zerolog.Nop(), reg)
	t.Cleanup(p.Disconnect)
	return p, reg
}

func TestPublisherConnectConfiguresClient(t *testing.T) {
	client := mocks.NewMockPahoClient()
	p, _ := newTestPublisher(t, client, func(c *mqtt.Config) {
		c.Username = "bridge"
		c.Password = "secret"
	})

	testutil.RequireNoError(t, p.Connect(context.Background()))
	testutil.AssertTrue(t, p.IsConnected(), "publisher should be connected")
	testutil.RequireNoError(t, p.HealthCheck(context.Background()))

	opts := client.Options
	if opts == nil {
		t.Fatal("expected client options to be recorded")
	}
	testutil.AssertEqual(t, "bridge-test", opts.ClientID)
	testutil.AssertEqual(t, "bridge", opts.Username)
	testutil.AssertTrue(t, opts.AutoReconnect, "auto reconnect should be enabled")
	if len(opts.Servers) != 1 || opts.Servers[0].Host != "broker.test:1883" {
		t.Errorf("unexpected broker list: %v", opts.Servers)
	}
}

func TestPublisherConnectFailure(t *testing.T) {
	client := mocks.NewMockPahoClient()
	client.ConnectFunc = func() pahomqtt.Token {
		return mocks.NewMockToken(errors.New("connection refused"))
	}
	p, _ := newTestPublisher(t, client, nil)

	err := p.Connect(context.Background())
	testutil.AssertErrorIs(t, err, domain.ErrNotConnected)
	testutil.AssertFalse(t, p.IsConnected(), "publisher should not be connected")
	testutil.AssertErrorIs(t, p.HealthCheck(context.Background()), domain.ErrNotConnected)
}

func TestPublisherPublishesReading(t *testing.T) {
	client := mocks.NewMockPahoClient()
	p, reg := newTestPublisher(t, client, nil)
	testutil.RequireNoError(t, p.Connect(context.Background()))

	reading := testutil.MakeReading("pump", 10, 20)
	testutil.RequireNoError(t, p.Publish(context.Background(), reading))

	published := client.Published()
	if len(published) != 1 {
		t.Fatalf("expected 1 message, got %d", len(published))
	}
	msg := published[0]
	testutil.AssertEqual(t, reading.Topic, msg.Topic)
	testutil.AssertEqual(t, byte(1), msg.QoS)

	var payload struct {
		V []uint16 `json:"v"`
		Q string   `json:"q"`
	}
	testutil.RequireNoError(t, json.Unmarshal(msg.Payload, &payload))
	testutil.AssertEqual(t, []uint16{10, 20}, payload.V)
	testutil.AssertEqual(t, "good", payload.Q)

	testutil.AssertEqual(t, uint64(1), p.Stats().MessagesPublished.Load())
	testutil.AssertEqual(t, float64(1), promtest.ToFloat64(reg.MQTTMessagesPublished))
}

func TestPublisherPublishFailure(t *testing.T) {
	client := mocks.NewMockPahoClient()
	client.PublishFunc = func(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
		return mocks.NewMockToken(errors.New("not authorized"))
	}
	p, reg := newTestPublisher(t, client, nil)
	testutil.RequireNoError(t, p.Connect(context.Background()))

	err := p.Publish(context.Background(), testutil.MakeReading("pump", 1))
	testutil.AssertErrorIs(t, err, domain.ErrPublishFailed)
	testutil.AssertEqual(t, uint64(1), p.Stats().MessagesFailed.Load())
	testutil.AssertEqual(t, float64(1), promtest.ToFloat64(reg.MQTTMessagesFailed))
}

func TestPublisherPublishTimeout(t *testing.T) {
	client := mocks.NewMockPahoClient()
	client.PublishFunc = func(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
		return mocks.NewPendingToken()
	}
	p, _ := newTestPublisher(t, client, func(c *mqtt.Config) {
		c.PublishTimeout = 20 * time.Millisecond
	})
	testutil.RequireNoError(t, p.Connect(context.Background()))

	start := time.Now()
	err := p.Publish(context.Background(), testutil.MakeReading("pump", 1))
	testutil.AssertErrorIs(t, err, domain.ErrPublishFailed)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("publish took %v, expected the timeout to apply", elapsed)
	}
}

func TestPublisherBuffersWhileDisconnected(t *testing.T) {
	client := mocks.NewMockPahoClient()
	p, _ := newTestPublisher(t, client, nil)

	for i := 0; i < 3; i++ {
		testutil.RequireNoError(t, p.Publish(context.Background(), testutil.MakeReading("pump", uint16(i))))
	}
	testutil.AssertEqual(t, 3, p.BufferLen())
	testutil.AssertEqual(t, 0, len(client.Published()))

	testutil.RequireNoError(t, p.Connect(context.Background()))
	testutil.WaitForCondition(t, func() bool {
		return len(client.Published()) == 3
	}, 2*time.Second, "buffered readings flushed")
	testutil.AssertEqual(t, 0, p.BufferLen())
}

func TestPublisherBufferDropsOldest(t *testing.T) {
	client := mocks.NewMockPahoClient()
	p, _ := newTestPublisher(t, client, func(c *mqtt.Config) {
		c.BufferSize = 2
	})

	for _, block := range []string{"first", "second", "third"} {
		testutil.RequireNoError(t, p.Publish(context.Background(), testutil.MakeReading(block, 1)))
	}
	testutil.AssertEqual(t, 2, p.BufferLen())
	testutil.AssertEqual(t, uint64(1), p.Stats().MessagesDropped.Load())

	testutil.RequireNoError(t, p.Connect(context.Background()))
	testutil.WaitForCondition(t, func() bool {
		return len(client.Published()) == 2
	}, 2*time.Second, "buffered readings flushed")

	published := client.Published()
	testutil.AssertEqual(t, "test/second", published[0].Topic)
	testutil.AssertEqual(t, "test/third", published[1].Topic)
}

func TestPublisherConnectionLost(t *testing.T) {
	client := mocks.NewMockPahoClient()
	p, _ := newTestPublisher(t, client, nil)
	testutil.RequireNoError(t, p.Connect(context.Background()))

	client.Options.OnConnectionLost(client, errors.New("broker went away"))
	testutil.AssertFalse(t, p.IsConnected(), "publisher should report the lost connection")

	testutil.RequireNoError(t, p.Publish(context.Background(), testutil.MakeReading("pump", 1)))
	testutil.AssertEqual(t, 1, p.BufferLen())

	client.Options.OnConnect(client)
	testutil.WaitForCondition(t, func() bool {
		return len(client.Published()) == 1
	}, 2*time.Second, "buffered reading flushed after reconnect")
}

func TestPublisherTLSConfigErrors(t *testing.T) {
	client := mocks.NewMockPahoClient()
	p, _ := newTestPublisher(t, client, func(c *mqtt.Config) {
		c.TLSEnabled = true
		c.TLSCAFile = testutil.WriteTemp(t, "ca.pem", "not a certificate")
	})

	err := p.Connect(context.Background())
	testutil.RequireError(t, err)
	testutil.AssertEqual(t, 0, client.ConnectCalls)
}
