package service_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/nexus-edge/robust-modbus/internal/metrics"
	"github.com/nexus-edge/robust-modbus/internal/service"
	"github.com/nexus-edge/robust-modbus/testing/mocks"
	"github.com/nexus-edge/robust-modbus/testing/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newPollingService(t *testing.T, reader *mocks.MockReader, pub *mocks.MockMQTTPublisher, mutate func(*service.PollingConfig)) (*service.PollingService, *metrics.Registry) {
	t.Helper()
	cfg := service.PollingConfig{
		WorkerCount:     4,
		DefaultInterval: 100 * time.Millisecond,
		ReadTimeout:     time.Second,
		TopicPrefix:     "plant",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	s := service.NewPollingService(cfg, reader, pub, zerolog.Nop(), reg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, reg
}

func fastBlock(name string, kind domain.BlockKind, addr, qty uint16) *domain.Block {
	b := testutil.MakeBlock(name, kind, addr, qty)
	b.Interval = 100 * time.Millisecond
	return b
}

func TestTopicForBlock(t *testing.T) {
	tests := []struct {
		prefix, block, want string
	}{
		{"plant", "pump", "plant/pump"},
		{"plant", "line 1/pump#2", "plant/line_1_pump_2"},
		{"plant", " ", "plant"},
		{"", "pump", "pump"},
		{"site/area", "+temp", "site/area/temp"},
	}

	for _, tt := range tests {
		t.Run(tt.block, func(t *testing.T) {
			testutil.AssertEqual(t, tt.want, service.TopicForBlock(tt.prefix, tt.block))
		})
	}
}

func TestRegisterBlock(t *testing.T) {
	s, _ := newPollingService(t, mocks.NewMockReader(), mocks.NewMockMQTTPublisher(), nil)

	testutil.RequireNoError(t, s.RegisterBlock(fastBlock("pump", domain.BlockHoldingRegisters, 0, 4)))
	testutil.AssertErrorIs(t, s.RegisterBlock(fastBlock("pump", domain.BlockCoils, 0, 4)), domain.ErrBlockExists)

	t.Run("Default interval", func(t *testing.T) {
		b := testutil.MakeBlock("valve", domain.BlockCoils, 0, 8)
		b.Interval = 0
		testutil.RequireNoError(t, s.RegisterBlock(b))
		testutil.AssertEqual(t, 100*time.Millisecond, b.Interval)
	})

	t.Run("Invalid block", func(t *testing.T) {
		err := s.RegisterBlock(fastBlock("big", domain.BlockInputRegisters, 0, 200))
		testutil.AssertErrorIs(t, err, domain.ErrInvalidQuantity)
	})

	t.Run("Disabled block is ignored", func(t *testing.T) {
		b := fastBlock("spare", domain.BlockCoils, 0, 1)
		b.Enabled = false
		testutil.RequireNoError(t, s.RegisterBlock(b))
		_, err := s.GetBlockStatus("spare")
		testutil.AssertErrorIs(t, err, domain.ErrBlockNotFound)
	})

	testutil.AssertErrorIs(t, s.UnregisterBlock("missing"), domain.ErrBlockNotFound)
}

func TestPollingPublishesReadings(t *testing.T) {
	reader := mocks.NewMockReader()
	reader.ExecuteFunc = func(ctx context.Context, op domain.Operation) (domain.Result, error) {
		regs := make([]uint16, op.Quantity)
		for i := range regs {
			regs[i] = op.Address + uint16(i)
		}
		return domain.Result{Registers: regs}, nil
	}
	pub := mocks.NewMockMQTTPublisher()
	s, reg := newPollingService(t, reader, pub, nil)

	testutil.RequireNoError(t, s.RegisterBlock(fastBlock("pump", domain.BlockHoldingRegisters, 100, 3)))
	testutil.RequireNoError(t, s.Start(context.Background()))

	testutil.WaitForCondition(t, func() bool {
		return len(pub.ReadingsFor("pump")) >= 2
	}, 3*time.Second, "two readings published")

	r := pub.ReadingsFor("pump")[0]
	testutil.AssertEqual(t, "plant/pump", r.Topic)
	testutil.AssertEqual(t, domain.QualityGood, r.Quality)
	testutil.AssertEqual(t, []uint16{100, 101, 102}, r.Registers)

	op := reader.Operations()[0]
	testutil.AssertEqual(t, domain.OpReadHoldingRegisters, op.Kind)
	testutil.AssertEqual(t, uint16(100), op.Address)
	testutil.AssertEqual(t, uint16(3), op.Quantity)

	status, err := s.GetBlockStatus("pump")
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, service.BlockStatusOnline, status.Status)
	testutil.AssertTrue(t, status.Running, "block poller should be running")

	if got := promtest.ToFloat64(reg.PollsTotal.WithLabelValues("pump", "success")); got < 2 {
		t.Errorf("expected at least 2 successful polls, got %v", got)
	}
}

func TestPollingReadFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		quality domain.Quality
	}{
		{"Transport failure", fmt.Errorf("%w: connection reset", domain.ErrTransport), domain.QualityNotConnected},
		{"Exception response", &domain.ExceptionError{FunctionCode: 0x03, ExceptionCode: 0x02}, domain.QualityBad},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := mocks.NewMockReader()
			reader.ExecuteFunc = func(ctx context.Context, op domain.Operation) (domain.Result, error) {
				return domain.Result{}, tt.err
			}
			pub := mocks.NewMockMQTTPublisher()
			s, reg := newPollingService(t, reader, pub, func(c *service.PollingConfig) {
				c.PublishFailures = true
			})

			testutil.RequireNoError(t, s.RegisterBlock(fastBlock("pump", domain.BlockInputRegisters, 0, 2)))
			testutil.RequireNoError(t, s.Start(context.Background()))

			testutil.WaitForCondition(t, func() bool {
				return len(pub.ReadingsFor("pump")) >= 1
			}, 3*time.Second, "failure reading published")

			r := pub.ReadingsFor("pump")[0]
			testutil.AssertEqual(t, tt.quality, r.Quality)
			if r.Registers != nil || r.Bits != nil {
				t.Errorf("expected no values on a failed read, got %v %v", r.Registers, r.Bits)
			}

			status, err := s.GetBlockStatus("pump")
			testutil.RequireNoError(t, err)
			testutil.AssertEqual(t, service.BlockStatusError, status.Status)
			testutil.AssertTrue(t, s.Stats().FailedPolls >= 1, "failed polls should be counted")
			testutil.AssertTrue(t, promtest.ToFloat64(reg.PollsTotal.WithLabelValues("pump", "error")) >= 1,
				"poll errors should be recorded")
		})
	}
}

func TestPollingFailuresNotPublishedByDefault(t *testing.T) {
	reader := mocks.NewMockReader()
	reader.ExecuteFunc = func(ctx context.Context, op domain.Operation) (domain.Result, error) {
		return domain.Result{}, domain.ErrTransport
	}
	pub := mocks.NewMockMQTTPublisher()
	s, _ := newPollingService(t, reader, pub, nil)

	testutil.RequireNoError(t, s.RegisterBlock(fastBlock("pump", domain.BlockCoils, 0, 2)))
	testutil.RequireNoError(t, s.Start(context.Background()))

	testutil.WaitForCondition(t, func() bool {
		return s.Stats().FailedPolls >= 2
	}, 3*time.Second, "failed polls counted")
	testutil.AssertEqual(t, 0, len(pub.Readings()))
}

func TestPollingBackPressureSkipsPolls(t *testing.T) {
	release := make(chan struct{})
	reader := mocks.NewMockReader()
	reader.ExecuteFunc = func(ctx context.Context, op domain.Operation) (domain.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return domain.Result{Bits: make([]bool, op.Quantity)}, nil
	}
	pub := mocks.NewMockMQTTPublisher()
	s, reg := newPollingService(t, reader, pub, func(c *service.PollingConfig) {
		c.WorkerCount = 1
	})
	defer close(release)

	testutil.RequireNoError(t, s.RegisterBlock(fastBlock("a", domain.BlockCoils, 0, 1)))
	testutil.RequireNoError(t, s.RegisterBlock(fastBlock("b", domain.BlockCoils, 1, 1)))
	testutil.RequireNoError(t, s.Start(context.Background()))

	testutil.WaitForCondition(t, func() bool {
		return s.Stats().SkippedPolls >= 2
	}, 3*time.Second, "polls skipped while the only worker is busy")

	if got := reader.ExecuteCount.Load(); got != 1 {
		t.Errorf("expected a single in-flight read, got %d", got)
	}
	testutil.AssertTrue(t, promtest.ToFloat64(reg.PollsSkipped) >= 2, "skips should be recorded")
}

func TestPollingUnregisterStopsBlock(t *testing.T) {
	var polls atomic.Int64
	reader := mocks.NewMockReader()
	reader.ExecuteFunc = func(ctx context.Context, op domain.Operation) (domain.Result, error) {
		polls.Add(1)
		return domain.Result{Registers: make([]uint16, op.Quantity)}, nil
	}
	s, _ := newPollingService(t, reader, mocks.NewMockMQTTPublisher(), nil)

	testutil.RequireNoError(t, s.RegisterBlock(fastBlock("pump", domain.BlockHoldingRegisters, 0, 1)))
	testutil.RequireNoError(t, s.Start(context.Background()))
	testutil.WaitForCondition(t, func() bool { return polls.Load() >= 1 }, 3*time.Second, "first poll")

	testutil.RequireNoError(t, s.UnregisterBlock("pump"))
	time.Sleep(50 * time.Millisecond)
	settled := polls.Load()
	time.Sleep(300 * time.Millisecond)

	if got := polls.Load(); got != settled {
		t.Errorf("expected polling to stop at %d polls, got %d", settled, got)
	}
}

func TestPollingRegisterAfterStart(t *testing.T) {
	pub := mocks.NewMockMQTTPublisher()
	s, _ := newPollingService(t, mocks.NewMockReader(), pub, nil)
	testutil.RequireNoError(t, s.Start(context.Background()))

	testutil.RequireNoError(t, s.RegisterBlock(fastBlock("late", domain.BlockDiscreteInputs, 0, 3)))
	testutil.WaitForCondition(t, func() bool {
		return len(pub.ReadingsFor("late")) >= 1
	}, 3*time.Second, "late block polled")

	r := pub.ReadingsFor("late")[0]
	testutil.AssertEqual(t, 3, len(r.Bits))
}

func TestPollingPublishErrorsCounted(t *testing.T) {
	pub := mocks.NewMockMQTTPublisher()
	pub.PublishFunc = func(ctx context.Context, r *domain.Reading) error {
		return domain.ErrPublishFailed
	}
	s, _ := newPollingService(t, mocks.NewMockReader(), pub, nil)

	testutil.RequireNoError(t, s.RegisterBlock(fastBlock("pump", domain.BlockHoldingRegisters, 0, 1)))
	testutil.RequireNoError(t, s.Start(context.Background()))

	testutil.WaitForCondition(t, func() bool {
		return s.Stats().PublishErrors >= 1
	}, 3*time.Second, "publish error counted")
	testutil.AssertEqual(t, uint64(0), s.Stats().ReadingsPublished)
}

func TestPollingStopIsIdempotent(t *testing.T) {
	s, _ := newPollingService(t, mocks.NewMockReader(), mocks.NewMockMQTTPublisher(), nil)
	testutil.RequireNoError(t, s.RegisterBlock(fastBlock("pump", domain.BlockHoldingRegisters, 0, 1)))

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	testutil.RequireNoError(t, s.Stop(ctx))
	testutil.RequireNoError(t, s.Start(context.Background()))
	testutil.RequireNoError(t, s.Stop(ctx))
	testutil.RequireNoError(t, s.Stop(ctx))

	status, err := s.GetBlockStatus("pump")
	testutil.RequireNoError(t, err)
	testutil.AssertFalse(t, status.Running, "poller should have stopped")
}
