package modbus_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/adapter/modbus"
	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/nexus-edge/robust-modbus/testing/testutil"
	"github.com/rs/zerolog"
	sv "github.com/simonvetter/modbus"
)

// =============================================================================
// In-process simulator
// =============================================================================

// simulator is a register map served over Modbus TCP on loopback.
type simulator struct {
	mu        sync.Mutex
	coils     [64]bool
	holding   [64]uint16
	input     [64]uint16
	lastUnit  uint8
	requests  int
	addr      string
	server    *sv.ModbusServer
	serverCfg *sv.ServerConfiguration
}

func (s *simulator) record(unit uint8) {
	s.lastUnit = unit
	s.requests++
}

func (s *simulator) HandleCoils(req *sv.CoilsRequest) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(req.UnitId)

	if int(req.Addr)+int(req.Quantity) > len(s.coils) {
		return nil, sv.ErrIllegalDataAddress
	}
	if req.IsWrite {
		copy(s.coils[req.Addr:], req.Args)
		return nil, nil
	}
	out := make([]bool, req.Quantity)
	copy(out, s.coils[req.Addr:])
	return out, nil
}

func (s *simulator) HandleDiscreteInputs(req *sv.DiscreteInputsRequest) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(req.UnitId)

	if int(req.Addr)+int(req.Quantity) > len(s.coils) {
		return nil, sv.ErrIllegalDataAddress
	}
	// discrete inputs mirror the coils, inverted
	out := make([]bool, req.Quantity)
	for i := range out {
		out[i] = !s.coils[int(req.Addr)+i]
	}
	return out, nil
}

func (s *simulator) HandleHoldingRegisters(req *sv.HoldingRegistersRequest) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(req.UnitId)

	if int(req.Addr)+int(req.Quantity) > len(s.holding) {
		return nil, sv.ErrIllegalDataAddress
	}
	if req.IsWrite {
		copy(s.holding[req.Addr:], req.Args)
		return nil, nil
	}
	out := make([]uint16, req.Quantity)
	copy(out, s.holding[req.Addr:])
	return out, nil
}

func (s *simulator) HandleInputRegisters(req *sv.InputRegistersRequest) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(req.UnitId)

	if int(req.Addr)+int(req.Quantity) > len(s.input) {
		return nil, sv.ErrIllegalDataAddress
	}
	out := make([]uint16, req.Quantity)
	copy(out, s.input[req.Addr:])
	return out, nil
}

func (s *simulator) unit() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUnit
}

func (s *simulator) start(t *testing.T) {
	t.Helper()
	server, err := sv.NewServer(s.serverCfg, s)
	testutil.RequireNoError(t, err, "create simulator")
	testutil.RequireNoError(t, server.Start(), "start simulator")
	s.server = server
}

func (s *simulator) stop() {
	if s.server != nil {
		s.server.Stop()
		s.server = nil
	}
}

func startSimulator(t *testing.T) *simulator {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping simulator test in short mode")
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	testutil.RequireNoError(t, err, "reserve port")
	addr := l.Addr().String()
	l.Close()

	s := &simulator{
		addr: addr,
		serverCfg: &sv.ServerConfiguration{
			URL:        "tcp://" + addr,
			Timeout:    30 * time.Second,
			MaxClients: 4,
		},
	}
	for i := range s.holding {
		s.holding[i] = uint16(i * 10)
		s.input[i] = uint16(1000 + i)
	}
	s.start(t)
	t.Cleanup(s.stop)
	return s
}

func newSimulatorClient(t *testing.T, sim *simulator) *modbus.Client {
	t.Helper()
	c, err := modbus.NewClient(modbus.ClientConfig{
		Address:       sim.addr,
		UnitID:        1,
		Timeout:       time.Second,
		ConnectPolicy: fastPolicy(),
		CommandPolicy: fastPolicy(),
	}, zerolog.Nop(), nil)
	testutil.RequireNoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// =============================================================================
// Tests
// =============================================================================

func TestSimulatorReadHoldingRegisters(t *testing.T) {
	sim := startSimulator(t)
	c := newSimulatorClient(t, sim)

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	regs, err := c.ReadHoldingRegisters(ctx, 0, 4)
	testutil.RequireNoError(t, err)

	want := []uint16{0, 10, 20, 30}
	for i := range want {
		if regs[i] != want[i] {
			t.Errorf("register %d: expected %d, got %d", i, want[i], regs[i])
		}
	}
}

func TestSimulatorReadInputRegisters(t *testing.T) {
	sim := startSimulator(t)
	c := newSimulatorClient(t, sim)

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	regs, err := c.ReadInputRegisters(ctx, 5, 3)
	testutil.RequireNoError(t, err)

	want := []uint16{1005, 1006, 1007}
	for i := range want {
		if regs[i] != want[i] {
			t.Errorf("register %d: expected %d, got %d", i, want[i], regs[i])
		}
	}
}

func TestSimulatorWriteAndReadBack(t *testing.T) {
	sim := startSimulator(t)
	c := newSimulatorClient(t, sim)

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()

	testutil.RequireNoError(t, c.WriteSingleRegister(ctx, 1, 0xBEEF))
	testutil.RequireNoError(t, c.WriteMultipleRegisters(ctx, 2, []uint16{7, 8, 9}))

	regs, err := c.ReadHoldingRegisters(ctx, 1, 4)
	testutil.RequireNoError(t, err)
	want := []uint16{0xBEEF, 7, 8, 9}
	for i := range want {
		if regs[i] != want[i] {
			t.Errorf("register %d: expected %#x, got %#x", i+1, want[i], regs[i])
		}
	}

	testutil.RequireNoError(t, c.WriteSingleCoil(ctx, 0, true))
	testutil.RequireNoError(t, c.WriteMultipleCoils(ctx, 1, []bool{false, true, true}))

	coils, err := c.ReadCoils(ctx, 0, 4)
	testutil.RequireNoError(t, err)
	wantCoils := []bool{true, false, true, true}
	for i := range wantCoils {
		if coils[i] != wantCoils[i] {
			t.Errorf("coil %d: expected %v, got %v", i, wantCoils[i], coils[i])
		}
	}

	inputs, err := c.ReadDiscreteInputs(ctx, 0, 4)
	testutil.RequireNoError(t, err)
	for i := range wantCoils {
		if inputs[i] == wantCoils[i] {
			t.Errorf("discrete input %d: expected %v, got %v", i, !wantCoils[i], inputs[i])
		}
	}
}

func TestSimulatorExceptionKeepsConnection(t *testing.T) {
	sim := startSimulator(t)
	c := newSimulatorClient(t, sim)

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	testutil.RequireNoError(t, c.Connect(ctx))

	_, err := c.ReadHoldingRegisters(ctx, 60, 10)
	testutil.AssertErrorIs(t, err, domain.ErrModbusIllegalAddress)

	if gen := c.State().Generation; gen != 1 {
		t.Errorf("expected connection to be kept, generation %d", gen)
	}
	if _, err := c.ReadHoldingRegisters(ctx, 0, 1); err != nil {
		t.Errorf("expected read after exception to succeed: %v", err)
	}
}

func TestSimulatorSetUnitID(t *testing.T) {
	sim := startSimulator(t)
	c := newSimulatorClient(t, sim)

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	_, err := c.ReadHoldingRegisters(ctx, 0, 1)
	testutil.RequireNoError(t, err)
	if got := sim.unit(); got != 1 {
		t.Errorf("expected unit 1, got %d", got)
	}

	c.SetUnitID(42)
	testutil.WaitForCondition(t, func() bool {
		return c.Stats().UnitUpdatesApplied == 1
	}, time.Second, "unit update applied")

	_, err = c.ReadHoldingRegisters(ctx, 0, 1)
	testutil.RequireNoError(t, err)
	if got := sim.unit(); got != 42 {
		t.Errorf("expected unit 42, got %d", got)
	}
}

func TestSimulatorRecoversAfterRestart(t *testing.T) {
	sim := startSimulator(t)
	c := newSimulatorClient(t, sim)

	ctx, cancel := testutil.ContextWithTimeout(t)
	defer cancel()
	_, err := c.ReadHoldingRegisters(ctx, 0, 1)
	testutil.RequireNoError(t, err)

	sim.stop()

	_, err = c.ReadHoldingRegisters(ctx, 0, 1)
	testutil.AssertErrorIs(t, err, domain.ErrTransport)
	if c.State().Connected {
		t.Error("expected client to be disconnected while the server is down")
	}

	sim.start(t)

	regs, err := c.ReadHoldingRegisters(ctx, 3, 1)
	testutil.RequireNoError(t, err)
	if regs[0] != 30 {
		t.Errorf("expected 30, got %d", regs[0])
	}
}

func TestSimulatorConcurrentClients(t *testing.T) {
	sim := startSimulator(t)
	c := newSimulatorClient(t, sim)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := c.WriteSingleRegister(ctx, uint16(10+g), uint16(i)); err != nil {
					errs <- err
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	regs, err := c.ReadHoldingRegisters(ctx, 10, 4)
	testutil.RequireNoError(t, err)
	for g, v := range regs {
		if v != 9 {
			t.Errorf("register %d: expected 9, got %d", 10+g, v)
		}
	}
}
