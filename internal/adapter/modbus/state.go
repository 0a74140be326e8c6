package modbus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/domain"
	"golang.org/x/sync/semaphore"
)

// connState is the single slot holding either a live handle or the error that
// explains its absence. Exactly one of handle and err is set. Both are only
// read or replaced inside with, which holds the slot exclusively.
type connState struct {
	sem    *semaphore.Weighted
	handle Handle
	err    error
	gen    uint64

	// status mirrors the slot for lock-free inspection
	status   atomic.Pointer[ConnectionStatus]
	onChange func(ConnectionStatus)
}

func newConnState(onChange func(ConnectionStatus)) *connState {
	s := &connState{
		sem:      semaphore.NewWeighted(1),
		err:      domain.ErrNotYetConnected,
		onChange: onChange,
	}
	s.status.Store(&ConnectionStatus{LastError: s.err, Since: time.Now()})
	return s
}

// with runs fn while holding the slot. Waiting for the slot is abandoned when
// ctx is done; once acquired, the slot is released on every exit path.
func (s *connState) with(ctx context.Context, fn func(s *connState) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return fn(s)
}

// live returns the handle, or the stored error when disconnected.
func (s *connState) live() (Handle, error) {
	if s.handle == nil {
		return nil, s.err
	}
	return s.handle, nil
}

// install replaces the slot content with h, closing any previous handle.
func (s *connState) install(h Handle) {
	s.release()
	s.handle = h
	s.err = nil
	s.publish()
}

// fail replaces the slot content with err, closing any previous handle.
func (s *connState) fail(err error) {
	s.release()
	s.handle = nil
	s.err = err
	s.publish()
}

func (s *connState) release() {
	if s.handle != nil {
		_ = s.handle.Close()
	}
}

func (s *connState) publish() {
	s.gen++
	st := ConnectionStatus{
		Connected:  s.handle != nil,
		LastError:  s.err,
		Generation: s.gen,
		Since:      time.Now(),
	}
	s.status.Store(&st)
	if s.onChange != nil {
		s.onChange(st)
	}
}

// snapshot returns the last published status without taking the slot.
func (s *connState) snapshot() ConnectionStatus {
	return *s.status.Load()
}
