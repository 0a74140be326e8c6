package modbus

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/nexus-edge/robust-modbus/internal/retry"
)

// do validates op and runs it under the command policy.
func (c *Client) do(ctx context.Context, op domain.Operation) (domain.Result, error) {
	if err := op.Validate(); err != nil {
		return domain.Result{}, err
	}
	if c.closed.Load() {
		return domain.Result{}, domain.ErrClientClosed
	}

	name := op.Kind.String()
	start := time.Now()

	result, err := retry.Do(ctx, c.config.CommandPolicy, func(ctx context.Context, attempt int) (domain.Result, error) {
		data, err := c.execute(ctx, op)
		if errors.Is(err, domain.ErrClientClosed) {
			return domain.Result{}, retry.Permanent(err)
		}
		if err != nil {
			return domain.Result{}, err
		}
		return decodeResult(op, data)
	}, func(attempt int, err error, next time.Duration) {
		c.stats.Retries.Add(1)
		if c.metrics != nil {
			c.metrics.RecordRetry(name)
		}
		c.logger.Debug().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Dur("backoff", next).
			Msg("Retrying Modbus operation")
	})

	c.stats.Operations.Add(1)
	if err != nil {
		c.stats.OperationErrors.Add(1)
	}
	if c.metrics != nil {
		c.metrics.RecordOperation(name, err == nil, time.Since(start).Seconds())
	}
	return result, err
}

// execute performs a single attempt of op against the current handle. The
// slot is held only for the call itself; a failure triggers a reconnect
// after the slot has been released.
func (c *Client) execute(ctx context.Context, op domain.Operation) ([]byte, error) {
	var (
		data []byte
		seen uint64
	)
	err := c.state.with(ctx, func(s *connState) error {
		seen = s.gen
		h, err := s.live()
		if err != nil {
			return err
		}
		data, err = h.Call(op)
		return err
	})
	if err == nil {
		return data, nil
	}

	if ctx.Err() != nil || !c.shouldReconnect(err) {
		return nil, err
	}

	c.logger.Warn().Err(err).Str("operation", op.Kind.String()).Msg("Connection error, attempting reconnect")
	if rerr := c.reconnect(ctx, seen); rerr != nil && errors.Is(rerr, domain.ErrClientClosed) {
		return nil, rerr
	}
	return nil, err
}

// shouldReconnect reports whether err from an attempt warrants replacing the
// connection. Exception responses come from a healthy connection.
func (c *Client) shouldReconnect(err error) bool {
	if errors.Is(err, domain.ErrClientClosed) {
		return false
	}
	if domain.IsProtocolError(err) {
		return c.config.ReconnectOnException
	}
	return true
}
