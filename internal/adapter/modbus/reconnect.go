package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nexus-edge/robust-modbus/internal/domain"
	"github.com/nexus-edge/robust-modbus/internal/retry"
	"github.com/sony/gobreaker"
)

// reconnect re-establishes the connection unless a newer live handle than the
// one observed at generation seen has already been installed. At most one
// connect attempt runs at a time because every attempt holds the slot.
func (c *Client) reconnect(ctx context.Context, seen uint64) error {
	if c.closed.Load() {
		return domain.ErrClientClosed
	}
	if c.breaker == nil {
		return c.reconnectWithRetry(ctx, seen)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.reconnectWithRetry(ctx, seen)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.stats.ReconnectsSkipped.Add(1)
		if c.metrics != nil {
			c.metrics.RecordReconnect("rejected")
		}
		c.logger.Debug().Msg("Reconnect rejected by circuit breaker")
		return fmt.Errorf("%w: %v", domain.ErrCircuitBreakerOpen, err)
	}
	return err
}

func (c *Client) reconnectWithRetry(ctx context.Context, seen uint64) error {
	var skipped bool
	_, err := retry.Do(ctx, c.config.ConnectPolicy, func(ctx context.Context, attempt int) (struct{}, error) {
		var err error
		skipped, err = c.connectOnce(ctx, seen)
		if errors.Is(err, domain.ErrClientClosed) {
			return struct{}{}, retry.Permanent(err)
		}
		return struct{}{}, err
	}, func(attempt int, err error, next time.Duration) {
		c.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", next).
			Msg("Retrying Modbus connect")
	})

	switch {
	case errors.Is(err, domain.ErrClientClosed):
		c.logger.Debug().Msg("Reconnect abandoned, client closed")
	case err != nil:
		c.stats.ReconnectFailures.Add(1)
		if c.metrics != nil {
			c.metrics.RecordReconnect("failure")
		}
		c.logger.Error().Err(err).Msg("Failed to reconnect")
	case skipped:
		c.stats.ReconnectsSkipped.Add(1)
		if c.metrics != nil {
			c.metrics.RecordReconnect("skipped")
		}
	default:
		c.stats.Reconnects.Add(1)
		if c.metrics != nil {
			c.metrics.RecordReconnect("success")
		}
		c.logger.Info().Msg("Connected to Modbus device")
	}
	return err
}

// connectOnce performs a single resolve and connect attempt and installs its
// outcome. It reports skipped when another caller already repaired the slot.
func (c *Client) connectOnce(ctx context.Context, seen uint64) (skipped bool, err error) {
	endpoint, resolveErr := c.resolve(ctx)

	err = c.state.with(ctx, func(s *connState) error {
		// Close may have run while resolving.
		if c.closed.Load() {
			return domain.ErrClientClosed
		}
		if s.handle != nil && s.gen != seen {
			skipped = true
			return nil
		}
		if resolveErr != nil {
			s.fail(resolveErr)
			return resolveErr
		}

		c.logger.Debug().Str("endpoint", endpoint).Msg("Connecting to Modbus device")

		start := time.Now()
		h, err := c.dialer.Dial(ctx, endpoint, byte(c.unitID.Load()))
		if c.metrics != nil {
			c.metrics.RecordConnection(err == nil, time.Since(start).Seconds())
		}
		if err != nil {
			s.fail(err)
			return err
		}
		s.install(h)
		return nil
	})
	return skipped, err
}

// resolve looks up the configured host and returns the first address joined
// with the configured port.
func (c *Client) resolve(ctx context.Context) (string, error) {
	host, port, err := net.SplitHostPort(c.config.Address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAddressResolution, err)
	}

	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrAddressResolution, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: %s", domain.ErrAddressResolution, host)
	}
	return net.JoinHostPort(addrs[0], port), nil
}

func (c *Client) newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("modbus-reconnect-%s", c.config.Address),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
		},
	})
}
