package modbus

import (
	"context"
	"time"
)

// HealthCheck reports whether the client holds a live connection. When it
// does not, a reconnect is attempted so that probes also repair the
// connection of an otherwise idle client.
func (c *Client) HealthCheck(ctx context.Context) error {
	st := c.state.snapshot()
	if st.Connected {
		return nil
	}
	return c.reconnect(ctx, st.Generation)
}

// Diagnostics summarizes the client for status endpoints.
type Diagnostics struct {
	Address        string        `json:"address"`
	UnitID         byte          `json:"unit_id"`
	Connected      bool          `json:"connected"`
	LastError      string        `json:"last_error,omitempty"`
	Generation     uint64        `json:"generation"`
	StateAge       time.Duration `json:"state_age_ns"`
	BreakerState   string        `json:"breaker_state,omitempty"`
	Stats          StatsSnapshot `json:"stats"`
	PendingUpdates int           `json:"pending_unit_updates"`
}

// Diagnostics returns a snapshot of the client state and counters.
func (c *Client) Diagnostics() Diagnostics {
	st := c.state.snapshot()
	d := Diagnostics{
		Address:        c.config.Address,
		UnitID:         c.UnitID(),
		Connected:      st.Connected,
		Generation:     st.Generation,
		StateAge:       time.Since(st.Since),
		Stats:          c.Stats(),
		PendingUpdates: len(c.unitUpdates),
	}
	if st.LastError != nil {
		d.LastError = st.LastError.Error()
	}
	if c.breaker != nil {
		d.BreakerState = c.breaker.State().String()
	}
	return d
}
