package modbus

// SetUnitID changes the unit address used by subsequent operations. The new
// address is recorded immediately, so every later reconnect dials it; a live
// connection is retargeted asynchronously by the unit updater. SetUnitID never
// blocks: when the update queue is full the request is dropped and only takes
// effect on the next reconnect.
func (c *Client) SetUnitID(id byte) {
	c.unitID.Store(uint32(id))

	select {
	case c.unitUpdates <- id:
	default:
		c.stats.UnitUpdatesDropped.Add(1)
		if c.metrics != nil {
			c.metrics.UnitUpdatesDropped.Inc()
		}
		c.logger.Warn().
			Uint8("unit_id", id).
			Msg("Unit address update queue full, update applies on next reconnect")
	}
}

// UnitID returns the most recently requested unit address.
func (c *Client) UnitID() byte {
	return byte(c.unitID.Load())
}

// runUnitUpdater applies queued unit address updates until the client closes.
func (c *Client) runUnitUpdater() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case requested := <-c.unitUpdates:
			c.applyUnitUpdate(requested)
		}
	}
}

// applyUnitUpdate retargets the live handle, if any. It applies the latest
// requested address rather than the queued one so that dropped updates
// cannot leave the connection behind the recorded address.
func (c *Client) applyUnitUpdate(requested byte) {
	var applied bool
	err := c.state.with(c.ctx, func(s *connState) error {
		if s.handle == nil {
			return nil
		}
		s.handle.SetUnitID(byte(c.unitID.Load()))
		applied = true
		return nil
	})
	if err != nil {
		return
	}

	if !applied {
		c.stats.UnitUpdatesLost.Add(1)
		if c.metrics != nil {
			c.metrics.UnitUpdatesLost.Inc()
		}
		c.logger.Debug().
			Uint8("unit_id", requested).
			Msg("No live connection, unit address applies on next reconnect")
		return
	}

	c.stats.UnitUpdatesApplied.Add(1)
	if c.metrics != nil {
		c.metrics.UnitUpdatesApplied.Inc()
	}
	c.logger.Debug().
		Uint8("unit_id", requested).
		Uint8("effective_unit_id", c.UnitID()).
		Msg("Unit address updated")
}
