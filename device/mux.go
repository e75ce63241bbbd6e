package device

import (
	"context"
	"fmt"

	"github.com/mklimuk/busdev"
)

// hop is one multiplexer on the path from the bus controller to a device.
type hop struct {
	mux     *slot
	gen     uint32
	bus     busdev.I2CBus
	address byte
	channel int
}

// route resolves the multiplexer chain above p, root first. It must be
// called with r.mx held.
func (r *Registry) route(p I2CPayload) ([]hop, error) {
	var hops []hop
	cur := p
	for !cur.Mux.IsZero() {
		up := r.lookup(cur.Mux)
		if up == nil {
			return nil, fmt.Errorf("%w: upstream %s: %w", busdev.ErrInvalidTopology, cur.Mux, busdev.ErrReleased)
		}
		upP := up.payload.(I2CPayload)
		hops = append(hops, hop{mux: up, gen: up.gen, bus: upP.Bus, address: upP.Address, channel: cur.Channel})
		cur = upP
	}
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
	return hops, nil
}

// lockRoute acquires every multiplexer on the path root first, so the
// channels selected below stay selected until the returned func is called.
func lockRoute(hops []hop) func() {
	for _, h := range hops {
		h.mux.mx.Lock()
	}
	return func() {
		for i := len(hops) - 1; i >= 0; i-- {
			hops[i].mux.mx.Unlock()
		}
	}
}

// selectRoute brings every multiplexer on the path to the required channel.
// A multiplexer already on the right channel is not written to. The cached
// channel only changes once the hardware acknowledged the select. It must be
// called with the route locked.
func (r *Registry) selectRoute(ctx context.Context, hops []hop) error {
	for _, h := range hops {
		if !h.mux.live || h.mux.gen != h.gen {
			return fmt.Errorf("%w: multiplexer 0x%02x: %w", busdev.ErrBusTransactionFailed, h.address, busdev.ErrReleased)
		}
	}
	for _, h := range hops {
		if h.mux.active == h.channel {
			continue
		}
		err := h.bus.WriteToAddr(ctx, h.address, []byte{1 << uint(h.channel)})
		if err != nil {
			return fmt.Errorf("%w: could not select channel %d on multiplexer 0x%02x: %w",
				busdev.ErrBusTransactionFailed, h.channel, h.address, err)
		}
		r.logger.Debug("multiplexer channel selected", "mux", h.mux.name, "addr", fmt.Sprintf("0x%02x", h.address),
			"from", h.mux.active, "to", h.channel)
		h.mux.active = h.channel
	}
	return nil
}
