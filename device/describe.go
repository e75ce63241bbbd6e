package device

import (
	"fmt"
	"log/slog"
)

// LogValue renders the descriptor as a structured log group.
func (d Descriptor) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", d.ID.String()),
		slog.String("bus", d.Kind().String()),
		slog.String("role", d.Role.String()),
	}
	if d.Name != "" {
		attrs = append(attrs, slog.String("name", d.Name))
	}
	switch p := d.Payload.(type) {
	case I2CPayload:
		attrs = append(attrs, slog.String("addr", fmt.Sprintf("0x%02x", p.Address)))
		if !p.Mux.IsZero() {
			attrs = append(attrs, slog.String("mux", p.Mux.String()), slog.Int("channel", p.Channel))
		}
	case SPIPayload:
		attrs = append(attrs, slog.Int("cs", int(p.Select)))
	}
	if d.PEC {
		attrs = append(attrs, slog.Bool("pec", true))
	}
	if d.Role == RoleMultiplexer {
		attrs = append(attrs, slog.Int("active", d.ActiveChannel), slog.Int("refs", d.RefCount))
	}
	return slog.GroupValue(attrs...)
}

// Print logs the configuration of the device under label. It is meant for
// operator troubleshooting and never fails.
func (d Device) Print(label string) {
	if d.r == nil {
		slog.Warn(label, "device", "unregistered")
		return
	}
	desc, err := d.r.Get(d.id)
	if err != nil {
		d.r.logger.Warn(label, "device", d.id.String(), "error", err)
		return
	}
	d.r.logger.Info(label, "device", desc, "summary", desc.String())
}
