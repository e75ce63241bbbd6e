// Package device implements device descriptors shared by sensor drivers:
// their lifecycle, multiplexer channel arbitration and the register
// protocol over I2C and SPI buses.
package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mklimuk/busdev"
	"periph.io/x/conn/v3/gpio"
)

type slot struct {
	// gen and live are written with both the registry mutex and mx held.
	gen  uint32
	live bool

	name     string
	role     Role
	payload  Payload
	regWidth int
	probe    *probe
	pec      bool

	// refs is guarded by the registry mutex.
	refs int
	// mx serializes select-then-transact on a multiplexer and guards active.
	mx     sync.Mutex
	active int
}

type probe struct {
	register uint16
	expect   byte
}

type lineKey struct {
	bus  busdev.SPIBus
	line busdev.Line
}

// Registry owns every descriptor created through it. Devices refer to their
// upstream multiplexer by ID, never by pointer ownership.
//
// SPI bus handles are used as map keys and must be comparable (pointer types).
// The same holds for I2C handles of multiplexed devices, which are compared
// with the multiplexer's bus.
type Registry struct {
	mx     sync.Mutex
	slots  []*slot
	free   []uint32
	order  []ID
	lines  map[lineKey]ID
	spiMx  map[busdev.SPIBus]*sync.Mutex
	logger *slog.Logger
}

type RegistryOption func(*Registry)

func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		lines:  make(map[lineKey]ID),
		spiMx:  make(map[busdev.SPIBus]*sync.Mutex),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type config struct {
	name     string
	role     Role
	mux      *Device
	channel  int
	enable   gpio.PinOut
	regWidth int
	probe    *probe
	pec      bool
}

// Option customizes a device at creation.
type Option func(*config)

// WithMux places an I2C device behind channel of the mux multiplexer.
func WithMux(mux Device, channel int) Option {
	return func(c *config) {
		c.mux = &mux
		c.channel = channel
	}
}

// WithEnableLine hands ownership of an enable output to the device. The line
// is driven high on detection and low on release.
func WithEnableLine(pin gpio.PinOut) Option {
	return func(c *config) {
		c.enable = pin
	}
}

func WithRole(role Role) Option {
	return func(c *config) {
		c.role = role
	}
}

func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithRegisterWidth sets the register identifier size in bytes (1 or 2).
func WithRegisterWidth(width int) Option {
	return func(c *config) {
		c.regWidth = width
	}
}

// WithProbe makes detection read register and compare it with expect.
func WithProbe(register uint16, expect byte) Option {
	return func(c *config) {
		c.probe = &probe{register: register, expect: expect}
	}
}

// WithPEC appends an SMBus packet error code to register writes and checks
// the one trailing register reads.
func WithPEC() Option {
	return func(c *config) {
		c.pec = true
	}
}

func newConfig(opts []Option) *config {
	c := &config{regWidth: 1}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateI2C registers a device answering at address on bus.
func (r *Registry) CreateI2C(bus busdev.I2CBus, address byte, opts ...Option) (Device, error) {
	c := newConfig(opts)
	if bus == nil {
		return Device{}, fmt.Errorf("%w: nil i2c bus", busdev.ErrInvalidTopology)
	}
	if address > 0x7F {
		return Device{}, fmt.Errorf("%w: address %#x is not a 7-bit address", busdev.ErrInvalidTopology, address)
	}
	if err := c.validateWidth(); err != nil {
		return Device{}, err
	}
	p := I2CPayload{Bus: bus, Address: address, Enable: c.enable}

	r.mx.Lock()
	defer r.mx.Unlock()
	var up *slot
	if c.mux != nil {
		if c.mux.r != r {
			return Device{}, fmt.Errorf("%w: multiplexer belongs to another registry", busdev.ErrInvalidTopology)
		}
		up = r.lookup(c.mux.id)
		if up == nil {
			return Device{}, fmt.Errorf("%w: multiplexer %s: %w", busdev.ErrInvalidTopology, c.mux.id, busdev.ErrReleased)
		}
		if up.role != RoleMultiplexer || up.payload.Kind() != BusI2C {
			return Device{}, fmt.Errorf("%w: upstream %s is %s/%s, want i2c multiplexer",
				busdev.ErrInvalidTopology, c.mux.id, up.payload.Kind(), up.role)
		}
		if up.payload.(I2CPayload).Bus != bus {
			return Device{}, fmt.Errorf("%w: multiplexer %s sits on another bus", busdev.ErrInvalidTopology, c.mux.id)
		}
		if c.channel < 0 || c.channel >= MaxMuxChannels {
			return Device{}, fmt.Errorf("%w: channel %d out of range", busdev.ErrInvalidTopology, c.channel)
		}
		p.Mux = c.mux.id
		p.Channel = c.channel
	}
	id := r.insert(c, p)
	if up != nil {
		up.refs++
	}
	r.logger.Debug("i2c device created", "id", id, "name", c.name, "addr", fmt.Sprintf("0x%02x", address), "role", c.role)
	return Device{r: r, id: id}, nil
}

// CreateSPI registers a device selected by line on bus. The line is owned
// exclusively until the device is released.
func (r *Registry) CreateSPI(bus busdev.SPIBus, line busdev.Line, opts ...Option) (Device, error) {
	c := newConfig(opts)
	if bus == nil {
		return Device{}, fmt.Errorf("%w: nil spi bus", busdev.ErrInvalidTopology)
	}
	if c.mux != nil {
		return Device{}, fmt.Errorf("%w: spi devices cannot sit behind an i2c multiplexer", busdev.ErrInvalidTopology)
	}
	if c.enable != nil {
		return Device{}, fmt.Errorf("%w: enable lines are only supported on i2c devices", busdev.ErrInvalidTopology)
	}
	if c.role == RoleMultiplexer {
		return Device{}, fmt.Errorf("%w: multiplexers must be i2c devices", busdev.ErrInvalidTopology)
	}
	if c.regWidth != 1 {
		return Device{}, fmt.Errorf("%w: spi registers are 7-bit", busdev.ErrInvalidTopology)
	}
	if c.pec {
		return Device{}, fmt.Errorf("%w: packet error codes are an smbus feature", busdev.ErrInvalidTopology)
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	key := lineKey{bus: bus, line: line}
	if owner, ok := r.lines[key]; ok {
		return Device{}, fmt.Errorf("%w: select line %d already owned by %s", busdev.ErrInvalidTopology, line, owner)
	}
	id := r.insert(c, SPIPayload{Bus: bus, Select: line})
	r.lines[key] = id
	if _, ok := r.spiMx[bus]; !ok {
		r.spiMx[bus] = &sync.Mutex{}
	}
	r.logger.Debug("spi device created", "id", id, "name", c.name, "cs", line, "role", c.role)
	return Device{r: r, id: id}, nil
}

func (c *config) validateWidth() error {
	if c.regWidth != 1 && c.regWidth != 2 {
		return fmt.Errorf("%w: register width %d not supported", busdev.ErrInvalidTopology, c.regWidth)
	}
	return nil
}

func (r *Registry) insert(c *config, p Payload) ID {
	var index uint32
	var s *slot
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
		s = r.slots[index]
	} else {
		index = uint32(len(r.slots))
		s = &slot{}
		r.slots = append(r.slots, s)
	}
	s.mx.Lock()
	s.gen++
	s.live = true
	s.active = ChannelUnknown
	s.mx.Unlock()
	s.name = c.name
	s.role = c.role
	s.payload = p
	s.regWidth = c.regWidth
	s.probe = c.probe
	s.pec = c.pec
	s.refs = 0
	id := ID{index: index, gen: s.gen}
	r.order = append(r.order, id)
	return id
}

// lookup must be called with r.mx held.
func (r *Registry) lookup(id ID) *slot {
	if id.IsZero() || int(id.index) >= len(r.slots) {
		return nil
	}
	s := r.slots[id.index]
	if !s.live || s.gen != id.gen {
		return nil
	}
	return s
}

// Release retires a descriptor. A multiplexer with live dependents is kept
// and ErrDeviceInUse is returned.
func (r *Registry) Release(id ID) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	s := r.lookup(id)
	if s == nil {
		return fmt.Errorf("release %s: %w", id, busdev.ErrReleased)
	}
	if s.role == RoleMultiplexer && s.refs > 0 {
		return fmt.Errorf("release %s: %d dependents: %w", id, s.refs, busdev.ErrDeviceInUse)
	}
	var enable gpio.PinOut
	switch p := s.payload.(type) {
	case I2CPayload:
		if !p.Mux.IsZero() {
			if up := r.lookup(p.Mux); up != nil && up.refs > 0 {
				up.refs--
			}
		}
		enable = p.Enable
	case SPIPayload:
		delete(r.lines, lineKey{bus: p.Bus, line: p.Select})
	}
	s.mx.Lock()
	s.live = false
	s.mx.Unlock()
	s.payload = nil
	s.probe = nil
	r.free = append(r.free, id.index)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if enable != nil {
		if err := enable.Out(gpio.Low); err != nil {
			r.logger.Warn("could not disable device", "id", id, "error", err)
		}
	}
	r.logger.Debug("device released", "id", id, "name", s.name)
	return nil
}

// Get returns a snapshot of the descriptor.
func (r *Registry) Get(id ID) (Descriptor, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	s := r.lookup(id)
	if s == nil {
		return Descriptor{}, fmt.Errorf("get %s: %w", id, busdev.ErrReleased)
	}
	return s.describe(id), nil
}

// Devices lists live devices in creation order.
func (r *Registry) Devices() []Device {
	r.mx.Lock()
	defer r.mx.Unlock()
	res := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		res = append(res, Device{r: r, id: id})
	}
	return res
}

func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.order)
}

// InvalidateChannel forgets the cached channel of a multiplexer so that the
// next dependent transaction selects it again.
func (r *Registry) InvalidateChannel(id ID) error {
	r.mx.Lock()
	s := r.lookup(id)
	r.mx.Unlock()
	if s == nil {
		return fmt.Errorf("invalidate %s: %w", id, busdev.ErrReleased)
	}
	if s.role != RoleMultiplexer {
		return fmt.Errorf("invalidate %s: not a multiplexer: %w", id, busdev.ErrInvalidTopology)
	}
	s.mx.Lock()
	s.active = ChannelUnknown
	s.mx.Unlock()
	return nil
}

func (s *slot) describe(id ID) Descriptor {
	s.mx.Lock()
	active := s.active
	s.mx.Unlock()
	return Descriptor{
		ID:            id,
		Name:          s.name,
		Role:          s.role,
		Payload:       s.payload,
		RegisterWidth: s.regWidth,
		PEC:           s.pec,
		ActiveChannel: active,
		RefCount:      s.refs,
	}
}

// Device is a handle on a registered descriptor.
type Device struct {
	r  *Registry
	id ID
}

func (d Device) ID() ID {
	return d.id
}

func (d Device) IsZero() bool {
	return d.r == nil || d.id.IsZero()
}

func (d Device) Release() error {
	if d.r == nil {
		return busdev.ErrReleased
	}
	return d.r.Release(d.id)
}

func (d Device) Descriptor() (Descriptor, error) {
	if d.r == nil {
		return Descriptor{}, busdev.ErrReleased
	}
	return d.r.Get(d.id)
}
