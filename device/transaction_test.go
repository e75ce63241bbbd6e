package device

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/busdev"
	"github.com/mklimuk/busdev/bustest"
)

// plainBus hides the optional interfaces of the wrapped bus.
type plainBus struct {
	busdev.I2CBus
}

func TestTransaction_RoundTrip(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	i2cBus := bustest.NewI2C()
	i2cBus.Attach(0x76, 1)
	spiBus := bustest.NewSPI()
	spiBus.Attach(1)

	direct, err := r.CreateI2C(i2cBus, 0x76)
	require.NoError(t, err)
	split, err := r.CreateI2C(plainBus{i2cBus}, 0x76)
	require.NoError(t, err)
	chip, err := r.CreateSPI(spiBus, 1)
	require.NoError(t, err)

	for name, d := range map[string]Device{"i2c": direct, "i2c without repeated start": split, "spi": chip} {
		t.Run(name, func(t *testing.T) {
			for _, v := range []byte{0x00, 0x01, 0x7F, 0x80, 0xFF} {
				require.NoError(t, d.WriteRegister(ctx, 0x21, v))
				got, err := d.ReadRegister(ctx, 0x21)
				require.NoError(t, err)
				assert.Equal(t, v, got)
			}
		})
	}
}

func TestTransaction_BufferRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	i2cBus := bustest.NewI2C()
	i2cBus.Attach(0x50, 2)
	spiBus := bustest.NewSPI()
	spiBus.Attach(0)

	eeprom, err := r.CreateI2C(i2cBus, 0x50, WithRole(RoleNonVolatileMemory), WithRegisterWidth(2))
	require.NoError(t, err)
	chip, err := r.CreateSPI(spiBus, 0)
	require.NoError(t, err)

	data := []byte("busdev")
	require.NoError(t, eeprom.WriteBuffer(ctx, 0x1234, data))
	assert.Equal(t, []byte{0x12, 0x34, 'b', 'u', 's', 'd', 'e', 'v'}, i2cBus.Ops()[0].W)
	got, err := eeprom.ReadBuffer(ctx, 0x1234, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, chip.WriteBuffer(ctx, 0x10, data))
	got, err = chip.ReadBuffer(ctx, 0x10, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, byte('b'), spiBus.Reg(0, 0x10))
}

func TestTransaction_TransferLimits(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	i2cBus := bustest.NewI2C()
	i2cBus.Attach(0x40, 1)
	limited := bustest.NewI2C()
	limited.Limit = 60
	limited.Attach(0x40, 1)
	spiBus := bustest.NewSPI()
	spiBus.Attach(3)

	onI2C, err := r.CreateI2C(i2cBus, 0x40)
	require.NoError(t, err)
	onPlain, err := r.CreateI2C(plainBus{i2cBus}, 0x40)
	require.NoError(t, err)
	onLimited, err := r.CreateI2C(limited, 0x40)
	require.NoError(t, err)
	onSPI, err := r.CreateSPI(spiBus, 3)
	require.NoError(t, err)

	tests := []struct {
		name  string
		dev   Device
		limit int
	}{
		{"i2c", onI2C, busdev.DefaultI2CTransferLimit},
		{"i2c default", onPlain, busdev.DefaultI2CTransferLimit},
		{"i2c bus limit", onLimited, 60},
		{"spi", onSPI, busdev.DefaultSPITransferLimit},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.limit, test.dev.TransferLimit())
			full := bytes.Repeat([]byte{0xA5}, test.limit)
			assert.NoError(t, test.dev.WriteBuffer(ctx, 0x00, full))
			buf, err := test.dev.ReadBuffer(ctx, 0x00, test.limit)
			assert.NoError(t, err)
			assert.Equal(t, full, buf)

			err = test.dev.WriteBuffer(ctx, 0x00, append(full, 0xA5))
			assert.ErrorIs(t, err, busdev.ErrBusTransactionFailed)
			_, err = test.dev.ReadBuffer(ctx, 0x00, test.limit+1)
			assert.ErrorIs(t, err, busdev.ErrBusTransactionFailed)
			_, err = test.dev.ReadBuffer(ctx, 0x00, 0)
			assert.ErrorIs(t, err, busdev.ErrBusTransactionFailed)
		})
	}
}

func TestTransaction_SPIFraming(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	bus := bustest.NewSPI()
	bus.Attach(2)
	d, err := r.CreateSPI(bus, 2)
	require.NoError(t, err)

	require.NoError(t, d.WriteRegister(ctx, 0x0D, 0x10))
	_, err = d.ReadBuffer(ctx, 0x0D, 2)
	require.NoError(t, err)

	assert.Equal(t, []bustest.SPIOp{
		{Line: 2, Select: true},
		{Line: 2, W: []byte{0x0D}},
		{Line: 2, W: []byte{0x10}},
		{Line: 2, Deselect: true},
		{Line: 2, Select: true},
		{Line: 2, W: []byte{0x8D}},
		{Line: 2, W: []byte{0x00, 0x00}},
		{Line: 2, Deselect: true},
	}, bus.Ops())

	_, err = d.ReadRegister(ctx, 0x80)
	assert.ErrorIs(t, err, busdev.ErrBusTransactionFailed)
}

func TestTransaction_SPIDeselectsOnFailure(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	bus := bustest.NewSPI()
	bus.Attach(0)
	d, err := r.CreateSPI(bus, 0)
	require.NoError(t, err)

	bus.FailTransfers(1)
	_, err = d.ReadRegister(ctx, 0x01)
	assert.ErrorIs(t, err, busdev.ErrBusTransactionFailed)
	assert.False(t, bus.Selected())

	bus.FailTransfers(1)
	err = d.WriteBuffer(ctx, 0x01, []byte{1, 2, 3})
	assert.ErrorIs(t, err, busdev.ErrBusTransactionFailed)
	assert.False(t, bus.Selected())

	bus.FailSelects(1)
	err = d.WriteRegister(ctx, 0x01, 0x01)
	assert.ErrorIs(t, err, busdev.ErrBusTransactionFailed)
	assert.False(t, bus.Selected())

	// the bus is usable afterwards
	require.NoError(t, d.WriteRegister(ctx, 0x01, 0x42))
	v, err := d.ReadRegister(ctx, 0x01)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), v)
}

func TestTransaction_I2CFailuresAreValues(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	bus := bustest.NewI2C()
	bus.Attach(0x40, 1)
	missing, err := r.CreateI2C(bus, 0x41)
	require.NoError(t, err)
	busy, err := r.CreateI2C(plainBus{bus}, 0x40)
	require.NoError(t, err)

	_, err = missing.ReadRegister(ctx, 0x00)
	assert.ErrorIs(t, err, busdev.ErrBusTransactionFailed)
	assert.ErrorIs(t, err, bustest.ErrNack)

	bus.FailNext(0x40, 1, busdev.ErrBusBusy)
	err = busy.WriteRegister(ctx, 0x00, 0x01)
	assert.ErrorIs(t, err, busdev.ErrBusTransactionFailed)
	assert.ErrorIs(t, err, busdev.ErrBusBusy)

	_, err = busy.ReadRegister(ctx, 0x100)
	assert.ErrorIs(t, err, busdev.ErrBusTransactionFailed)
}

func TestTransaction_ReleasedDevice(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	bus := bustest.NewI2C()
	bus.Attach(0x40, 1)
	d, err := r.CreateI2C(bus, 0x40)
	require.NoError(t, err)
	require.NoError(t, d.Release())
	bus.ResetOps()

	_, err = d.ReadRegister(ctx, 0x00)
	assert.ErrorIs(t, err, busdev.ErrReleased)
	assert.ErrorIs(t, d.WriteRegister(ctx, 0x00, 1), busdev.ErrReleased)
	assert.Equal(t, 0, d.TransferLimit())
	assert.Empty(t, bus.Ops())

	var zero Device
	_, err = zero.ReadBuffer(ctx, 0, 1)
	assert.ErrorIs(t, err, busdev.ErrReleased)
}

func TestTransaction_PacketErrorCode(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	bus := bustest.NewI2C()
	bus.Attach(0x0B, 1)
	bus.EnablePEC(0x0B)

	direct, err := r.CreateI2C(bus, 0x0B, WithPEC(), WithName("battery"))
	require.NoError(t, err)
	split, err := r.CreateI2C(plainBus{bus}, 0x0B, WithPEC())
	require.NoError(t, err)
	assert.Equal(t, busdev.DefaultI2CTransferLimit-1, direct.TransferLimit())

	require.NoError(t, direct.WriteRegister(ctx, 0x09, 0x3C))
	w := bus.Ops()[0].W
	require.Len(t, w, 3)
	assert.Equal(t, busdev.PEC([]byte{0x16, 0x09, 0x3C}), w[2])
	assert.Equal(t, byte(0x3C), bus.Reg(0x0B, 0x09))

	for name, d := range map[string]Device{"repeated start": direct, "split": split} {
		t.Run(name, func(t *testing.T) {
			v, err := d.ReadRegister(ctx, 0x09)
			require.NoError(t, err)
			assert.Equal(t, byte(0x3C), v)

			bus.CorruptPEC(0x0B, 1)
			_, err = d.ReadRegister(ctx, 0x09)
			assert.ErrorIs(t, err, busdev.ErrBusTransactionFailed)
			assert.ErrorIs(t, err, busdev.ErrPEC)
		})
	}

	desc, err := direct.Descriptor()
	require.NoError(t, err)
	assert.True(t, desc.PEC)
	assert.Contains(t, desc.String(), " pec")
}
