package i2c

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/busdev/device"
)

func TestGenericBus_Transactions(t *testing.T) {
	ctx := context.Background()
	playback := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x48, W: []byte{0x01, 0x80}},
			{Addr: 0x48, W: []byte{0x00}, R: []byte{0x19}},
			{Addr: 0x48, R: []byte{0x19, 0x20}},
		},
		DontPanic: true,
	}
	bus := NewGenericBus(playback)
	require.NoError(t, bus.SetSpeed(100*physic.KiloHertz))

	require.NoError(t, bus.WriteToAddr(ctx, 0x48, []byte{0x01, 0x80}))
	r := make([]byte, 1)
	require.NoError(t, bus.TxAddr(ctx, 0x48, []byte{0x00}, r))
	assert.Equal(t, byte(0x19), r[0])
	r = make([]byte, 2)
	require.NoError(t, bus.ReadFromAddr(ctx, 0x48, r))
	assert.Equal(t, []byte{0x19, 0x20}, r)

	assert.Error(t, bus.WriteToAddr(ctx, 0x48, []byte{0x00}))
	assert.NoError(t, bus.Close())
}

func TestGenericBus_DrivesDevice(t *testing.T) {
	ctx := context.Background()
	playback := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x70, W: []byte{0x04}},
			{Addr: 0x40, W: []byte{0x0F}, R: []byte{0xA1}},
			{Addr: 0x40, W: []byte{0x10, 0x01, 0x02}},
		},
		DontPanic: true,
	}
	bus := NewGenericBus(playback)
	r := device.NewRegistry()
	mux, err := r.CreateI2C(bus, 0x70, device.WithRole(device.RoleMultiplexer))
	require.NoError(t, err)
	d, err := r.CreateI2C(bus, 0x40, device.WithMux(mux, 2))
	require.NoError(t, err)

	v, err := d.ReadRegister(ctx, 0x0F)
	require.NoError(t, err)
	assert.Equal(t, byte(0xA1), v)
	require.NoError(t, d.WriteBuffer(ctx, 0x10, []byte{0x01, 0x02}))
	assert.NoError(t, playback.Close())
}
