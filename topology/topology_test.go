package topology

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/mklimuk/busdev"
	"github.com/mklimuk/busdev/bustest"
	"github.com/mklimuk/busdev/device"
)

func benchBuses(t *testing.T) (*bustest.I2C, *bustest.SPI, map[string]*gpiotest.Pin, Buses) {
	t.Helper()
	i2cBus := bustest.NewI2C()
	i2cBus.AttachMux(0x70)
	i2cBus.AttachBehind(0x70, 1, 0x76, 1)
	i2cBus.SetReg(0x76, 0xD0, 0x60)
	i2cBus.AttachBehind(0x70, 3, 0x48, 1)
	i2cBus.Attach(0x50, 2)
	i2cBus.Attach(0x0B, 1)
	i2cBus.EnablePEC(0x0B)
	spiBus := bustest.NewSPI()
	spiBus.Attach(1)
	spiBus.SetReg(1, 0x00, 0xE5)
	pins := map[string]*gpiotest.Pin{}
	return i2cBus, spiBus, pins, Buses{
		I2C: map[string]busdev.I2CBus{"main": i2cBus},
		SPI: map[string]busdev.SPIBus{"spi0": spiBus},
		Pin: func(name string) (gpio.PinOut, error) {
			p := &gpiotest.Pin{N: name}
			pins[name] = p
			return p, nil
		},
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/bench.yaml")
	require.NoError(t, err)
	require.Len(t, cfg.Buses, 2)
	require.Len(t, cfg.Devices, 6)

	spi0, ok := cfg.Bus("spi0")
	require.True(t, ok)
	assert.Equal(t, map[int]string{0: "GPIO8", 1: "GPIO7"}, spi0.Select)
	bme := cfg.Devices[1]
	assert.Equal(t, 0x76, *bme.Address)
	assert.Equal(t, &ProbeConfig{Register: 0xD0, Expect: 0x60}, bme.Probe)
	assert.Equal(t, 2, cfg.Devices[3].RegisterWidth)
	assert.True(t, cfg.Devices[4].PEC)

	_, err = Load("testdata/missing.yaml")
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	cfg, err := Load("testdata/bench.yaml")
	require.NoError(t, err)
	_, spiBus, pins, buses := benchBuses(t)
	reg := device.NewRegistry()

	topo, err := Build(reg, cfg, buses)
	require.NoError(t, err)
	assert.Equal(t, []string{"mux", "bme280", "tc74", "eeprom", "battery", "adxl345"}, topo.Names())
	assert.Equal(t, 6, reg.Len())

	for _, d := range topo.Devices() {
		assert.True(t, d.Detect(ctx))
	}
	assert.Equal(t, gpio.High, pins["GPIO17"].Read())
	mux, ok := topo.Device("mux")
	require.True(t, ok)
	desc, err := mux.Descriptor()
	require.NoError(t, err)
	assert.Equal(t, 2, desc.RefCount)
	assert.Equal(t, 3, desc.ActiveChannel)

	battery, ok := topo.Device("battery")
	require.True(t, ok)
	require.NoError(t, battery.WriteRegister(ctx, 0x03, 0x41))
	v, err := battery.ReadRegister(ctx, 0x03)
	require.NoError(t, err)
	assert.Equal(t, byte(0x41), v)

	require.NoError(t, topo.Close())
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, gpio.Low, pins["GPIO17"].Read())
	assert.False(t, spiBus.Selected())
}

func TestBuild_MissingBusReleasesCreated(t *testing.T) {
	cfg, err := Load("testdata/bench.yaml")
	require.NoError(t, err)
	_, _, _, buses := benchBuses(t)
	delete(buses.SPI, "spi0")
	reg := device.NewRegistry()

	_, err = Build(reg, cfg, buses)
	assert.ErrorIs(t, err, busdev.ErrInvalidTopology)
	assert.Contains(t, err.Error(), "adxl345")
	assert.Equal(t, 0, reg.Len())
}

func TestValidate(t *testing.T) {
	const buses = `
buses:
  - {name: main, kind: i2c, driver: loopback}
  - {name: spi0, kind: spi, driver: loopback}
devices:
`
	tests := []struct {
		name    string
		devices string
	}{
		{"unknown bus", `  - {name: a, bus: other, address: 0x40}`},
		{"duplicate name", "  - {name: a, bus: main, address: 0x40}\n  - {name: a, bus: main, address: 0x41}"},
		{"missing address", `  - {name: a, bus: main}`},
		{"address on spi", `  - {name: a, bus: spi0, address: 0x40}`},
		{"select on i2c", `  - {name: a, bus: main, address: 0x40, select: 1}`},
		{"10-bit address", `  - {name: a, bus: main, address: 0x140}`},
		{"mux declared later", "  - {name: a, bus: main, address: 0x40, mux: m}\n  - {name: m, bus: main, address: 0x70, role: mux}"},
		{"mux is a sensor", "  - {name: m, bus: main, address: 0x70, role: sensor}\n  - {name: a, bus: main, address: 0x40, mux: m}"},
		{"channel out of range", "  - {name: m, bus: main, address: 0x70, role: mux}\n  - {name: a, bus: main, address: 0x40, mux: m, channel: 8}"},
		{"spi behind mux", "  - {name: m, bus: main, address: 0x70, role: mux}\n  - {name: a, bus: spi0, select: 0, mux: m}"},
		{"pec on spi", `  - {name: a, bus: spi0, select: 0, pec: true}`},
		{"unknown role", `  - {name: a, bus: main, address: 0x40, role: actuator}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(buses + test.devices))
			assert.ErrorIs(t, err, busdev.ErrInvalidTopology)
		})
	}

	_, err := Parse(strings.NewReader("buses:\n  - {name: main, kind: can}\n"))
	assert.ErrorIs(t, err, busdev.ErrInvalidTopology)
	_, err = Parse(strings.NewReader("busses: []\n"))
	assert.Error(t, err)
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, cfg.Devices)
}

func TestBuild_EnableWithoutResolver(t *testing.T) {
	doc := fmt.Sprintf("buses:\n  - {name: main, kind: i2c}\ndevices:\n  - {name: a, bus: main, address: %d, enable: GPIO4}\n", 0x40)
	cfg, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	_, err = Build(device.NewRegistry(), cfg, Buses{I2C: map[string]busdev.I2CBus{"main": bustest.NewI2C()}})
	assert.ErrorIs(t, err, busdev.ErrInvalidTopology)
}

func TestBuild_FailedCreateDisablesEnableLine(t *testing.T) {
	doc := "buses:\n  - {name: main, kind: i2c}\ndevices:\n  - {name: a, bus: main, address: 0x40, enable: GPIO4}\n"
	cfg, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	pin := &gpiotest.Pin{N: "GPIO4", L: gpio.High}
	reg := device.NewRegistry()

	_, err = Build(reg, cfg, Buses{
		I2C: map[string]busdev.I2CBus{},
		Pin: func(name string) (gpio.PinOut, error) { return pin, nil },
	})
	assert.ErrorIs(t, err, busdev.ErrInvalidTopology)
	assert.Equal(t, gpio.Low, pin.Read())
	assert.Equal(t, 0, reg.Len())
}
