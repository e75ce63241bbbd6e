package adapter

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/busdev"
	"github.com/mklimuk/busdev/device"
)

// bridge answers each 64 byte report with the report built by reply.
type bridge struct {
	requests [][]byte
	reply    func(req []byte) []byte
	pending  []byte
	closed   int
}

func (b *bridge) Write(p []byte) (int, error) {
	req := append([]byte{}, p...)
	b.requests = append(b.requests, req)
	resp := make([]byte, reportSize)
	resp[0] = req[0]
	if b.reply != nil {
		copy(resp, b.reply(req))
	}
	b.pending = resp
	return len(p), nil
}

func (b *bridge) Read(p []byte) (int, error) {
	return copy(p, b.pending), nil
}

func (b *bridge) Close() error {
	b.closed++
	return nil
}

func newTestBridge(b *bridge) *MCP2221 {
	d := NewMCP2221(WithResponseWait(0))
	d.open = func(int) (io.ReadWriteCloser, error) { return b, nil }
	return d
}

// eeprom emulates a one byte register file at addr.
func eeprom(addr byte, regs map[byte]byte) func(req []byte) []byte {
	var ptr byte
	var toRead int
	return func(req []byte) []byte {
		resp := make([]byte, reportSize)
		resp[0] = req[0]
		switch req[0] {
		case cmdWrite, cmdWriteNoStop:
			n := int(req[1]) | int(req[2])<<8
			if req[3] != addr<<1 {
				resp[1] = 0x01
				return resp
			}
			if n > 0 {
				ptr = req[4]
				for i := 1; i < n; i++ {
					regs[ptr] = req[4+i]
					ptr++
				}
			}
		case cmdRead, cmdReadRepeated:
			toRead = int(req[1]) | int(req[2])<<8
		case cmdGetData:
			resp[3] = byte(toRead)
			for i := 0; i < toRead; i++ {
				resp[4+i] = regs[ptr]
				ptr++
			}
		}
		return resp
	}
}

func TestMCP2221_WriteFrame(t *testing.T) {
	ctx := context.Background()
	b := &bridge{}
	d := newTestBridge(b)

	require.NoError(t, d.WriteToAddr(ctx, 0x20, []byte{0x0A, 0xFF}))
	require.Len(t, b.requests, 1)
	assert.Equal(t, []byte{cmdWrite, 0x02, 0x00, 0x40, 0x0A, 0xFF}, b.requests[0][:6])
	assert.Equal(t, 1, b.closed)

	assert.Error(t, d.WriteToAddr(ctx, 0x20, make([]byte, maxData+1)))
	assert.Len(t, b.requests, 1)
}

func TestMCP2221_Busy(t *testing.T) {
	ctx := context.Background()
	b := &bridge{reply: func(req []byte) []byte { return []byte{req[0], 0x01} }}
	d := newTestBridge(b)

	assert.ErrorIs(t, d.WriteToAddr(ctx, 0x20, []byte{0x00}), busdev.ErrBusBusy)
	assert.ErrorIs(t, d.ReadFromAddr(ctx, 0x20, make([]byte, 1)), busdev.ErrBusBusy)
}

func TestMCP2221_RepeatedStartRead(t *testing.T) {
	ctx := context.Background()
	b := &bridge{reply: eeprom(0x50, map[byte]byte{0x10: 0xCA, 0x11: 0xFE})}
	d := newTestBridge(b)

	r := make([]byte, 2)
	require.NoError(t, d.TxAddr(ctx, 0x50, []byte{0x10}, r))
	assert.Equal(t, []byte{0xCA, 0xFE}, r)
	require.Len(t, b.requests, 3)
	assert.Equal(t, []byte{cmdWriteNoStop, 0x01, 0x00, 0xA0, 0x10}, b.requests[0][:5])
	assert.Equal(t, []byte{cmdReadRepeated, 0x02, 0x00, 0xA1}, b.requests[1][:4])
	assert.Equal(t, byte(cmdGetData), b.requests[2][0])
}

func TestMCP2221_ReadSizeMismatch(t *testing.T) {
	ctx := context.Background()
	b := &bridge{reply: func(req []byte) []byte {
		resp := []byte{req[0], 0x00, 0x00, 0x00}
		if req[0] == cmdGetData {
			resp[3] = 127
		}
		return resp
	}}
	d := newTestBridge(b)
	assert.Error(t, d.ReadFromAddr(ctx, 0x20, make([]byte, 4)))
}

func TestMCP2221_DrivesDevice(t *testing.T) {
	ctx := context.Background()
	regs := map[byte]byte{}
	b := &bridge{reply: eeprom(0x50, regs)}
	d := newTestBridge(b)

	r := device.NewRegistry()
	dev, err := r.CreateI2C(d, 0x50, device.WithRole(device.RoleNonVolatileMemory))
	require.NoError(t, err)
	assert.Equal(t, 58, dev.TransferLimit())

	require.NoError(t, dev.WriteBuffer(ctx, 0x00, []byte("hello")))
	assert.Equal(t, byte('h'), regs[0x00])
	got, err := dev.ReadBuffer(ctx, 0x00, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	assert.True(t, dev.Detect(ctx))
}

func TestBufferToStatus(t *testing.T) {
	buf := make([]byte, reportSize)
	buf[9], buf[10] = 0x10, 0x00
	buf[11], buf[12] = 0x08, 0x00
	buf[13] = 3
	buf[14] = 0x76
	buf[15] = 0x05
	buf[16], buf[17] = 0xA0, 0x00
	buf[25] = 1

	assert.Equal(t, &MCP2221Status{
		I2CDataBufferCounter:   3,
		I2CSpeedDivider:        0x76,
		I2CTimeout:             5,
		CurrentAddress:         "a000",
		LastWriteRequestedSize: 16,
		LastWriteSentSize:      8,
		ReadPending:            1,
	}, bufferToStatus(buf))
}

func TestMCP2221_ReleaseBus(t *testing.T) {
	ctx := context.Background()
	b := &bridge{}
	d := newTestBridge(b)

	_, err := d.ReleaseBus(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(cmdStatus), b.requests[0][0])
	assert.Equal(t, byte(cancelTransfer), b.requests[0][2])
	require.NoError(t, d.Init(ctx))
	assert.Equal(t, byte(0x00), b.requests[1][2])
}

func TestMCP2221_EnablePin(t *testing.T) {
	b := &bridge{}
	d := newTestBridge(b)
	pin := d.Pin(2)
	assert.Equal(t, "MCP2221.GP2", pin.String())

	require.NoError(t, pin.Out(gpio.High))
	req := b.requests[0]
	assert.Equal(t, byte(cmdSetGPIO), req[0])
	assert.Equal(t, []byte{0x01, 0x01, 0x01, 0x00}, req[10:14])

	require.NoError(t, pin.Out(gpio.Low))
	assert.Equal(t, []byte{0x01, 0x00, 0x01, 0x00}, b.requests[1][10:14])
	assert.Error(t, d.Pin(4).Out(gpio.High))
}

func TestMCP2221_ReadGPIO(t *testing.T) {
	ctx := context.Background()
	b := &bridge{reply: func(req []byte) []byte {
		return []byte{req[0], 0x00, 0x01, 0x00, 0x00, 0x01, gpioNotAssigned, gpioNotAssigned, 0x01, 0x01}
	}}
	d := newTestBridge(b)

	states, err := d.ReadGPIO(ctx)
	require.NoError(t, err)
	assert.Equal(t, [4]GPIOState{
		{Mode: GPIOModeOut, Value: 1},
		{Mode: GPIOModeIn, Value: 0},
		{Mode: GPIOModeNoOperation},
		{Mode: GPIOModeIn, Value: 1},
	}, states)
}
