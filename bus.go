package busdev

import (
	"context"
	"errors"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

var (
	ErrInvalidTopology      = errors.New("invalid device topology")
	ErrDeviceInUse          = errors.New("device in use")
	ErrBusTransactionFailed = errors.New("bus transaction failed")
	ErrNotDetected          = errors.New("device not detected")
	ErrReleased             = errors.New("device released")
	ErrPEC                  = errors.New("packet error code mismatch")
)

// Default transfer limits used when a bus does not implement Limiter.
const (
	DefaultI2CTransferLimit = 32
	DefaultSPITransferLimit = 255
)

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// I2CTransactor is implemented by buses able to write and read in a single
// repeated-start transaction.
type I2CTransactor interface {
	TxAddr(ctx context.Context, address byte, w, r []byte) error
}

// Line identifies a chip-select line on an SPI bus.
type Line uint8

// SPIBus is a clocked bus shared between devices through select lines.
// Transfer is full duplex: when r is not nil it must be as long as w.
type SPIBus interface {
	Select(ctx context.Context, line Line) error
	Deselect(ctx context.Context, line Line) error
	Transfer(ctx context.Context, w, r []byte) error
}

// Limiter reports the largest payload a bus moves in one transaction.
type Limiter interface {
	TransferLimit() int
}
