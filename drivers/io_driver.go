package drivers

import (
	"context"
	"math/bits"

	"github.com/pkg/errors"
)

// LineCount is the number of digital lines addressable by a DioDevice.
const LineCount = 16

// DioDevice is a 16-line digital output device. Bit i of every mask and value
// addresses line i.
type DioDevice interface {
	Setup(ctx context.Context) error
	Close() error
	String() string
	IsReady() bool

	CheckConnection() bool
	ConfigureOutputs(mask uint16, initial uint16) error
	Write(value uint16, mask uint16) error
	GetOutputs() uint16
}

func MapAllDioDrivers() map[string]DioDevice {
	drivers := []DioDevice{
		&GpDIO{},
		&McpDIO{},
		&MockDIO{},
		&RemoteDIO{},
	}

	mapped := make(map[string]DioDevice)
	for _, driver := range drivers {
		mapped[driver.String()] = driver
	}
	return mapped
}

// maskLines lists the line numbers set in mask, lowest first.
func maskLines(mask uint16) (lines []uint8) {
	for mask != 0 {
		line := uint8(bits.TrailingZeros16(mask))
		lines = append(lines, line)
		mask &^= 1 << line
	}
	return
}

func checkWriteMask(mask, outputs uint16) error {
	if mask&^outputs != 0 {
		return errors.Errorf("write mask 0x%04x exceeds outputs 0x%04x", mask, outputs)
	}
	return nil
}
