package drivers

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
)

const mcpioDriverName = "mcpio"

// McpDIO drives the 16 pins of an MCP23017 expander, line i being expander
// pin i (GPA0..GPA7, GPB0..GPB7).
type McpDIO struct {
	BusNo         uint8
	DevNo         uint8
	InvertOutputs bool

	device  *mcp23017.Device
	outputs uint16
	isReady bool
	lock    sync.Mutex
}

func (mcp *McpDIO) String() string {
	return mcpioDriverName
}

func (mcp *McpDIO) IsReady() bool {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	return mcp.isReady
}

func (mcp *McpDIO) Setup(ctx context.Context) (err error) {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	mcp.device, err = mcp23017.Open(mcp.BusNo, mcp.DevNo)
	if err != nil {
		return errors.Wrapf(err, "failed to open mcp23017 (bus %d, dev %d)", mcp.BusNo, mcp.DevNo)
	}

	mcp.isReady = true
	return nil
}

func (mcp *McpDIO) CheckConnection() bool {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	if mcp.device == nil {
		return false
	}
	_, err := mcp.device.DigitalRead(0)
	return err == nil
}

func (mcp *McpDIO) ConfigureOutputs(mask uint16, initial uint16) error {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	if !mcp.isReady {
		return errors.New("mcpio driver not ready")
	}

	for _, line := range maskLines(mask) {
		// latch the level first so the line never glitches when switched to output
		err := mcp.writeLine(line, initial&(1<<line) != 0)
		if err != nil {
			return err
		}
		err = mcp.device.PinMode(line, mcp23017.OUTPUT)
		if err != nil {
			return errors.Wrapf(err, "mcpio failed to set pin %d as output", line)
		}
		mcp.outputs |= 1 << line
	}

	return nil
}

func (mcp *McpDIO) Write(value uint16, mask uint16) error {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	if !mcp.isReady {
		return errors.New("mcpio driver not ready")
	}
	if err := checkWriteMask(mask, mcp.outputs); err != nil {
		return errors.Wrap(err, "mcpio")
	}

	for _, line := range maskLines(mask) {
		err := mcp.writeLine(line, value&(1<<line) != 0)
		if err != nil {
			return err
		}
	}

	return nil
}

func (mcp *McpDIO) writeLine(line uint8, state bool) error {
	if mcp.InvertOutputs {
		state = !state
	}

	err := mcp.device.DigitalWrite(line, mcp23017.PinLevel(state))
	if err != nil {
		return errors.Wrapf(err, "mcpio failed to write pin %d", line)
	}
	return nil
}

func (mcp *McpDIO) GetOutputs() uint16 {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	return mcp.outputs
}

func (mcp *McpDIO) Close() error {
	mcp.lock.Lock()
	defer mcp.lock.Unlock()

	mcp.isReady = false
	if mcp.device == nil {
		return nil
	}
	return mcp.device.Close()
}
