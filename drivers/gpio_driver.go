package drivers

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const gpioDriverName = "gpio"

var (
	pinOutput = rpio.Pin.Output
	pinHigh   = rpio.Pin.High
	pinLow    = rpio.Pin.Low
)

// GpDIO maps DIO lines onto Raspberry Pi BCM pins: Pins[line] is the BCM
// number of that line, a negative value leaves the line unwired.
type GpDIO struct {
	Pins          []int
	InvertOutputs bool

	outputs uint16
	isReady bool
	lock    sync.Mutex
}

func (gp *GpDIO) String() string {
	return gpioDriverName
}

func (gp *GpDIO) IsReady() bool {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	return gp.isReady
}

func (gp *GpDIO) Setup(ctx context.Context) error {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if len(gp.Pins) > LineCount {
		return errors.Errorf("gpio driver maps %d pins, at most %d lines supported", len(gp.Pins), LineCount)
	}
	for line, bcm := range gp.Pins {
		if bcm > 255 {
			return errors.Errorf("line %d: pin %d out of range (gpio takes uint8 pin)", line, bcm)
		}
	}

	err := rpio.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to Setup gpio driver for pins: %v", gp.Pins)
	}

	gp.isReady = true
	return nil
}

func (gp *GpDIO) CheckConnection() bool {
	return gp.IsReady()
}

func (gp *GpDIO) pin(line uint8) (rpio.Pin, error) {
	if int(line) >= len(gp.Pins) || gp.Pins[line] < 0 {
		return 0, errors.Errorf("line %d not mapped to a gpio pin", line)
	}
	return rpio.Pin(gp.Pins[line]), nil
}

func (gp *GpDIO) set(pin rpio.Pin, state bool) {
	if gp.InvertOutputs {
		state = !state
	}
	if state {
		pinHigh(pin)
	} else {
		pinLow(pin)
	}
}

func (gp *GpDIO) ConfigureOutputs(mask uint16, initial uint16) error {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if !gp.isReady {
		return errors.New("gpio driver not ready")
	}

	for _, line := range maskLines(mask) {
		pin, err := gp.pin(line)
		if err != nil {
			return err
		}
		// latch the level before switching to output
		gp.set(pin, initial&(1<<line) != 0)
		pinOutput(pin)
		gp.outputs |= 1 << line
	}

	return nil
}

func (gp *GpDIO) Write(value uint16, mask uint16) error {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if !gp.isReady {
		return errors.New("gpio driver not ready")
	}
	if err := checkWriteMask(mask, gp.outputs); err != nil {
		return errors.Wrap(err, "gpio")
	}

	for _, line := range maskLines(mask) {
		pin, err := gp.pin(line)
		if err != nil {
			return err
		}
		gp.set(pin, value&(1<<line) != 0)
	}

	return nil
}

func (gp *GpDIO) GetOutputs() uint16 {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	return gp.outputs
}

func (gp *GpDIO) Close() error {
	gp.lock.Lock()
	defer gp.lock.Unlock()

	if !gp.isReady {
		return nil
	}
	gp.isReady = false
	return rpio.Close()
}
