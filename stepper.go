package stepkit

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/stepkit/drivers"
)

const defaultStepDelay = 100 * time.Millisecond
const defaultSettleDelay = 100 * time.Millisecond

const maxNibble = 3

var (
	ErrDeviceUnreachable = errors.New("digital io device is not responding")
	ErrInvalidNibble     = errors.New("nibble out of range (0-3)")
	ErrInvalidDelay      = errors.New("negative delay")
	ErrInvalidPolarity   = errors.New("unknown transistor polarity")
)

// Polarity of the power transistors switching the motor windings.
type Polarity int

const (
	PolarityNType Polarity = iota
	PolarityPType
)

func (p Polarity) String() string {
	switch p {
	case PolarityNType:
		return "ntype"
	case PolarityPType:
		return "ptype"
	}
	return "unknown"
}

func (p Polarity) MarshalText() ([]byte, error) {
	if p != PolarityNType && p != PolarityPType {
		return nil, ErrInvalidPolarity
	}
	return []byte(p.String()), nil
}

func (p *Polarity) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "ntype", "n":
		*p = PolarityNType
	case "ptype", "p":
		*p = PolarityPType
	default:
		return errors.Wrapf(ErrInvalidPolarity, "%q", text)
	}
	return nil
}

type Direction int

const (
	Clockwise Direction = iota
	CounterClockwise
)

func (d Direction) String() string {
	if d == CounterClockwise {
		return "ccw"
	}
	return "cw"
}

func (d Direction) Inverted() Direction {
	if d == CounterClockwise {
		return Clockwise
	}
	return CounterClockwise
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "cw", "clockwise":
		return Clockwise, nil
	case "ccw", "counterclockwise":
		return CounterClockwise, nil
	}
	return Clockwise, errors.Errorf("unknown direction %q", s)
}

// Energization patterns of adjacent winding pairs. Walking the cycle from the
// head towards the tail turns the rotor clockwise.
var (
	nTypeCycle = [4]uint8{0x6, 0xa, 0x9, 0x5}
	pTypeCycle = [4]uint8{0x9, 0x5, 0x6, 0xa}
)

const (
	nTypeOff uint8 = 0x0
	pTypeOff uint8 = 0xf
)

type StepperConfig struct {
	Nibble      uint8
	StepDelay   time.Duration
	SettleDelay time.Duration
	Polarity    Polarity
}

func DefaultStepperConfig(nibble uint8) StepperConfig {
	return StepperConfig{
		Nibble:      nibble,
		StepDelay:   defaultStepDelay,
		SettleDelay: defaultSettleDelay,
		Polarity:    PolarityNType,
	}
}

// StepperController runs a 4-phase stepper wired to one nibble of a
// DioDevice. It is not safe for concurrent use.
type StepperController struct {
	device drivers.DioDevice

	nibble      uint8
	cycle       [4]uint8
	head        int
	off         uint8
	polarity    Polarity
	stepDelay   time.Duration
	settleDelay time.Duration

	lastSteps uint
}

// NewStepperController checks the device, configures the nibble as outputs
// driven high and returns a controller parked on the first phase.
func NewStepperController(device drivers.DioDevice, cfg StepperConfig) (*StepperController, error) {
	if cfg.Nibble > maxNibble {
		return nil, errors.Wrapf(ErrInvalidNibble, "got %d", cfg.Nibble)
	}
	if cfg.StepDelay < 0 || cfg.SettleDelay < 0 {
		return nil, errors.Wrapf(ErrInvalidDelay, "step %s, settle %s", cfg.StepDelay, cfg.SettleDelay)
	}

	sc := &StepperController{
		device:      device,
		nibble:      cfg.Nibble,
		polarity:    cfg.Polarity,
		stepDelay:   cfg.StepDelay,
		settleDelay: cfg.SettleDelay,
	}

	switch cfg.Polarity {
	case PolarityNType:
		sc.cycle = nTypeCycle
		sc.off = nTypeOff
	case PolarityPType:
		sc.cycle = pTypeCycle
		sc.off = pTypeOff
	default:
		return nil, errors.Wrapf(ErrInvalidPolarity, "%d", cfg.Polarity)
	}

	if !device.CheckConnection() {
		return nil, errors.Wrapf(ErrDeviceUnreachable, "driver %s", device)
	}

	mask := sc.Mask()
	err := device.ConfigureOutputs(mask, mask)
	if err != nil {
		return nil, err
	}

	return sc, nil
}

func (sc *StepperController) Nibble() uint8 {
	return sc.nibble
}

// Mask selects the four lines owned by the controller.
func (sc *StepperController) Mask() uint16 {
	return 0xf << (4 * uint16(sc.nibble))
}

// Phase is the pattern currently at the head of the cycle.
func (sc *StepperController) Phase() uint8 {
	return sc.cycle[sc.head]
}

// PhaseCycle returns the cycle ordered from its head.
func (sc *StepperController) PhaseCycle() (cycle [4]uint8) {
	for i := range cycle {
		cycle[i] = sc.cycle[(sc.head+i)%len(sc.cycle)]
	}
	return
}

func (sc *StepperController) OffPattern() uint8 {
	return sc.off
}

func (sc *StepperController) Polarity() Polarity {
	return sc.polarity
}

func (sc *StepperController) StepDelay() time.Duration {
	return sc.stepDelay
}

func (sc *StepperController) SettleDelay() time.Duration {
	return sc.settleDelay
}

// LastMoveSteps is the number of phases the last Move actually advanced.
func (sc *StepperController) LastMoveSteps() uint {
	return sc.lastSteps
}

func (sc *StepperController) write(pattern uint8) error {
	return sc.device.Write(uint16(pattern)<<(4*uint16(sc.nibble)), sc.Mask())
}

func (sc *StepperController) rotate(dir Direction) {
	n := len(sc.cycle)
	if dir == CounterClockwise {
		sc.head = (sc.head + n - 1) % n
	} else {
		sc.head = (sc.head + 1) % n
	}
}

func (sc *StepperController) StepClockwise(steps uint) error {
	return sc.Move(context.Background(), Clockwise, steps)
}

func (sc *StepperController) StepCounterClockwise(steps uint) error {
	return sc.Move(context.Background(), CounterClockwise, steps)
}

// Move asserts the current phase, walks steps phases in dir, waits for the
// rotor to settle and de-energizes the windings. Device errors are returned
// unchanged and end the sequence at the failing write. When ctx is done the
// remaining steps and the settle delay are skipped, the windings are still
// de-energized and ctx.Err() is returned.
func (sc *StepperController) Move(ctx context.Context, dir Direction, steps uint) error {
	sc.lastSteps = 0

	err := sc.write(sc.Phase())
	if err != nil {
		return err
	}

	var cancelled error
	for i := uint(0); i < steps; i++ {
		if cancelled = ctx.Err(); cancelled != nil {
			break
		}

		sc.rotate(dir)
		sc.lastSteps++
		err = sc.write(sc.Phase())
		if err != nil {
			return err
		}

		cancelled = sleep(ctx, sc.stepDelay)
		if cancelled != nil {
			break
		}
	}

	if cancelled == nil {
		cancelled = sleep(ctx, sc.settleDelay)
	}

	err = sc.TurnPowerOff()
	if err != nil {
		return err
	}

	return cancelled
}

// TurnPowerOff de-energizes the windings. The phase cycle is kept so the next
// move resumes from the same phase.
func (sc *StepperController) TurnPowerOff() error {
	return sc.write(sc.off)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
