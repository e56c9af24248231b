// Command step moves a single stepper once and exits.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/charmbracelet/log"

	"github.com/hubertat/stepkit"
	"github.com/hubertat/stepkit/drivers"
)

var (
	driverName  = flag.String("driver", "mcpio", "digital io driver: mcpio or mock")
	busNo       = flag.Uint("bus", 1, "i2c bus of the mcp23017")
	devNo       = flag.Uint("dev", 0, "mcp23017 address offset (0-7)")
	nibble      = flag.Uint("nibble", 0, "group of four lines the motor is wired to (0-3)")
	polarity    = flag.String("polarity", "ntype", "transistor polarity: ntype or ptype")
	stepDelay   = flag.Duration("step-delay", 0, "delay after every step, the default is used when not given")
	settleDelay = flag.Duration("settle-delay", 0, "delay before de-energizing, the default is used when not given")
	cw          = flag.Uint("cw", 0, "steps clockwise")
	ccw         = flag.Uint("ccw", 0, "steps counter clockwise")
	off         = flag.Bool("off", false, "only de-energize the windings")
)

func openDriver(ctx context.Context) (drivers.DioDevice, error) {
	var device drivers.DioDevice

	switch *driverName {
	case "mock":
		mock := &drivers.MockDIO{}
		mock.MonitorStateChanges(os.Stdout)
		device = mock
	default:
		device = &drivers.McpDIO{BusNo: uint8(*busNo), DevNo: uint8(*devNo)}
	}

	return device, device.Setup(ctx)
}

func setFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

// stepperConfig overrides the default delays only with flags given on the
// command line, so an explicit 0 is kept.
func stepperConfig(set map[string]bool) (stepkit.StepperConfig, error) {
	cfg := stepkit.DefaultStepperConfig(uint8(*nibble))
	err := cfg.Polarity.UnmarshalText([]byte(*polarity))
	if err != nil {
		return cfg, err
	}
	if set["step-delay"] {
		cfg.StepDelay = *stepDelay
	}
	if set["settle-delay"] {
		cfg.SettleDelay = *settleDelay
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	if (*cw > 0 && *ccw > 0) || (*off && *cw+*ccw > 0) {
		log.Fatal("use only one of -cw, -ccw, -off")
	}

	cfg, err := stepperConfig(setFlags())
	if err != nil {
		log.Fatal("invalid polarity", "err", err)
	}

	ctx, cancel := stepkit.WithSignals(context.Background())
	defer cancel()

	device, err := openDriver(ctx)
	if err != nil {
		log.Fatal("failed to open driver", "driver", *driverName, "err", err)
	}
	defer device.Close()

	sc, err := stepkit.NewStepperController(device, cfg)
	if err != nil {
		log.Error("failed to create controller", "err", err)
		return
	}

	switch {
	case *off:
		err = sc.TurnPowerOff()
	case *ccw > 0:
		err = sc.Move(ctx, stepkit.CounterClockwise, *ccw)
	default:
		err = sc.Move(ctx, stepkit.Clockwise, *cw)
	}
	if err != nil {
		log.Error("move failed", "steps", sc.LastMoveSteps(), "err", err)
		return
	}

	log.Info("done", "steps", sc.LastMoveSteps(), "phase", sc.Phase(), "mask", sc.Mask())
}
