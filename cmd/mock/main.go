package main

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hubertat/stepkit"
	"github.com/hubertat/stepkit/drivers"
)

var (
	Version string
	Build   string
)

func main() {
	var err error

	log.SetLevel(log.DebugLevel)
	log.Info("stepkit started")
	log.Info("mock instance for testing puproses, should work on MacOs")

	syncDuration := 2 * time.Second
	log.Info("sync interval", "duration", syncDuration)

	sk := &stepkit.StepKit{Name: "mock"}

	sk.HkPin = "88008800"
	sk.HkDirectory = "./mock_homekit"
	sk.HttpAddr = "127.0.0.1:8090"

	sk.Motors = append(sk.Motors,
		&stepkit.Motor{Name: "fake blind", DriverName: "mock_driver", Nibble: 0, StepDelay: "20ms", StepsPerTravel: 200},
		&stepkit.Motor{Name: "fake valve", DriverName: "mock_driver", Nibble: 1, Polarity: stepkit.PolarityPType, StepDelay: "50ms"},
	)
	sk.FakeDriver = &drivers.MockDIO{}

	ctx, cancel := stepkit.WithSignals(context.Background())
	defer cancel()

	log.Info("will init stepkit drivers...")
	err = sk.InitDrivers(ctx)
	if err == nil {
		log.Info("will init stepkit motors...")
		err = sk.InitMotors()
	}
	defer sk.Close()
	if err != nil {
		log.Error("failed to init stepkit", "err", err)
		return
	}

	sk.FakeDriver.MonitorStateChanges(os.Stdout)

	sk.PrintIoStatus(os.Stdout)

	go func() {
		err := sk.StartHttp(ctx)
		if err != nil {
			log.Error("http api failed", "err", err)
		}
	}()

	go sk.StartTicker(ctx, syncDuration)

	log.Info("starting mock with HomeKit service")
	err = sk.StartHomeKit(ctx, "mock: "+Version)
	if err != nil && ctx.Err() == nil {
		log.Error("HomeKit server failed", "err", err)
	}
}
