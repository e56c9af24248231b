package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/stepkit"
)

const defaultSyncInterval = "5s"

var (
	Version string
	Build   string

	config       = flag.String("config", "config.json", "path of the configuration file")
	flagInstall  = flag.Bool("install", false, "Install service in os")
	syncInterval = flag.String("sync", defaultSyncInterval, "driver health check interval (time.Duration)")
	flagDebug    = flag.Bool("debug", false, "enable debug logging")

	skService = servicemaker.ServiceMaker{
		User:               "stepkit",
		UserGroups:         []string{"gpio", "i2c"},
		ServicePath:        "/etc/systemd/system/stepkit.service",
		ServiceDescription: "StepKit service: HomeKit and MQTT enabled stepper motor controller. github.com/hubertat/stepkit",
		ExecDir:            "/srv/stepkit",
		ExecName:           "stepkit",
	}
)

var exit = os.Exit

// closeAndExit de-energizes whatever was already initialized before exiting,
// deferred calls do not run on exit.
func closeAndExit(sk *stepkit.StepKit, msg string, err error) {
	log.Error(msg, "err", err)
	closeErr := sk.Close()
	if closeErr != nil {
		log.Error("failed to close stepkit", "err", closeErr)
	}
	exit(1)
}

func readConfig(path string, sk *stepkit.StepKit) error {
	configFile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer configFile.Close()

	cBuff, err := io.ReadAll(configFile)
	if err != nil {
		return err
	}

	return json.Unmarshal(cBuff, sk)
}

func main() {
	flag.Parse()
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("stepkit started", "version", Version, "build", Build)

	if *flagInstall {
		err := skService.InstallService()
		if err != nil {
			log.Fatal("failed to install service", "err", err)
		}
		log.Info("service installed!")
		return
	}

	syncDuration, err := time.ParseDuration(*syncInterval)
	if err != nil {
		log.Fatal("invalid sync interval", "sync", *syncInterval, "err", err)
	}

	sk := &stepkit.StepKit{}
	err = readConfig(*config, sk)
	if err != nil {
		log.Fatal("can't read config file, will terminate", "config", *config, "err", err)
	}

	ctx, cancel := stepkit.WithSignals(context.Background())
	defer cancel()

	log.Info("will init stepkit drivers...")
	err = sk.InitDrivers(ctx)
	defer sk.Close()
	if err != nil {
		closeAndExit(sk, "failed to init drivers", err)
	}

	err = sk.InitRecorders()
	if err != nil {
		log.Error("recorder disabled", "err", err)
	}

	log.Info("will init stepkit motors...")
	err = sk.InitMotors()
	if err != nil {
		closeAndExit(sk, "failed to init motors", err)
	}

	sk.PrintIoStatus(os.Stdout)

	if len(sk.MqttBroker) > 0 {
		err = sk.InitMqtt()
		if err != nil {
			log.Error("mqtt disabled", "err", err)
		}
	}

	if len(sk.HttpAddr) > 0 {
		go func() {
			err := sk.StartHttp(ctx)
			if err != nil {
				log.Error("http api failed", "err", err)
				cancel()
			}
		}()
	}

	if sk.Serve != nil {
		go func() {
			err := sk.StartServe(ctx)
			if err != nil {
				log.Error("remote dio server failed", "err", err)
				cancel()
			}
		}()
	}

	if len(sk.HkPin) == 8 {
		log.Info("Starting with HomeKit server")
		go func() {
			err := sk.StartHomeKit(ctx, Version)
			if err != nil {
				log.Error("HomeKit server failed", "err", err)
				cancel()
			}
		}()
	} else {
		log.Info("HomeKit not configured, disabled")
	}

	sk.StartTicker(ctx, syncDuration)
	log.Info("stepkit stopping")
}
