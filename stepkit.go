package stepkit

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	hklog "github.com/brutella/hap/log"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/stepkit/drivers"
	"github.com/hubertat/stepkit/mqtt"
	"github.com/hubertat/stepkit/recorder"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeName = "stepkit"
const homeKitBridgeAuthor = "github.com/hubertat"
const mqttTopicRoot = "stepkit"

var ErrMotorNotFound = errors.New("motor not found")

type StepKit struct {
	Name string

	Motors []*Motor

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker string

	HttpAddr  string
	HttpToken string

	Influx *recorder.Influx

	Mcp23017   *drivers.McpDIO
	Gpio       *drivers.GpDIO
	Remote     *drivers.RemoteDIO
	FakeDriver *drivers.MockDIO

	Serve       *drivers.RemoteDioSlave
	ServeDriver string

	ioDrivers  map[string]drivers.DioDevice
	mqttClient *mqtt.MqttClient
	recorder   recorder.Recorder
}

func (sk *StepKit) configuredDrivers() (list []drivers.DioDevice) {
	if sk.Gpio != nil {
		list = append(list, sk.Gpio)
	}
	if sk.Mcp23017 != nil {
		list = append(list, sk.Mcp23017)
	}
	if sk.Remote != nil {
		list = append(list, sk.Remote)
	}
	if sk.FakeDriver != nil {
		list = append(list, sk.FakeDriver)
	}
	return
}

func (sk *StepKit) findDriver(name string) (drivers.DioDevice, bool) {
	for driverName, driver := range sk.ioDrivers {
		if strings.EqualFold(driverName, name) {
			return driver, true
		}
	}
	return nil, false
}

func (sk *StepKit) InitDrivers(ctx context.Context) error {
	sk.ioDrivers = make(map[string]drivers.DioDevice)

	for _, driver := range sk.configuredDrivers() {
		err := driver.Setup(ctx)
		if err != nil {
			return errors.Wrapf(err, "failed to setup %s driver", driver)
		}
		sk.ioDrivers[driver.String()] = driver
	}

	for _, motor := range sk.Motors {
		_, driverFound := sk.findDriver(motor.GetDriverName())
		if !driverFound {
			return errors.Errorf("driver %s not set up", motor.GetDriverName())
		}
	}

	return nil
}

func (sk *StepKit) InitMotors() error {
	type slot struct {
		driver string
		nibble uint8
	}
	taken := make(map[slot]string)
	names := make(map[string]bool)

	for _, motor := range sk.Motors {
		key := strings.ToLower(motor.Name)
		if names[key] {
			return errors.Errorf("duplicate motor name %s", motor.Name)
		}
		names[key] = true

		s := slot{strings.ToLower(motor.DriverName), motor.Nibble}
		if owner, found := taken[s]; found {
			return errors.Errorf("motors %s and %s share nibble %d of driver %s", owner, motor.Name, motor.Nibble, motor.DriverName)
		}
		taken[s] = motor.Name

		driver, found := sk.findDriver(motor.GetDriverName())
		if !found {
			return errors.Errorf("driver %s not set up", motor.GetDriverName())
		}

		err := motor.Init(driver)
		if err != nil {
			return errors.Wrapf(err, "failed to init motor %s", motor.Name)
		}
		motor.kitName = sk.Name
		if sk.recorder != nil {
			motor.recorder = sk.recorder
		}
		log.Info("motor ready", "motor", motor.Name, "driver", motor.DriverName, "nibble", motor.Nibble, "polarity", motor.Polarity)
	}

	return nil
}

func (sk *StepKit) InitRecorders() error {
	if sk.Influx == nil {
		return nil
	}

	err := sk.Influx.Setup()
	if err != nil {
		return errors.Wrap(err, "failed to setup influx recorder")
	}
	sk.recorder = sk.Influx

	for _, motor := range sk.Motors {
		motor.recorder = sk.recorder
	}
	return nil
}

func (sk *StepKit) FindMotor(name string) (*Motor, error) {
	for _, motor := range sk.Motors {
		if strings.EqualFold(motor.Name, name) || TopicName(motor.Name) == strings.ToLower(name) {
			return motor, nil
		}
	}
	return nil, errors.Wrap(ErrMotorNotFound, name)
}

func (sk *StepKit) GetHkAccessories(firmwareVersion string) (acc []*accessory.A) {
	acc = []*accessory.A{}

	for _, motor := range sk.Motors {
		accessory := motor.GetHk()
		if accessory != nil {
			if accessory.Info != nil && accessory.Info.FirmwareRevision != nil {
				accessory.Info.FirmwareRevision.SetValue(firmwareVersion)
			}
			accessory.Id = motor.GetUniqueId()
			acc = append(acc, accessory)
		}
	}

	return
}

// StartTicker probes every motor's driver each interval until ctx is done.
func (sk *StepKit) StartTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, motor := range sk.Motors {
				err := motor.Sync()
				if err != nil {
					log.Warn("motor sync failed", "motor", motor.Name, "err", err)
				}
			}
		}
	}
}

// Close de-energizes every motor and releases the drivers.
func (sk *StepKit) Close() (err error) {
	for _, motor := range sk.Motors {
		motor.Stop()
		if motor.controller == nil {
			continue
		}
		// wait for the aborted move to release the controller
		motor.moveLock.Lock()
		offErr := motor.controller.TurnPowerOff()
		motor.moveLock.Unlock()
		if offErr != nil {
			log.Error("failed to turn motor off", "motor", motor.Name, "err", offErr)
		}
	}

	if sk.Serve != nil {
		sk.Serve.Close()
	}

	for _, driver := range sk.ioDrivers {
		if driver != nil {
			closeErr := driver.Close()
			if closeErr != nil {
				if err == nil {
					err = closeErr
				} else {
					err = errors.Wrap(err, closeErr.Error())
				}
			}
		}
	}

	if sk.recorder != nil {
		sk.recorder.Close()
	}

	return
}

func (sk *StepKit) PrintIoStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== active io drivers ===")
	for driverName, driver := range sk.ioDrivers {
		fmt.Fprintln(writer, "________")
		fmt.Fprintf(writer, "| driver: %s\n", driverName)
		fmt.Fprintf(writer, "| out lines: 0x%04x\n", driver.GetOutputs())
		for _, motor := range sk.Motors {
			if strings.EqualFold(motor.DriverName, driverName) {
				fmt.Fprintf(writer, "| motor: %s (nibble %d, %s)\n", motor.Name, motor.Nibble, motor.Polarity)
			}
		}
		fmt.Fprintln(writer, "--------")
	}
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}

func (sk *StepKit) StartHomeKit(ctx context.Context, firmwareVersion string) error {
	hkName := sk.Name
	if len(hkName) < 1 {
		hkName = homeKitBridgeName
	}
	bridge := accessory.NewBridge(accessory.Info{
		Name:         hkName,
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var store hap.Store
	if len(sk.HkDirectory) > 1 {
		store = hap.NewFsStore(sk.HkDirectory)
	} else {
		store = hap.NewFsStore(defaultHomeKitDirectory)
	}
	hkServer, err := hap.NewServer(store, bridge.A, sk.GetHkAccessories(firmwareVersion)...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = sk.HkPin
	if len(sk.HkAddress) > 0 {
		hkServer.Addr = sk.HkAddress
	}

	if sk.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	return hkServer.ListenAndServe(ctx)
}

// WithSignals returns a context cancelled on SIGINT or SIGTERM.
func WithSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c:
		case <-ctx.Done():
		}
		// Stop delivering signals.
		signal.Stop(c)
		cancel()
	}()

	return ctx, cancel
}

// KitTopicPrefix is the root of the mqtt topics of the kit named kitName.
func KitTopicPrefix(kitName string) string {
	name := TopicName(kitName)
	if len(name) == 0 {
		return mqttTopicRoot
	}
	return mqttTopicRoot + "/" + name
}

func (sk *StepKit) topicPrefix() string {
	return KitTopicPrefix(sk.Name)
}

func (sk *StepKit) InitMqtt() (err error) {
	if len(sk.MqttBroker) == 0 {
		err = errors.New("mqtt broker not set")
		return
	}

	clientId := sk.Name
	if len(clientId) == 0 {
		clientId = homeKitBridgeName
	}
	mc, err := mqtt.NewMqttClient(sk.MqttBroker, clientId)
	if err != nil {
		err = errors.Wrap(err, "failed to create mqtt client")
		return
	}

	sk.mqttClient = mc

	mqttHandlers := []mqtt.MqttHandler{}
	for _, motor := range sk.Motors {
		motor.setMqtt(sk.topicPrefix(), mc)
		mqttHandlers = append(mqttHandlers, motor)
	}

	err = mc.Connect(mqttHandlers)
	if err != nil {
		err = errors.Wrap(err, "failed to connect to mqtt broker")
	}

	return
}

// StartServe exports the driver named ServeDriver to remote stepkit instances.
func (sk *StepKit) StartServe(ctx context.Context) error {
	if sk.Serve == nil {
		return errors.New("remote dio server not configured")
	}

	driver, found := sk.findDriver(sk.ServeDriver)
	if !found {
		return errors.Errorf("driver %s to serve not set up", sk.ServeDriver)
	}

	log.Info("serving driver to remote stepkit", "driver", driver, "addr", sk.Serve.HttpAddr)
	return sk.Serve.Serve(ctx, driver)
}
