package stepkit

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/brutella/hap/accessory"
	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/stepkit/drivers"
	"github.com/hubertat/stepkit/mqtt"
	"github.com/hubertat/stepkit/recorder"
)

var (
	ErrBusy           = errors.New("motor is already moving")
	ErrNotPositioning = errors.New("motor has no StepsPerTravel configured")
	ErrNotInitialized = errors.New("motor not initialized")
)

// Motor is a configured stepper: one nibble of one driver.
type Motor struct {
	Name            string
	DriverName      string
	Nibble          uint8
	Polarity        Polarity
	StepDelay       string
	SettleDelay     string
	StepsPerTravel  int
	InvertDirection bool
	DisableHomekit  bool

	controller *StepperController
	driver     drivers.DioDevice

	kitName     string
	topicPrefix string
	publisher   mqtt.Publisher
	recorder    recorder.Recorder

	hk *WindowCovering

	moveLock  sync.Mutex
	stateLock sync.RWMutex
	position  int
	phase     uint8
	moving    bool
	cancel    context.CancelFunc
	isFaulty  bool
}

type MotorStatus struct {
	Name     string `json:"name"`
	Driver   string `json:"driver"`
	Nibble   uint8  `json:"nibble"`
	Phase    uint8  `json:"phase"`
	Position int    `json:"position"`
	Percent  int    `json:"percent"`
	Moving   bool   `json:"moving"`
	Faulty   bool   `json:"faulty"`
}

func parseDelay(value string, fallback time.Duration) (time.Duration, error) {
	if len(value) == 0 {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid delay %q", value)
	}
	return d, nil
}

func (mo *Motor) GetDriverName() string {
	return mo.DriverName
}

func (mo *Motor) GetUniqueId() uint64 {
	hash := fnv.New64()
	hash.Write([]byte("Motor_" + mo.Name))
	return hash.Sum64()
}

func (mo *Motor) StepperConfig() (cfg StepperConfig, err error) {
	cfg = DefaultStepperConfig(mo.Nibble)
	cfg.Polarity = mo.Polarity

	cfg.StepDelay, err = parseDelay(mo.StepDelay, defaultStepDelay)
	if err != nil {
		return
	}
	cfg.SettleDelay, err = parseDelay(mo.SettleDelay, defaultSettleDelay)
	return
}

func (mo *Motor) Init(driver drivers.DioDevice) error {
	if !strings.EqualFold(driver.String(), mo.DriverName) {
		return fmt.Errorf("Init failed, mismatched or incorrect driver")
	}

	if !driver.IsReady() {
		return fmt.Errorf("Init failed, driver not ready")
	}
	if mo.StepsPerTravel < 0 {
		return errors.Errorf("Init failed, negative StepsPerTravel (%d)", mo.StepsPerTravel)
	}

	cfg, err := mo.StepperConfig()
	if err != nil {
		return errors.Wrap(err, "Init failed")
	}

	mo.driver = driver
	mo.controller, err = NewStepperController(driver, cfg)
	if err != nil {
		return errors.Wrapf(err, "Init of motor %s failed", mo.Name)
	}
	mo.phase = mo.controller.Phase()

	if mo.DisableHomekit || mo.StepsPerTravel == 0 {
		return nil
	}
	info := accessory.Info{
		Name:         mo.Name,
		SerialNumber: fmt.Sprintf("motor:%s:%d", mo.DriverName, mo.Nibble),
	}
	mo.hk = NewWindowCovering(info)
	mo.hk.setPosition(mo.Percent())
	mo.hk.WindowCovering.TargetPosition.OnValueRemoteUpdate(mo.onTargetPosition)

	return nil
}

func (mo *Motor) GetHk() *accessory.A {
	if mo.hk == nil {
		return nil
	}
	return mo.hk.A
}

func (mo *Motor) onTargetPosition(percent int) {
	go func() {
		err := mo.GoToPercent(context.Background(), percent)
		if err != nil {
			log.Error("HomeKit move failed", "motor", mo.Name, "target", percent, "err", err)
		}
	}()
}

// positionSign is the change of position caused by one step in dir.
func (mo *Motor) positionSign(dir Direction) int {
	if (dir == Clockwise) != mo.InvertDirection {
		return 1
	}
	return -1
}

func (mo *Motor) Position() int {
	mo.stateLock.RLock()
	defer mo.stateLock.RUnlock()

	return mo.position
}

// Percent of travel, 0 when positioning is disabled.
func (mo *Motor) Percent() int {
	if mo.StepsPerTravel <= 0 {
		return 0
	}
	return mo.Position() * 100 / mo.StepsPerTravel
}

func (mo *Motor) IsMoving() bool {
	mo.stateLock.RLock()
	defer mo.stateLock.RUnlock()

	return mo.moving
}

func (mo *Motor) startMoving(cancel context.CancelFunc) {
	mo.stateLock.Lock()
	mo.moving = true
	mo.cancel = cancel
	mo.stateLock.Unlock()
}

// Stop aborts the running move, which still de-energizes the windings.
func (mo *Motor) Stop() bool {
	mo.stateLock.RLock()
	cancel := mo.cancel
	mo.stateLock.RUnlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// advance records a finished move, the controller is idle at this point.
func (mo *Motor) advance(dir Direction, steps uint) {
	mo.stateLock.Lock()
	defer mo.stateLock.Unlock()

	mo.moving = false
	mo.cancel = nil
	mo.phase = mo.controller.Phase()
	mo.position += mo.positionSign(dir) * int(steps)
	if mo.StepsPerTravel > 0 {
		if mo.position < 0 {
			mo.position = 0
		}
		if mo.position > mo.StepsPerTravel {
			mo.position = mo.StepsPerTravel
		}
	}
}

// Move steps the motor, refusing to start while another move runs.
func (mo *Motor) Move(ctx context.Context, dir Direction, steps uint) error {
	if mo.controller == nil {
		return ErrNotInitialized
	}
	if !mo.moveLock.TryLock() {
		return errors.Wrap(ErrBusy, mo.Name)
	}
	defer mo.moveLock.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mo.startMoving(cancel)
	if mo.hk != nil {
		mo.hk.setMoving(mo.positionSign(dir) > 0)
	}
	log.Debug("motor move", "motor", mo.Name, "direction", dir, "steps", steps)

	started := time.Now()
	err := mo.controller.Move(ctx, dir, steps)
	taken := mo.controller.LastMoveSteps()

	mo.advance(dir, taken)

	cancelled := err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
	if err != nil && !cancelled {
		log.Error("motor move failed", "motor", mo.Name, "steps", taken, "err", err)
	}

	mo.afterOperation(ctx, recorder.Move{
		Direction: dir.String(),
		Steps:     taken,
		Duration:  time.Since(started),
		Cancelled: cancelled,
	})

	return err
}

// GoToPercent moves the motor to percent of its travel.
func (mo *Motor) GoToPercent(ctx context.Context, percent int) error {
	if mo.StepsPerTravel <= 0 {
		return errors.Wrap(ErrNotPositioning, mo.Name)
	}
	if percent < 0 || percent > 100 {
		return errors.Errorf("percent %d out of range (0-100)", percent)
	}

	target := percent * mo.StepsPerTravel / 100
	delta := target - mo.Position()

	dir := Clockwise
	if (delta > 0) != (mo.positionSign(Clockwise) > 0) {
		dir = CounterClockwise
	}
	if delta < 0 {
		delta = -delta
	}

	return mo.Move(ctx, dir, uint(delta))
}

func (mo *Motor) PowerOff() error {
	if mo.controller == nil {
		return ErrNotInitialized
	}
	if !mo.moveLock.TryLock() {
		return errors.Wrap(ErrBusy, mo.Name)
	}
	defer mo.moveLock.Unlock()

	err := mo.controller.TurnPowerOff()
	if err != nil {
		log.Error("motor power off failed", "motor", mo.Name, "err", err)
	}
	mo.afterOperation(context.Background(), recorder.Move{Direction: "off"})
	return err
}

func (mo *Motor) afterOperation(ctx context.Context, move recorder.Move) {
	if mo.hk != nil {
		mo.hk.setPosition(mo.Percent())
	}

	if mo.recorder != nil {
		move.Kit = mo.kitName
		move.Motor = mo.Name
		move.Phase = mo.Status().Phase
		move.Position = mo.Position()
		move.At = time.Now()
		err := mo.recorder.Record(context.WithoutCancel(ctx), move)
		if err != nil {
			log.Warn("failed to record move", "motor", mo.Name, "err", err)
		}
	}

	mo.publishStatus()
}

func (mo *Motor) Status() MotorStatus {
	status := MotorStatus{
		Name:     mo.Name,
		Driver:   mo.DriverName,
		Nibble:   mo.Nibble,
		Position: mo.Position(),
		Percent:  mo.Percent(),
		Moving:   mo.IsMoving(),
	}

	mo.stateLock.RLock()
	status.Faulty = mo.isFaulty
	status.Phase = mo.phase
	mo.stateLock.RUnlock()

	return status
}

// Sync probes the driver and maintains the fault state.
func (mo *Motor) Sync() error {
	if mo.driver == nil {
		return ErrNotInitialized
	}

	faulty := !mo.driver.CheckConnection()

	mo.stateLock.Lock()
	changed := faulty != mo.isFaulty
	mo.isFaulty = faulty
	mo.stateLock.Unlock()

	if mo.hk != nil {
		mo.hk.setFault(faulty)
	}
	if changed {
		mo.publishStatus()
	}

	if faulty {
		return errors.Wrapf(ErrDeviceUnreachable, "motor %s, driver %s", mo.Name, mo.driver)
	}
	return nil
}

// TopicName is name lowercased with spaces replaced, as used in mqtt topics.
func TopicName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

func (mo *Motor) setMqtt(topicPrefix string, publisher mqtt.Publisher) {
	mo.topicPrefix = topicPrefix
	mo.publisher = publisher
}

func (mo *Motor) stateTopic() string {
	return mo.topicPrefix + "/" + TopicName(mo.Name) + "/state"
}

func (mo *Motor) MqttSubscribeTopic() string {
	return mo.topicPrefix + "/" + TopicName(mo.Name) + "/set"
}

func (mo *Motor) publishStatus() {
	if mo.publisher == nil {
		return
	}

	payload, err := json.Marshal(mo.Status())
	if err != nil {
		return
	}
	err = mo.publisher.Publish(mo.stateTopic(), payload)
	if err != nil {
		log.Warn("failed to publish motor status", "motor", mo.Name, "err", err)
	}
}

type MotorCommand struct {
	Command string `json:"command"`
	Steps   uint   `json:"steps"`
	Percent int    `json:"percent"`
}

func (mo *Motor) Execute(ctx context.Context, cmd MotorCommand) error {
	switch strings.ToLower(cmd.Command) {
	case "off":
		return mo.PowerOff()
	case "stop":
		if !mo.Stop() {
			return errors.Errorf("motor %s is not moving", mo.Name)
		}
		return nil
	case "goto":
		return mo.GoToPercent(ctx, cmd.Percent)
	}

	dir, err := ParseDirection(cmd.Command)
	if err != nil {
		return errors.Wrap(err, "unknown motor command")
	}
	return mo.Move(ctx, dir, cmd.Steps)
}

func (mo *Motor) MqttHandle(pub *paho.Publish) {
	cmd := MotorCommand{}
	err := json.Unmarshal(pub.Payload, &cmd)
	if err != nil {
		log.Warn("malformed mqtt motor command", "motor", mo.Name, "payload", string(pub.Payload), "err", err)
		return
	}

	go func() {
		err := mo.Execute(context.Background(), cmd)
		if err != nil {
			log.Error("mqtt motor command failed", "motor", mo.Name, "command", cmd.Command, "err", err)
		}
	}()
}
