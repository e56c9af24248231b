package main

import (
	"context"
	"encoding/json"
	"flag"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hubertat/stepkit"
	"github.com/hubertat/stepkit/mqtt"
)

const clientID = "stepkit-mqtt-client"

var (
	broker  = flag.String("broker", "mqtt://127.0.0.1:1883", "mqtt broker url")
	kit     = flag.String("kit", "", "name of the stepkit instance")
	motor   = flag.String("motor", "", "name of the motor")
	command = flag.String("command", "cw", "cw, ccw, goto, off or stop")
	steps   = flag.Uint("steps", 0, "steps for cw and ccw")
	percent = flag.Int("percent", 0, "target for goto")
	wait    = flag.Duration("wait", 30*time.Second, "how long to wait for the motor status")
)

type stateHandler struct {
	topic  string
	states chan stepkit.MotorStatus
}

func (h *stateHandler) MqttSubscribeTopic() string {
	return h.topic
}

func (h *stateHandler) MqttHandle(pub *paho.Publish) {
	status := stepkit.MotorStatus{}
	err := json.Unmarshal(pub.Payload, &status)
	if err != nil {
		log.Warn("malformed motor status", "topic", pub.Topic, "err", err)
		return
	}
	select {
	case h.states <- status:
	default:
	}
}

func main() {
	flag.Parse()

	if len(*motor) == 0 {
		log.Fatal("motor name required")
	}

	prefix := stepkit.KitTopicPrefix(*kit) + "/" + stepkit.TopicName(*motor)
	handler := &stateHandler{
		topic:  prefix + "/state",
		states: make(chan stepkit.MotorStatus, 8),
	}

	mc, err := mqtt.NewMqttClient(*broker, clientID)
	if err != nil {
		log.Fatal("failed to create mqtt client", "err", err)
	}

	err = mc.Connect([]mqtt.MqttHandler{handler})
	if err != nil {
		log.Fatal("failed to connect to mqtt broker", "err", err)
	}
	defer mc.Disconnect(context.Background())

	payload, err := json.Marshal(stepkit.MotorCommand{
		Command: *command,
		Steps:   *steps,
		Percent: *percent,
	})
	if err != nil {
		log.Fatal("failed to encode command", "err", err)
	}

	err = mc.Publish(prefix+"/set", payload)
	if err != nil {
		log.Fatal("failed to publish command", "err", err)
	}
	log.Info("command sent", "topic", prefix+"/set", "command", *command)

	timeout := time.After(*wait)
	for {
		select {
		case status := <-handler.states:
			log.Info("motor status", "position", status.Position, "percent", status.Percent, "phase", status.Phase, "moving", status.Moving, "faulty", status.Faulty)
			if !status.Moving {
				return
			}
		case <-timeout:
			log.Warn("no status received", "topic", handler.topic)
			return
		}
	}
}
