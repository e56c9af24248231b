package mqtt

import (
	"testing"

	"github.com/eclipse/paho.golang/paho"
)

type recordingHandler struct {
	topic    string
	payloads []string
}

func (rh *recordingHandler) MqttHandle(pub *paho.Publish) {
	rh.payloads = append(rh.payloads, string(pub.Payload))
}

func (rh *recordingHandler) MqttSubscribeTopic() string {
	return rh.topic
}

func TestNewMqttClient(t *testing.T) {
	mc, err := NewMqttClient("mqtt://localhost:1883", "stepkit-test")
	if err != nil {
		t.Fatalf("NewMqttClient returned err: %v", err)
	}

	if len(mc.config.ServerUrls) != 1 || mc.config.ServerUrls[0].Host != "localhost:1883" {
		t.Errorf("unexpected server urls: %v", mc.config.ServerUrls)
	}
	if mc.config.ClientConfig.ClientID != "stepkit-test" {
		t.Errorf("got client id %s", mc.config.ClientConfig.ClientID)
	}

	_, err = NewMqttClient("://bad", "x")
	if err == nil {
		t.Error("expected error for invalid broker url")
	}
}

func TestDispatch(t *testing.T) {
	mc, _ := NewMqttClient("mqtt://localhost:1883", "stepkit-test")

	first := &recordingHandler{topic: "stepkit/a/set"}
	second := &recordingHandler{topic: "stepkit/b/set"}
	mc.SetHandlers([]MqttHandler{first, second})

	if !mc.Dispatch(&paho.Publish{Topic: "stepkit/b/set", Payload: []byte("off")}) {
		t.Error("Dispatch returned false for subscribed topic")
	}
	if mc.Dispatch(&paho.Publish{Topic: "stepkit/c/set", Payload: []byte("off")}) {
		t.Error("Dispatch returned true for unknown topic")
	}

	if len(first.payloads) != 0 {
		t.Errorf("first handler got %v", first.payloads)
	}
	if len(second.payloads) != 1 || second.payloads[0] != "off" {
		t.Errorf("second handler got %v", second.payloads)
	}

	if len(mc.subscriptions()) != 2 {
		t.Errorf("got %d subscriptions want 2", len(mc.subscriptions()))
	}
}

func TestPublishNotConnected(t *testing.T) {
	mc, _ := NewMqttClient("mqtt://localhost:1883", "stepkit-test")

	if err := mc.Publish("stepkit/a/state", []byte("{}")); err == nil {
		t.Error("expected error publishing without connection")
	}
}
