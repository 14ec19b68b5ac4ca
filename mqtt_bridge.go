package gpiocontrol

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
)

// mqttNotifier publishes every state change notification as JSON on the
// kit's state topic.
type mqttNotifier struct {
	publisher interface {
		Publish(topic string, payload []byte) error
	}
	topic  string
	logger *log.Logger
}

func (mn *mqttNotifier) NotifyState(n StateNotification) {
	payload, err := json.Marshal(n)
	if err != nil {
		mn.logger.Error("failed to encode state notification", "err", err)
		return
	}
	if err := mn.publisher.Publish(mn.topic, payload); err != nil {
		mn.logger.Error("failed to publish state notification", "topic", mn.topic, "err", err)
	}
}

// mqttSetHandler applies inbound set messages. The channel id is the last
// topic segment, the payload is the wanted state word.
type mqttSetHandler struct {
	kit *Kit
}

func (h *mqttSetHandler) MqttSubscribeTopic() string {
	return h.kit.mqttTopic("set", "+")
}

func (h *mqttSetHandler) MqttHandle(pub *paho.Publish) {
	parts := strings.Split(pub.Topic, "/")
	id, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		h.kit.logger.Warn("mqtt set with a non numeric channel id", "topic", pub.Topic)
		return
	}

	var on bool
	switch strings.ToLower(strings.TrimSpace(string(pub.Payload))) {
	case "on", "1", "true":
		on = true
	case "off", "0", "false":
		on = false
	default:
		h.kit.logger.Warn("mqtt set with unknown payload", "topic", pub.Topic, "payload", string(pub.Payload))
		return
	}

	if err := h.kit.registry.SetState(id, on); err != nil {
		h.kit.logger.Warn("mqtt set failed", "channel", id, "err", err)
	}
}
