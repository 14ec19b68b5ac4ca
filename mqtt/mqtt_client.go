package mqtt

import (
	"context"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

const subscribeTimeoutSeconds = 15
const connectionTimeoutSeconds = 5
const publishTimeoutSeconds = 4

// MqttHandler consumes the messages arriving on one subscription.
type MqttHandler interface {
	MqttHandle(pub *paho.Publish)
	MqttSubscribeTopic() string
}

// Publisher is the outbound half of the client, enough for notifiers.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type MqttClient struct {
	config   autopaho.ClientConfig
	conn     *autopaho.ConnectionManager
	logger   *log.Logger
	handlers []MqttHandler
}

func (mc *MqttClient) Publish(topic string, payload []byte) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeoutSeconds*time.Second)
	defer cancel()

	_, err = mc.conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
	})
	return
}

func (mc *MqttClient) onConnUp(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
	mc.logger.Info("Connected to MQTT broker")

	subs := []paho.SubscribeOptions{}
	for _, handler := range mc.handlers {
		subs = append(subs, paho.SubscribeOptions{
			QoS:   1,
			Topic: handler.MqttSubscribeTopic(),
		})
	}
	if len(subs) == 0 {
		return
	}

	mc.logger.Debug("subscribing mqtt", "subs", subs)

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeoutSeconds*time.Second)
	defer cancel()

	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: subs,
	})

	if err != nil {
		mc.logger.Error("Failed to subscribe to topics", "err", err)
	}
}

func (mc *MqttClient) onConnError(err error) {
	mc.logger.Error("Received Mqtt connection error", "err", err)
}

func (mc *MqttClient) onSrvDisconnect(d *paho.Disconnect) {
	mc.logger.Info("Disconnected from MQTT broker")
}

func (mc *MqttClient) onPublishRecv() []func(paho.PublishReceived) (bool, error) {
	return []func(paho.PublishReceived) (bool, error){
		func(pr paho.PublishReceived) (bool, error) {
			mc.logger.Debug("received message", "topic", pr.Packet.Topic, "retain", pr.Packet.Retain)
			handled := false
			for _, handler := range mc.handlers {
				if TopicMatches(handler.MqttSubscribeTopic(), pr.Packet.Topic) {
					handler.MqttHandle(pr.Packet)
					handled = true
				}
			}
			return handled, nil
		},
	}
}

func (mc *MqttClient) Connect(handlers []MqttHandler) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeoutSeconds*time.Second)
	defer cancel()

	mc.handlers = handlers
	for _, handler := range handlers {
		mc.logger.Debug("setting up mqtt subscription", "topic", handler.MqttSubscribeTopic())
	}

	mc.conn, err = autopaho.NewConnection(ctx, mc.config)
	if err != nil {
		return
	}

	err = mc.conn.AwaitConnection(ctx)
	return
}

func (mc *MqttClient) Disconnect(ctx context.Context) error {
	mc.handlers = nil

	if mc.conn == nil {
		return nil
	}
	return mc.conn.Disconnect(ctx)
}

// TopicMatches checks a topic against a subscription filter, honoring the
// + and # wildcards.
func TopicMatches(filter, topic string) bool {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for index, part := range filterParts {
		if part == "#" {
			return true
		}
		if index >= len(topicParts) {
			return false
		}
		if part == "+" {
			continue
		}
		if part != topicParts[index] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}

func NewMqttClient(broker string, clientId string) (mc *MqttClient, err error) {
	addr, err := url.Parse(broker)
	if err != nil {
		return
	}

	mc = &MqttClient{
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "MqttClient 🐰: ",
			Level:  log.GetLevel(),
		}),
	}

	mc.config = autopaho.ClientConfig{
		ServerUrls:            []*url.URL{addr},
		KeepAlive:             20,
		SessionExpiryInterval: 60,
		OnConnectionUp:        mc.onConnUp,
		OnConnectError:        mc.onConnError,
		ClientConfig: paho.ClientConfig{
			ClientID:           clientId,
			OnClientError:      mc.onConnError,
			OnServerDisconnect: mc.onSrvDisconnect,
			OnPublishReceived:  mc.onPublishRecv(),
		},
	}

	return
}
