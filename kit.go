package gpiocontrol

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/gpiocontrol/drivers"
	"github.com/hubertat/gpiocontrol/mqtt"
)

// Kit is the top level object the configuration file unmarshals into. It
// wires one io driver, the channel registry and the optional host surfaces
// (HomeKit, MQTT, Influx) together.
type Kit struct {
	Name string

	Channels []ChannelConfig

	// Numbering forces the pin numbering scheme ("bcm" or "board"). When
	// empty the scheme is detected from the environment once at startup.
	Numbering string
	// PollInterval overrides the switch sampling period, as a duration
	// string.
	PollInterval string

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker string

	Influx *InfluxRecorder

	Gpio     *drivers.GpIO
	Cdev     *drivers.CdevIO
	Mcp23017 *drivers.McpIO
	Mock     *drivers.MockIO

	mu         sync.Mutex
	driver     drivers.IoDriver
	numbering  Numbering
	registry   *Registry
	mqttClient *mqtt.MqttClient
	hkSwitches []*hkSwitch
	notifiers  MultiNotifier
	logger     *log.Logger
	ticker     *time.Ticker
}

// Init prepares the configured io driver and builds the registry. Exactly
// one driver section must be present in the configuration, every channel of
// the process runs on that backend.
func (k *Kit) Init(ctx context.Context) error {
	k.logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "gpiocontrol",
	})

	driver, err := k.pickDriver()
	if err != nil {
		return err
	}

	if len(k.Numbering) > 0 {
		k.numbering, err = ParseNumbering(k.Numbering)
		if err != nil {
			return errors.Wrap(err, "failed to read numbering setting")
		}
	} else {
		k.numbering = DetectNumbering(os.Getenv)
	}

	pollInterval := defaultPollInterval
	if len(k.PollInterval) > 0 {
		pollInterval, err = time.ParseDuration(k.PollInterval)
		if err != nil {
			return errors.Wrapf(err, "failed to parse poll interval %q", k.PollInterval)
		}
	}

	err = driver.Setup(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to setup %s driver", driver)
	}
	k.driver = driver
	k.logger.Info("io driver ready", "driver", driver.String(), "numbering", k.numbering)

	if k.Influx != nil {
		err = k.Influx.Setup()
		if err != nil {
			return errors.Wrap(err, "failed to setup influx recorder")
		}
		k.AddNotifier(k.Influx)
	}

	k.registry = NewRegistry(k.driver, k.numbering, NotifierFunc(k.notifyState), k.logger.WithPrefix("registry"))
	k.registry.pollInterval = pollInterval
	return nil
}

// Start claims hardware for the configured channels.
func (k *Kit) Start() {
	k.mu.Lock()
	channels := k.Channels
	k.mu.Unlock()

	k.registry.Apply(nil, channels)
}

// ApplyChannels replaces the channel set with what the host saved. The
// previous set is torn down completely before the new one is built.
func (k *Kit) ApplyChannels(channels []ChannelConfig) {
	k.mu.Lock()
	old := k.Channels
	k.Channels = channels
	k.mu.Unlock()

	k.registry.Apply(old, channels)
}

// ChannelSnapshot returns a copy of the current channel configuration.
func (k *Kit) ChannelSnapshot() []ChannelConfig {
	k.mu.Lock()
	defer k.mu.Unlock()

	channels := make([]ChannelConfig, len(k.Channels))
	copy(channels, k.Channels)
	return channels
}

// Registry exposes the channel registry to transports.
func (k *Kit) Registry() *Registry {
	return k.registry
}

// AddNotifier registers another sink for state change notifications.
func (k *Kit) AddNotifier(notifier StateNotifier) {
	k.mu.Lock()
	k.notifiers = append(k.notifiers, notifier)
	k.mu.Unlock()
}

// notifyState runs on the registry dispatcher. HomeKit is updated first so
// the Home app tracks wall switches promptly, then the sinks get their
// copy.
func (k *Kit) notifyState(n StateNotification) {
	k.syncHomeKit(n)

	k.mu.Lock()
	sinks := k.notifiers
	k.mu.Unlock()

	sinks.NotifyState(n)
}

func (k *Kit) pickDriver() (drivers.IoDriver, error) {
	configured := []drivers.IoDriver{}
	if k.Gpio != nil {
		configured = append(configured, k.Gpio)
	}
	if k.Cdev != nil {
		configured = append(configured, k.Cdev)
	}
	if k.Mcp23017 != nil {
		configured = append(configured, k.Mcp23017)
	}
	if k.Mock != nil {
		configured = append(configured, k.Mock)
	}

	switch len(configured) {
	case 0:
		return nil, errors.New("no io driver configured")
	case 1:
		return configured[0], nil
	}

	names := []string{}
	for _, driver := range configured {
		names = append(names, driver.String())
	}
	return nil, errors.Errorf("exactly one io driver must be configured, got: %s", strings.Join(names, ", "))
}

// StartTicker keeps the HomeKit accessories aligned with the hardware, so
// changes made through commands show up in the Home app too.
func (k *Kit) StartTicker(interval time.Duration) {
	k.mu.Lock()
	k.ticker = time.NewTicker(interval)
	ticker := k.ticker
	k.mu.Unlock()

	for range ticker.C {
		k.syncHomeKitAll()
	}
}

// InitMqtt connects to the configured broker. State changes are published
// and inbound set messages are applied to the registry.
func (k *Kit) InitMqtt() error {
	k.mu.Lock()
	broker := k.MqttBroker
	name := k.Name
	k.mu.Unlock()

	if len(broker) == 0 {
		return errors.New("mqtt broker not set")
	}

	client, err := mqtt.NewMqttClient(broker, mqttClientID(name))
	if err != nil {
		return errors.Wrap(err, "failed to create mqtt client")
	}

	err = client.Connect([]mqtt.MqttHandler{&mqttSetHandler{kit: k}})
	if err != nil {
		return errors.Wrap(err, "failed to connect to mqtt broker")
	}

	k.mu.Lock()
	k.mqttClient = client
	k.mu.Unlock()

	k.AddNotifier(&mqttNotifier{
		publisher: client,
		topic:     k.mqttTopic("state"),
		logger:    k.logger.WithPrefix("mqtt"),
	})
	return nil
}

// Close releases the hardware and disconnects the host surfaces. Errors are
// collected, closing continues past a failing component.
func (k *Kit) Close() (err error) {
	k.mu.Lock()
	if k.ticker != nil {
		k.ticker.Stop()
	}
	mqttClient := k.mqttClient
	k.mu.Unlock()

	if k.registry != nil {
		k.registry.Close()
	}

	if mqttClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closeErr := mqttClient.Disconnect(ctx)
		if closeErr != nil {
			err = errors.Wrap(closeErr, "failed to disconnect mqtt")
		}
	}

	if k.Influx != nil {
		k.Influx.Close()
	}

	if k.driver != nil {
		closeErr := k.driver.Close()
		if closeErr != nil {
			if err != nil {
				err = errors.Wrap(err, closeErr.Error())
			} else {
				err = closeErr
			}
		}
	}

	return
}

// PrintIoStatus writes a short summary of the claimed lines.
func (k *Kit) PrintIoStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== io driver status ===")
	fmt.Fprintln(writer, "________")
	fmt.Fprintf(writer, "| driver: %s\n", k.driver)
	fmt.Fprintf(writer, "| numbering: %s\n", k.numbering)
	fmt.Fprintf(writer, "| claimed lines: ")
	for _, line := range k.driver.ClaimedLines() {
		fmt.Fprintf(writer, "%d, ", line)
	}
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "--------")
	fmt.Fprintln(writer)
}

func (k *Kit) mqttTopic(parts ...string) string {
	name := k.Name
	if len(name) == 0 {
		name = "gpiocontrol"
	}
	return strings.Join(append([]string{"gpiocontrol", name}, parts...), "/")
}

func mqttClientID(name string) string {
	if len(name) == 0 {
		return "gpiocontrol"
	}
	return "gpiocontrol-" + name
}
