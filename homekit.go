package gpiocontrol

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"syscall"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	hklog "github.com/brutella/hap/log"
	"github.com/pkg/errors"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeName = "gpiocontrol"
const homeKitBridgeAuthor = "github.com/hubertat"

// hkSwitch pairs one channel with its HomeKit accessory.
type hkSwitch struct {
	channel int
	acc     *accessory.Switch
	fault   *characteristic.StatusFault
}

func hkUniqueId(channel int, name string) uint64 {
	hash := fnv.New64()
	hash.Write([]byte(fmt.Sprintf("Channel_%d_%s", channel, name)))
	return hash.Sum64()
}

// buildHomeKit creates one switch accessory per output channel. The set is
// fixed for the lifetime of the HomeKit server, channels saved later need a
// restart to appear in the Home app.
func (k *Kit) buildHomeKit(firmwareVersion string) []*accessory.A {
	channels := k.ChannelSnapshot()

	switches := []*hkSwitch{}
	accs := []*accessory.A{}
	for index, raw := range channels {
		config := raw.normalized()
		if config.Pin < 0 {
			continue
		}
		name := config.Name
		if len(name) == 0 {
			name = fmt.Sprintf("channel %d", index)
		}

		acc := accessory.NewSwitch(accessory.Info{
			Name:         name,
			SerialNumber: fmt.Sprintf("channel:%02d:%02d", index, config.Pin),
			Manufacturer: homeKitBridgeAuthor,
			Firmware:     firmwareVersion,
		})
		acc.A.Id = hkUniqueId(index, name)

		fault := characteristic.NewStatusFault()
		fault.SetValue(characteristic.StatusFaultNoFault)
		acc.Switch.AddC(fault.C)

		channel := index
		acc.Switch.On.OnValueRemoteUpdate(func(on bool) {
			if err := k.registry.SetState(channel, on); err != nil {
				k.logger.Warn("homekit update failed", "channel", channel, "err", err)
			}
		})

		switches = append(switches, &hkSwitch{channel: index, acc: acc, fault: fault})
		accs = append(accs, acc.A)
	}

	k.mu.Lock()
	k.hkSwitches = switches
	k.mu.Unlock()

	return accs
}

// syncHomeKit pushes one state change into the matching accessory.
func (k *Kit) syncHomeKit(n StateNotification) {
	k.mu.Lock()
	switches := k.hkSwitches
	k.mu.Unlock()

	for _, hk := range switches {
		if hk.channel == n.ID {
			hk.acc.Switch.On.SetValue(n.State == "on")
			return
		}
	}
}

// syncHomeKitAll refreshes every accessory from the hardware. A channel
// that stopped answering is flagged faulty instead of going stale silently.
func (k *Kit) syncHomeKitAll() {
	k.mu.Lock()
	switches := k.hkSwitches
	k.mu.Unlock()

	if len(switches) == 0 {
		return
	}
	states := k.registry.States()
	for _, hk := range switches {
		if hk.channel >= len(states) {
			continue
		}
		state := states[hk.channel]
		if len(state) == 0 {
			hk.fault.SetValue(characteristic.StatusFaultGeneralFault)
			continue
		}
		hk.fault.SetValue(characteristic.StatusFaultNoFault)
		hk.acc.Switch.On.SetValue(state == "on")
	}
}

// StartHomeKit runs the accessory server until the context is cancelled or
// a termination signal arrives.
func (k *Kit) StartHomeKit(ctx context.Context, firmwareVersion string) error {
	hkName := k.Name
	if len(hkName) < 1 {
		hkName = homeKitBridgeName
	}
	bridge := accessory.NewBridge(accessory.Info{
		Name:         hkName,
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var store hap.Store
	if len(k.HkDirectory) > 1 {
		store = hap.NewFsStore(k.HkDirectory)
	} else {
		store = hap.NewFsStore(defaultHomeKitDirectory)
	}
	hkServer, err := hap.NewServer(store, bridge.A, k.buildHomeKit(firmwareVersion)...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = k.HkPin
	if len(k.HkAddress) > 0 {
		hkServer.Addr = k.HkAddress
	}

	if k.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	signal.Notify(c, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-c
		// Stop delivering signals.
		signal.Stop(c)
		// Cancel the context to stop the server.
		cancel()
	}()

	return hkServer.ListenAndServe(ctx)
}
