package gpiocontrol

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hubertat/gpiocontrol/drivers"
)

// ActiveMode maps the logical on state of a channel onto an electrical
// level. Together with LineDriver it is the only place polarity is
// translated, everything above deals in on/off.
type ActiveMode string

const (
	ActiveHigh ActiveMode = "active_high"
	ActiveLow  ActiveMode = "active_low"
)

// ElectricalLevel returns the raw level representing the given logical
// state under this mode.
func (mode ActiveMode) ElectricalLevel(on bool) bool {
	if mode == ActiveLow {
		return !on
	}
	return on
}

// LogicalState translates a raw level back into on/off.
func (mode ActiveMode) LogicalState(high bool) bool {
	if mode == ActiveLow {
		return !high
	}
	return high
}

// DefaultState is the logical state a channel assumes whenever its output
// is (re)configured.
type DefaultState string

const (
	DefaultOn  DefaultState = "default_on"
	DefaultOff DefaultState = "default_off"
)

func (ds DefaultState) IsOn() bool {
	return ds == DefaultOn
}

// SwitchTopology describes how a paired physical switch is wired to its
// input line.
type SwitchTopology string

const (
	SwitchNone     SwitchTopology = "none"
	NormallyOpen   SwitchTopology = "normally_open"
	NormallyClosed SwitchTopology = "normally_closed"
)

// Bias returns the pull resistor the input line needs so it idles at the
// released level for this wiring.
func (st SwitchTopology) Bias() drivers.Bias {
	switch st {
	case NormallyOpen:
		return drivers.BiasPullUp
	case NormallyClosed:
		return drivers.BiasPullDown
	}
	return drivers.BiasNone
}

// ActiveLevel returns the electrical level meaning "switch engaged": a
// normally open contact shorts the pulled-up line to ground, a normally
// closed one releases the pulled-down line to the supply.
func (st SwitchTopology) ActiveLevel() bool {
	return st == NormallyClosed
}

// ChannelConfig is one logical channel as the host stores it. Pin and
// SwitchPin are logical pin numbers, resolved against the numbering scheme
// when the channel is built. A negative pin disables the related function.
type ChannelConfig struct {
	Name           string         `json:"name"`
	Pin            int            `json:"pin"`
	ActiveMode     ActiveMode     `json:"active_mode"`
	DefaultState   DefaultState   `json:"default_state"`
	SwitchPin      int            `json:"switch_pin"`
	ExternalSwitch SwitchTopology `json:"external_switch"`
}

// UnmarshalJSON keeps absent pins disabled: a record that leaves out pin or
// switch_pin must decode to -1, never to line 0.
func (c *ChannelConfig) UnmarshalJSON(data []byte) error {
	type channelAlias ChannelConfig
	shadow := struct {
		Pin       *int `json:"pin"`
		SwitchPin *int `json:"switch_pin"`
		*channelAlias
	}{channelAlias: (*channelAlias)(c)}

	if err := json.Unmarshal(data, &shadow); err != nil {
		return err
	}
	c.Pin = -1
	if shadow.Pin != nil {
		c.Pin = *shadow.Pin
	}
	c.SwitchPin = -1
	if shadow.SwitchPin != nil {
		c.SwitchPin = *shadow.SwitchPin
	}
	return nil
}

// normalized fills unset enum fields with the defaults the host UI assumes.
func (c ChannelConfig) normalized() ChannelConfig {
	if len(c.ActiveMode) == 0 {
		c.ActiveMode = ActiveHigh
	}
	if len(c.DefaultState) == 0 {
		c.DefaultState = DefaultOff
	}
	if len(c.ExternalSwitch) == 0 {
		c.ExternalSwitch = SwitchNone
	}
	return c
}

// validate rejects enum values the host never produces. A failing channel
// is skipped during build, it must not take the whole set down.
func (c ChannelConfig) validate() error {
	switch c.ActiveMode {
	case ActiveHigh, ActiveLow:
	default:
		return errors.Errorf("unknown active mode %q", c.ActiveMode)
	}
	switch c.DefaultState {
	case DefaultOn, DefaultOff:
	default:
		return errors.Errorf("unknown default state %q", c.DefaultState)
	}
	switch c.ExternalSwitch {
	case SwitchNone, NormallyOpen, NormallyClosed:
	default:
		return errors.Errorf("unknown external switch wiring %q", c.ExternalSwitch)
	}
	return nil
}

// initialLevel is the electrical level the output must present from the
// very first moment it is claimed.
func (c ChannelConfig) initialLevel() bool {
	return c.ActiveMode.ElectricalLevel(c.DefaultState.IsOn())
}

// wantsSwitch reports whether the channel asks for a paired switch input.
func (c ChannelConfig) wantsSwitch() bool {
	return c.ExternalSwitch != SwitchNone && c.SwitchPin >= 0
}
