package gpiocontrol

import (
	"encoding/json"
	"testing"

	"github.com/hubertat/gpiocontrol/drivers"
)

func assertBools(t testing.TB, got, want bool) {
	t.Helper()

	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}

func assertNoErr(t testing.TB, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
}

func TestInitialLevelTable(t *testing.T) {
	cases := []struct {
		name      string
		mode      ActiveMode
		def       DefaultState
		wantLevel bool
	}{
		{"active high, default on", ActiveHigh, DefaultOn, true},
		{"active high, default off", ActiveHigh, DefaultOff, false},
		{"active low, default on", ActiveLow, DefaultOn, false},
		{"active low, default off", ActiveLow, DefaultOff, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			config := ChannelConfig{Pin: 4, ActiveMode: c.mode, DefaultState: c.def}
			assertBools(t, config.initialLevel(), c.wantLevel)
		})
	}
}

func TestActiveModeTranslation(t *testing.T) {
	cases := []struct {
		name      string
		mode      ActiveMode
		on        bool
		wantLevel bool
	}{
		{"active high on", ActiveHigh, true, true},
		{"active high off", ActiveHigh, false, false},
		{"active low on", ActiveLow, true, false},
		{"active low off", ActiveLow, false, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assertBools(t, c.mode.ElectricalLevel(c.on), c.wantLevel)
			// reading the produced level back must return the same state
			assertBools(t, c.mode.LogicalState(c.wantLevel), c.on)
		})
	}
}

func TestSwitchTopologyWiring(t *testing.T) {
	t.Run("normally open pulls up and engages low", func(t *testing.T) {
		if NormallyOpen.Bias() != drivers.BiasPullUp {
			t.Errorf("got bias %v want pull-up", NormallyOpen.Bias())
		}
		assertBools(t, NormallyOpen.ActiveLevel(), false)
	})

	t.Run("normally closed pulls down and engages high", func(t *testing.T) {
		if NormallyClosed.Bias() != drivers.BiasPullDown {
			t.Errorf("got bias %v want pull-down", NormallyClosed.Bias())
		}
		assertBools(t, NormallyClosed.ActiveLevel(), true)
	})

	t.Run("no switch asks for no bias", func(t *testing.T) {
		if SwitchNone.Bias() != drivers.BiasNone {
			t.Errorf("got bias %v want none", SwitchNone.Bias())
		}
	})
}

func TestChannelConfigUnmarshal(t *testing.T) {
	t.Run("absent pins decode to disabled", func(t *testing.T) {
		var config ChannelConfig
		assertNoErr(t, json.Unmarshal([]byte(`{"name": "bare"}`), &config))

		if config.Pin != -1 {
			t.Errorf("got pin %d want -1", config.Pin)
		}
		if config.SwitchPin != -1 {
			t.Errorf("got switch pin %d want -1", config.SwitchPin)
		}
	})

	t.Run("explicit zero stays line zero", func(t *testing.T) {
		var config ChannelConfig
		assertNoErr(t, json.Unmarshal([]byte(`{"pin": 0, "switch_pin": 0}`), &config))

		if config.Pin != 0 {
			t.Errorf("got pin %d want 0", config.Pin)
		}
		if config.SwitchPin != 0 {
			t.Errorf("got switch pin %d want 0", config.SwitchPin)
		}
	})

	t.Run("full record", func(t *testing.T) {
		var config ChannelConfig
		raw := `{
			"name": "garage light",
			"pin": 17,
			"active_mode": "active_low",
			"default_state": "default_on",
			"switch_pin": 27,
			"external_switch": "normally_open"
		}`
		assertNoErr(t, json.Unmarshal([]byte(raw), &config))

		if config.Name != "garage light" || config.Pin != 17 || config.SwitchPin != 27 {
			t.Errorf("unexpected decoded config: %+v", config)
		}
		if config.ActiveMode != ActiveLow || config.DefaultState != DefaultOn || config.ExternalSwitch != NormallyOpen {
			t.Errorf("unexpected decoded enums: %+v", config)
		}
	})
}

func TestChannelConfigNormalized(t *testing.T) {
	config := ChannelConfig{Pin: 3}.normalized()

	if config.ActiveMode != ActiveHigh {
		t.Errorf("got mode %q want active_high", config.ActiveMode)
	}
	if config.DefaultState != DefaultOff {
		t.Errorf("got default %q want default_off", config.DefaultState)
	}
	if config.ExternalSwitch != SwitchNone {
		t.Errorf("got switch wiring %q want none", config.ExternalSwitch)
	}
}

func TestChannelConfigValidate(t *testing.T) {
	good := ChannelConfig{Pin: 3}.normalized()
	assertNoErr(t, good.validate())

	bad := ChannelConfig{Pin: 3, ActiveMode: "inverted"}.normalized()
	if bad.validate() == nil {
		t.Error("unknown active mode should not validate")
	}

	badSwitch := ChannelConfig{Pin: 3, ExternalSwitch: "sometimes_open"}.normalized()
	if badSwitch.validate() == nil {
		t.Error("unknown switch wiring should not validate")
	}
}

func TestChannelConfigWantsSwitch(t *testing.T) {
	assertBools(t, ChannelConfig{Pin: 3, SwitchPin: 5, ExternalSwitch: NormallyOpen}.wantsSwitch(), true)
	assertBools(t, ChannelConfig{Pin: 3, SwitchPin: -1, ExternalSwitch: NormallyOpen}.wantsSwitch(), false)
	assertBools(t, ChannelConfig{Pin: 3, SwitchPin: 5, ExternalSwitch: SwitchNone}.wantsSwitch(), false)
}
