package gpiocontrol

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/gpiocontrol/drivers"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []StateNotification
}

func (rn *recordingNotifier) NotifyState(n StateNotification) {
	rn.mu.Lock()
	rn.notes = append(rn.notes, n)
	rn.mu.Unlock()
}

func (rn *recordingNotifier) list() []StateNotification {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	notes := make([]StateNotification, len(rn.notes))
	copy(notes, rn.notes)
	return notes
}

func testRegistry(driver drivers.IoDriver, notifier StateNotifier) *Registry {
	return NewRegistry(driver, DirectNumbering, notifier, log.New(io.Discard))
}

// waitFor polls a condition instead of sleeping a fixed time, dispatching
// happens on a background goroutine.
func waitFor(t testing.TB, describe string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", describe)
}

func TestRegistryBuildsInitialStates(t *testing.T) {
	mock := readyMock(t)
	registry := testRegistry(mock, nil)
	defer registry.Close()

	registry.Apply(nil, []ChannelConfig{
		{Name: "ah on", Pin: 2, ActiveMode: ActiveHigh, DefaultState: DefaultOn, SwitchPin: -1},
		{Name: "ah off", Pin: 3, ActiveMode: ActiveHigh, DefaultState: DefaultOff, SwitchPin: -1},
		{Name: "al on", Pin: 4, ActiveMode: ActiveLow, DefaultState: DefaultOn, SwitchPin: -1},
		{Name: "al off", Pin: 5, ActiveMode: ActiveLow, DefaultState: DefaultOff, SwitchPin: -1},
	})

	wantLevels := map[int]bool{2: true, 3: false, 4: false, 5: true}
	for line, want := range wantLevels {
		level, found := mock.OutputLevel(line)
		if !found {
			t.Fatalf("line %d not claimed", line)
		}
		if level != want {
			t.Errorf("line %d level got %v want %v", line, level, want)
		}
	}

	wantStates := []string{"on", "off", "on", "off"}
	got := registry.States()
	if len(got) != len(wantStates) {
		t.Fatalf("got %d states want %d", len(got), len(wantStates))
	}
	for key, state := range got {
		if state != wantStates[key] {
			t.Errorf("state [%d] got %q want %q", key, state, wantStates[key])
		}
	}
}

func TestRegistrySetAndQuery(t *testing.T) {
	mock := readyMock(t)
	registry := testRegistry(mock, nil)
	defer registry.Close()

	registry.Apply(nil, []ChannelConfig{
		{Name: "plain", Pin: 2, ActiveMode: ActiveHigh, DefaultState: DefaultOff, SwitchPin: -1},
		{Name: "inverted", Pin: 3, ActiveMode: ActiveLow, DefaultState: DefaultOff, SwitchPin: -1},
	})

	for id := 0; id < 2; id++ {
		assertNoErr(t, registry.SetState(id, true))
		state, err := registry.State(id)
		assertNoErr(t, err)
		if state != "on" {
			t.Errorf("channel %d got %q want on", id, state)
		}
	}

	level, _ := mock.OutputLevel(2)
	assertBools(t, level, true)
	level, _ = mock.OutputLevel(3)
	assertBools(t, level, false)
}

func TestRegistryInvalidChannel(t *testing.T) {
	mock := readyMock(t)
	registry := testRegistry(mock, nil)
	defer registry.Close()

	registry.Apply(nil, []ChannelConfig{
		{Name: "only one", Pin: 2, SwitchPin: -1},
	})

	if err := registry.SetState(1, true); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("got %v want ErrInvalidChannel", err)
	}
	if err := registry.SetState(-1, true); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("got %v want ErrInvalidChannel", err)
	}
	if _, err := registry.State(7); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("got %v want ErrInvalidChannel", err)
	}
}

func TestRegistryDisabledChannels(t *testing.T) {
	mock := readyMock(t)
	registry := testRegistry(mock, nil)
	defer registry.Close()

	registry.Apply(nil, []ChannelConfig{
		{Name: "no pin", Pin: -1, SwitchPin: -1},
		{Name: "unresolvable", Pin: 99, SwitchPin: -1},
		{Name: "bad mode", Pin: 3, ActiveMode: "inverted", SwitchPin: -1},
		{Name: "working", Pin: 4, SwitchPin: -1},
	})

	states := registry.States()
	want := []string{"", "", "", "off"}
	for key, state := range states {
		if state != want[key] {
			t.Errorf("state [%d] got %q want %q", key, state, want[key])
		}
	}

	// disabled channels answer commands as no-ops
	assertNoErr(t, registry.SetState(0, true))
	state, err := registry.State(0)
	assertNoErr(t, err)
	if state != "" {
		t.Errorf("disabled channel state got %q want empty", state)
	}

	if lines := mock.ClaimedLines(); len(lines) != 1 || lines[0] != 4 {
		t.Errorf("claimed lines got %v want [4]", lines)
	}
}

func TestRegistryBusyLineDisablesLaterChannel(t *testing.T) {
	mock := readyMock(t)
	registry := testRegistry(mock, nil)
	defer registry.Close()

	registry.Apply(nil, []ChannelConfig{
		{Name: "first", Pin: 7, SwitchPin: -1},
		{Name: "duplicate", Pin: 7, SwitchPin: -1},
	})

	states := registry.States()
	if states[0] != "off" || states[1] != "" {
		t.Errorf("got states %v, want the first claim to win", states)
	}
}

func TestRegistryRebuildReleasesBeforeClaiming(t *testing.T) {
	mock := readyMock(t)
	registry := testRegistry(mock, nil)
	defer registry.Close()

	old := []ChannelConfig{
		{Name: "lamp", Pin: 17, ActiveMode: ActiveHigh, DefaultState: DefaultOn, SwitchPin: -1},
	}
	registry.Apply(nil, old)

	current := []ChannelConfig{
		{Name: "lamp moved", Pin: 17, ActiveMode: ActiveLow, DefaultState: DefaultOff, SwitchPin: -1},
	}
	registry.Apply(old, current)

	ops := []string{}
	for _, event := range mock.Journal() {
		if event.Line == 17 {
			ops = append(ops, event.Op)
		}
	}
	want := []string{"claim-output", "release", "claim-output"}
	if len(ops) != len(want) {
		t.Fatalf("line 17 journal got %v want %v", ops, want)
	}
	for key, op := range ops {
		if op != want[key] {
			t.Fatalf("line 17 journal got %v want %v", ops, want)
		}
	}

	// the new claim drives the new initial level (active low, off -> high)
	level, _ := mock.OutputLevel(17)
	assertBools(t, level, true)
}

func TestRegistryRebuildIsIdempotent(t *testing.T) {
	mock := readyMock(t)
	registry := testRegistry(mock, nil)
	defer registry.Close()

	configs := []ChannelConfig{
		{Name: "a", Pin: 2, DefaultState: DefaultOn, SwitchPin: -1},
		{Name: "b", Pin: 3, SwitchPin: 5, ExternalSwitch: NormallyOpen},
	}

	registry.Apply(nil, configs)
	first := registry.States()
	firstLines := mock.ClaimedLines()

	registry.Apply(configs, configs)
	second := registry.States()
	secondLines := mock.ClaimedLines()

	for key := range first {
		if first[key] != second[key] {
			t.Errorf("state [%d] changed across identical rebuild: %q -> %q", key, first[key], second[key])
		}
	}
	if len(firstLines) != len(secondLines) {
		t.Fatalf("claimed lines changed across identical rebuild: %v -> %v", firstLines, secondLines)
	}
	for key := range firstLines {
		if firstLines[key] != secondLines[key] {
			t.Errorf("claimed lines changed across identical rebuild: %v -> %v", firstLines, secondLines)
		}
	}
}

func TestRegistrySwitchDrivesOutput(t *testing.T) {
	mock := edgeMock(t)
	notifier := &recordingNotifier{}
	registry := testRegistry(mock, notifier)
	defer registry.Close()

	registry.Apply(nil, []ChannelConfig{
		{Name: "hall", Pin: 4, ActiveMode: ActiveHigh, DefaultState: DefaultOff,
			SwitchPin: 18, ExternalSwitch: NormallyOpen},
	})

	// build must stay silent
	if notes := notifier.list(); len(notes) != 0 {
		t.Fatalf("got %d notifications after build, want 0", len(notes))
	}

	// engage: the normally open contact pulls the line low
	mock.SetInputLevel(18, false)
	waitFor(t, "activation to reach the output", func() bool {
		level, _ := mock.OutputLevel(4)
		return level
	})
	waitFor(t, "activation notification", func() bool {
		return len(notifier.list()) == 1
	})
	if note := notifier.list()[0]; note.ID != 0 || note.State != "on" {
		t.Errorf("got notification %+v want {0 on}", note)
	}

	// release
	mock.SetInputLevel(18, true)
	waitFor(t, "deactivation to reach the output", func() bool {
		level, _ := mock.OutputLevel(4)
		return !level
	})
	waitFor(t, "deactivation notification", func() bool {
		return len(notifier.list()) == 2
	})
	if note := notifier.list()[1]; note.ID != 0 || note.State != "off" {
		t.Errorf("got notification %+v want {0 off}", note)
	}
}

func TestRegistryEngagedDefaultOnChannel(t *testing.T) {
	mock := edgeMock(t)
	notifier := &recordingNotifier{}
	registry := testRegistry(mock, notifier)
	defer registry.Close()

	// active low output that starts on, with a normally open switch
	registry.Apply(nil, []ChannelConfig{
		{Name: "cellar", Pin: 17, ActiveMode: ActiveLow, DefaultState: DefaultOn,
			SwitchPin: 27, ExternalSwitch: NormallyOpen},
	})

	level, _ := mock.OutputLevel(17)
	assertBools(t, level, false)

	// engaging the switch asks for on, the output is already there: the
	// level must not be rewritten but the notification still goes out
	mock.SetInputLevel(27, false)
	waitFor(t, "activation notification", func() bool {
		return len(notifier.list()) == 1
	})
	if writes := mock.WritesTo(17); len(writes) != 0 {
		t.Errorf("got %d writes for an already-on channel, want 0", len(writes))
	}
	if note := notifier.list()[0]; note.ID != 0 || note.State != "on" {
		t.Errorf("got notification %+v want {0 on}", note)
	}

	// releasing turns it off for real (active low: off drives high)
	mock.SetInputLevel(27, true)
	waitFor(t, "deactivation to reach the output", func() bool {
		level, _ := mock.OutputLevel(17)
		return level
	})
	state, err := registry.State(0)
	assertNoErr(t, err)
	if state != "off" {
		t.Errorf("got state %q want off", state)
	}
}

func TestRegistryCommandOverrideIsTransient(t *testing.T) {
	mock := edgeMock(t)
	registry := testRegistry(mock, nil)
	defer registry.Close()

	registry.Apply(nil, []ChannelConfig{
		{Name: "porch", Pin: 4, DefaultState: DefaultOff,
			SwitchPin: 18, ExternalSwitch: NormallyOpen},
	})

	// switch engages, output on
	mock.SetInputLevel(18, false)
	waitFor(t, "activation to reach the output", func() bool {
		level, _ := mock.OutputLevel(4)
		return level
	})

	// command overrides to off while the switch stays engaged
	assertNoErr(t, registry.SetState(0, false))
	state, err := registry.State(0)
	assertNoErr(t, err)
	if state != "off" {
		t.Fatalf("got state %q want off after override", state)
	}

	// the next physical transition wins again
	mock.SetInputLevel(18, true)
	mock.SetInputLevel(18, false)
	waitFor(t, "switch to retake the output", func() bool {
		level, _ := mock.OutputLevel(4)
		return level
	})
}

func TestRegistryCloseReleasesEverything(t *testing.T) {
	mock := readyMock(t)
	registry := testRegistry(mock, nil)

	registry.Apply(nil, []ChannelConfig{
		{Name: "a", Pin: 2, DefaultState: DefaultOn, SwitchPin: 5, ExternalSwitch: NormallyOpen},
		{Name: "b", Pin: 3, SwitchPin: -1},
	})
	if lines := mock.ClaimedLines(); len(lines) != 3 {
		t.Fatalf("claimed lines before close: %v", lines)
	}

	registry.Close()

	if lines := mock.ClaimedLines(); len(lines) != 0 {
		t.Errorf("claimed lines after close: %v, want none", lines)
	}
	// the last driven level stays
	level, _ := mock.OutputLevel(2)
	assertBools(t, level, true)
}

// stallingDriver hands out inputs that answer the configure-time read and
// then block, wedging whoever samples them.
type stallingDriver struct {
	*drivers.MockIO
	gate chan struct{}

	mu    sync.Mutex
	reads int
}

func (sd *stallingDriver) ClaimInput(line int, bias drivers.Bias) (drivers.InputLine, error) {
	inner, err := sd.MockIO.ClaimInput(line, bias)
	if err != nil {
		return nil, err
	}
	return &stallingLine{driver: sd, inner: inner}, nil
}

func (sd *stallingDriver) sampleCount() int {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.reads
}

type stallingLine struct {
	driver *stallingDriver
	inner  drivers.InputLine
}

func (sl *stallingLine) GetHigh() (bool, error) {
	sl.driver.mu.Lock()
	sl.driver.reads++
	blocked := sl.driver.reads > 1
	sl.driver.mu.Unlock()

	if blocked {
		<-sl.driver.gate
	}
	return sl.inner.GetHigh()
}

func (sl *stallingLine) Release() error {
	return sl.inner.Release()
}

func TestRegistryAbandonsStuckPollTask(t *testing.T) {
	driver := &stallingDriver{MockIO: readyMock(t), gate: make(chan struct{})}
	defer close(driver.gate)

	registry := testRegistry(driver, nil)
	registry.Apply(nil, []ChannelConfig{
		{Name: "door", Pin: 4, SwitchPin: 17, ExternalSwitch: NormallyOpen},
	})

	// configure reads the line once, the first poll tick blocks on the next
	waitFor(t, "the sampler to wedge", func() bool {
		return driver.sampleCount() >= 2
	})

	start := time.Now()
	registry.Close()
	elapsed := time.Since(start)

	if elapsed < taskStopTimeout {
		t.Errorf("close returned after %v, want it to wait out the %v task join", elapsed, taskStopTimeout)
	}
	if lines := driver.ClaimedLines(); len(lines) != 0 {
		t.Errorf("claimed lines after close: %v, want none", lines)
	}
}
