package gpiocontrol

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/gpiocontrol/drivers"
)

const (
	// defaultPollInterval spaces the samples of the shared polling task.
	defaultPollInterval = 20 * time.Millisecond
	// pollSettleTime is how long a changed level must persist before the
	// watcher accepts it.
	pollSettleTime = 10 * time.Millisecond
)

// SwitchEvent is one debounced activation change of a paired switch. Events
// carry the channel index instead of a bound callback, so a configuration
// rebuild can never leave a stale closure pointing at released hardware.
type SwitchEvent struct {
	Channel int
	Active  bool
}

// InputWatcher owns one claimed input line and turns raw levels into
// latched activation changes. Depending on the driver it is either sampled
// by the registry's polling task or fed settled levels by the backend's
// edge delivery, never both.
type InputWatcher struct {
	channel  int
	topology SwitchTopology
	line     drivers.InputLine
	emit     func(SwitchEvent)

	// polled marks watchers the registry must sample.
	polled bool

	mu         sync.Mutex
	started    bool
	lastLevel  bool
	active     bool
	pending    bool
	hasPending bool
	pendingAt  time.Time
}

// configureInput claims the channel's switch line with the bias its wiring
// demands. Drivers with edge delivery get a handler bound to the watcher,
// anything else is left for the polling task.
func configureInput(driver drivers.IoDriver, line, channel int, topology SwitchTopology, emit func(SwitchEvent)) (*InputWatcher, error) {
	watcher := &InputWatcher{
		channel:  channel,
		topology: topology,
		emit:     emit,
	}

	if edgeDriver, capable := driver.(drivers.EdgeCapable); capable {
		claimed, err := edgeDriver.ClaimEdgeInput(line, topology.Bias(), watcher.observeSettled)
		switch {
		case err == nil:
			watcher.line = claimed
		case !errors.Is(err, drivers.ErrEdgesUnsupported):
			return nil, errors.Wrapf(err, "failed to claim edge input line %d", line)
		}
	}
	if watcher.line == nil {
		claimed, err := driver.ClaimInput(line, topology.Bias())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to claim input line %d", line)
		}
		watcher.line = claimed
		watcher.polled = true
	}

	// The first activation state is latched silently, a switch found
	// already engaged at build time must not fire an event.
	high, err := watcher.line.GetHigh()
	if err != nil {
		watcher.line.Release()
		return nil, errors.Wrapf(err, "failed to read initial level of line %d", line)
	}
	watcher.mu.Lock()
	watcher.lastLevel = high
	watcher.active = high == topology.ActiveLevel()
	watcher.started = true
	watcher.mu.Unlock()

	return watcher, nil
}

// observeSettled latches a level the backend already debounced. Only a
// change that crosses the activation boundary emits, a glitch settling back
// on the same side stays silent.
func (w *InputWatcher) observeSettled(high bool) {
	w.mu.Lock()
	if !w.started {
		// Edge delivered before the initial latch, superseded by it.
		w.mu.Unlock()
		return
	}
	w.lastLevel = high
	active := high == w.topology.ActiveLevel()
	changed := active != w.active
	w.active = active
	w.mu.Unlock()

	if changed {
		w.emit(SwitchEvent{Channel: w.channel, Active: active})
	}
}

// poll advances the debounce state by one sample. A changed level counts
// only after a second consecutive sample past the settle window, so a spike
// shorter than one polling period never comes through.
func (w *InputWatcher) poll(now time.Time) error {
	high, err := w.line.GetHigh()
	if err != nil {
		return errors.Wrap(err, "failed to sample input line")
	}

	w.mu.Lock()
	if high == w.lastLevel {
		w.hasPending = false
		w.mu.Unlock()
		return nil
	}
	if !w.hasPending || w.pending != high {
		w.pending = high
		w.pendingAt = now
		w.hasPending = true
		w.mu.Unlock()
		return nil
	}
	if now.Sub(w.pendingAt) < pollSettleTime {
		w.mu.Unlock()
		return nil
	}
	w.lastLevel = high
	w.hasPending = false
	active := high == w.topology.ActiveLevel()
	changed := active != w.active
	w.active = active
	w.mu.Unlock()

	if changed {
		w.emit(SwitchEvent{Channel: w.channel, Active: active})
	}
	return nil
}

// release gives the input line back. After it returns no further events are
// produced by this watcher.
func (w *InputWatcher) release() error {
	return w.line.Release()
}
