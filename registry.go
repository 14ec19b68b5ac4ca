package gpiocontrol

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/gpiocontrol/drivers"
)

const (
	// eventQueueSize buffers switch events between the watchers and the
	// dispatcher. Producers never block on a full queue, they drop.
	eventQueueSize = 16
	// taskStopTimeout bounds the wait for a background task to exit during
	// teardown. A task stuck past it is reported and abandoned.
	taskStopTimeout = time.Second
)

// ErrInvalidChannel marks a command addressing an id outside the configured
// channel range.
var ErrInvalidChannel = errors.New("invalid channel id")

// Registry owns the live mapping from channel configurations to claimed
// hardware. Rebuilds are atomic from the caller's view: every old claim is
// fully released before the first new one is made, so a line moving between
// channels never has two owners.
type Registry struct {
	driver    drivers.IoDriver
	numbering Numbering
	notifier  StateNotifier
	logger    *log.Logger

	pollInterval time.Duration

	// applyMu serializes Apply and Close against each other, mu guards the
	// entries against the background tasks and command handlers.
	applyMu sync.Mutex
	mu      sync.Mutex
	entries []*channelEntry

	events       chan SwitchEvent
	dispatchStop chan struct{}
	dispatchDone chan struct{}
	pollStop     chan struct{}
	pollDone     chan struct{}
}

type channelEntry struct {
	index  int
	config ChannelConfig
	output *LineDriver
	watch  *InputWatcher
}

func NewRegistry(driver drivers.IoDriver, numbering Numbering, notifier StateNotifier, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		driver:       driver,
		numbering:    numbering,
		notifier:     notifier,
		logger:       logger,
		pollInterval: defaultPollInterval,
		events:       make(chan SwitchEvent, eventQueueSize),
	}
}

// Apply replaces the previous channel set with the new one. The old
// snapshot is only advisory, teardown always releases what is actually
// claimed. Failing channels are skipped with a log entry, never aborting
// the healthy rest.
func (r *Registry) Apply(old, current []ChannelConfig) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.stopTasks()

	r.mu.Lock()
	if len(old) != len(r.entries) {
		r.logger.Debug("stored snapshot differs from live channels",
			"snapshot", len(old), "live", len(r.entries))
	}
	r.teardownLocked()
	r.drainEventsLocked()
	r.buildLocked(current)
	needDispatch, needPoll := r.taskNeedsLocked()
	r.mu.Unlock()

	r.startTasks(needDispatch, needPoll)
}

// Close releases every claimed line and stops the background tasks. Output
// levels stay as last driven.
func (r *Registry) Close() {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.stopTasks()

	r.mu.Lock()
	r.teardownLocked()
	r.drainEventsLocked()
	r.mu.Unlock()
}

// State reports "on" or "off" for one channel, read back from the hardware.
// Channels without a working output report an empty string.
func (r *Registry) State(id int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || id >= len(r.entries) {
		return "", errors.Wrapf(ErrInvalidChannel, "id %d", id)
	}
	entry := r.entries[id]
	if entry.output == nil {
		return "", nil
	}
	on, err := entry.output.QueryLogical()
	if err != nil {
		return "", errors.Wrapf(err, "failed to query channel %d", id)
	}
	return stateWord(on), nil
}

// SetState drives one channel's output. The paired switch keeps its own
// latched activation, so the override lasts until the next debounced
// physical transition takes the output back.
func (r *Registry) SetState(id int, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || id >= len(r.entries) {
		return errors.Wrapf(ErrInvalidChannel, "id %d", id)
	}
	entry := r.entries[id]
	if entry.output == nil {
		return nil
	}
	return errors.Wrapf(entry.output.SetLogical(on), "failed to set channel %d", id)
}

// States reports the state word of every channel in configuration order,
// with an empty string for channels without a working output.
func (r *Registry) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]string, len(r.entries))
	for index, entry := range r.entries {
		if entry.output == nil {
			continue
		}
		on, err := entry.output.QueryLogical()
		if err != nil {
			r.logger.Warn("failed to query channel state", "channel", index, "err", err)
			continue
		}
		states[index] = stateWord(on)
	}
	return states
}

// teardownLocked releases every input before any output, then forgets the
// entries. Outputs keep their last driven level.
func (r *Registry) teardownLocked() {
	for _, entry := range r.entries {
		if entry.watch == nil {
			continue
		}
		if err := entry.watch.release(); err != nil {
			r.logger.Warn("failed to release input line", "channel", entry.index, "err", err)
		}
	}
	for _, entry := range r.entries {
		if entry.output == nil {
			continue
		}
		if err := entry.output.Release(); err != nil {
			r.logger.Warn("failed to release output line", "channel", entry.index, "err", err)
		}
	}
	r.entries = nil
}

// drainEventsLocked discards events queued by watchers that no longer
// exist. It must only run with the producers quiesced, between teardown and
// the next build.
func (r *Registry) drainEventsLocked() {
	for {
		select {
		case stale := <-r.events:
			r.logger.Debug("dropping stale switch event", "channel", stale.Channel)
		default:
			return
		}
	}
}

// buildLocked claims hardware for the new configuration, one channel at a
// time. The output is configured first, a channel whose output fails gets
// no watcher.
func (r *Registry) buildLocked(configs []ChannelConfig) {
	r.entries = make([]*channelEntry, 0, len(configs))

	for index, raw := range configs {
		config := raw.normalized()
		entry := &channelEntry{index: index, config: config}
		r.entries = append(r.entries, entry)

		if config.Pin < 0 {
			continue
		}
		if err := config.validate(); err != nil {
			r.logger.Warn("skipping misconfigured channel",
				"channel", index, "name", config.Name, "err", err)
			continue
		}

		line, resolved := r.numbering.Resolve(config.Pin)
		if !resolved {
			r.logger.Warn("output pin does not resolve, channel disabled",
				"channel", index, "pin", config.Pin, "numbering", r.numbering)
			continue
		}
		output, err := configureOutput(r.driver, line, config.ActiveMode, config.DefaultState.IsOn())
		if err != nil {
			r.logger.Warn("failed to configure output, channel disabled",
				"channel", index, "line", line, "err", err)
			continue
		}
		entry.output = output
		r.logger.Info("configured output",
			"channel", index, "name", config.Name, "line", line,
			"mode", config.ActiveMode, "default", config.DefaultState)

		if !config.wantsSwitch() {
			continue
		}
		switchLine, resolved := r.numbering.Resolve(config.SwitchPin)
		if !resolved {
			r.logger.Warn("switch pin does not resolve, input disabled",
				"channel", index, "pin", config.SwitchPin, "numbering", r.numbering)
			continue
		}
		watch, err := configureInput(r.driver, switchLine, index, config.ExternalSwitch, r.enqueue)
		if err != nil {
			r.logger.Warn("failed to configure switch input, output stays usable",
				"channel", index, "line", switchLine, "err", err)
			continue
		}
		entry.watch = watch
		r.logger.Info("configured switch input",
			"channel", index, "line", switchLine, "wiring", config.ExternalSwitch)
	}
}

func (r *Registry) taskNeedsLocked() (dispatch, poll bool) {
	for _, entry := range r.entries {
		if entry.watch == nil {
			continue
		}
		dispatch = true
		if entry.watch.polled {
			poll = true
		}
	}
	return
}

// enqueue hands a switch event to the dispatcher without ever blocking the
// producer, edge callbacks run on the io driver's event goroutine.
func (r *Registry) enqueue(event SwitchEvent) {
	select {
	case r.events <- event:
	default:
		r.logger.Warn("switch event queue full, dropping event",
			"channel", event.Channel, "active", event.Active)
	}
}

func (r *Registry) startTasks(dispatch, poll bool) {
	if dispatch {
		r.dispatchStop = make(chan struct{})
		r.dispatchDone = make(chan struct{})
		go r.dispatchLoop(r.dispatchStop, r.dispatchDone)
	}
	if poll {
		r.pollStop = make(chan struct{})
		r.pollDone = make(chan struct{})
		go r.pollLoop(r.pollStop, r.pollDone)
	}
}

// stopTasks joins the background tasks with a bounded wait. A task that
// fails to stop in time is logged as leaked and teardown goes on without
// it, a stuck task must not wedge the whole rebuild.
func (r *Registry) stopTasks() {
	if r.pollStop != nil {
		close(r.pollStop)
		select {
		case <-r.pollDone:
		case <-time.After(taskStopTimeout):
			r.logger.Error("polling task failed to stop in time, proceeding with teardown",
				"timeout", taskStopTimeout)
		}
		r.pollStop = nil
		r.pollDone = nil
	}
	if r.dispatchStop != nil {
		close(r.dispatchStop)
		select {
		case <-r.dispatchDone:
		case <-time.After(taskStopTimeout):
			r.logger.Error("dispatcher failed to stop in time, proceeding with teardown",
				"timeout", taskStopTimeout)
		}
		r.dispatchStop = nil
		r.dispatchDone = nil
	}
}

// pollLoop samples every polled watcher on a shared ticker. One loop serves
// all channels, its cost stays flat no matter how many switches there are.
func (r *Registry) pollLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			r.pollOnce(now)
		}
	}
}

// pollOnce snapshots the polled watchers under the lock and samples them
// outside it, a slow io driver must not stall command handling.
func (r *Registry) pollOnce(now time.Time) {
	r.mu.Lock()
	watchers := make([]*InputWatcher, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.watch != nil && entry.watch.polled {
			watchers = append(watchers, entry.watch)
		}
	}
	r.mu.Unlock()

	for _, watcher := range watchers {
		if err := watcher.poll(now); err != nil {
			r.logger.Warn("failed to sample switch input", "channel", watcher.channel, "err", err)
		}
	}
}

func (r *Registry) dispatchLoop(stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case event := <-r.events:
			r.dispatch(event)
		}
	}
}

// dispatch drives the paired output and forwards the notification. Events
// addressing a channel that no longer exists (queued right before a
// rebuild) are dropped.
func (r *Registry) dispatch(event SwitchEvent) {
	r.mu.Lock()
	var output *LineDriver
	if event.Channel >= 0 && event.Channel < len(r.entries) {
		output = r.entries[event.Channel].output
	}
	if output == nil {
		r.mu.Unlock()
		return
	}
	err := output.SetLogical(event.Active)
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("failed to drive output from switch event",
			"channel", event.Channel, "err", err)
		return
	}
	r.logger.Info("switch drove channel", "channel", event.Channel, "state", stateWord(event.Active))

	if r.notifier != nil {
		r.notifier.NotifyState(StateNotification{ID: event.Channel, State: stateWord(event.Active)})
	}
}
