package drivers

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

const mockDriverName = "mock"

// MockEvent records one hardware interaction, in the order it happened.
type MockEvent struct {
	Op   string // claim-output, claim-input, write, release
	Line int
	High bool
}

// MockIO is an in-memory driver for tests and dry runs. Output writes and
// line claims are journaled so callers can assert what reached the
// "hardware" and in which order.
type MockIO struct {
	// Lines caps the addressable range, 64 when zero.
	Lines int
	// Edges switches the driver to edge delivery: claimed inputs get their
	// handler invoked from SetInputLevel instead of being sampled.
	Edges bool

	mu      sync.Mutex
	ready   bool
	claimed map[int]bool
	inputs  map[int]*MockInput
	outputs map[int]*MockOutput
	levels  map[int]bool
	journal []MockEvent
}

type MockInput struct {
	driver  *MockIO
	line    int
	level   bool
	handler func(high bool)
	once    sync.Once
}

type MockOutput struct {
	driver *MockIO
	line   int
	level  bool
	once   sync.Once
}

func (md *MockIO) Setup(ctx context.Context) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	if md.ready {
		return nil
	}
	if md.Lines == 0 {
		md.Lines = 64
	}
	md.claimed = make(map[int]bool)
	md.inputs = make(map[int]*MockInput)
	md.outputs = make(map[int]*MockOutput)
	md.levels = make(map[int]bool)
	md.ready = true
	return nil
}

func (md *MockIO) claimLocked(line int, event MockEvent) error {
	if !md.ready {
		return errors.New("mock driver is not ready")
	}
	if line < 0 || line >= md.Lines {
		return errors.Wrapf(ErrLineRange, "line %d (mock has %d lines)", line, md.Lines)
	}
	if md.claimed[line] {
		return errors.Wrapf(ErrLineBusy, "line %d", line)
	}
	md.claimed[line] = true
	md.journal = append(md.journal, event)
	return nil
}

func (md *MockIO) release(line int) {
	md.mu.Lock()
	delete(md.claimed, line)
	delete(md.inputs, line)
	delete(md.outputs, line)
	md.journal = append(md.journal, MockEvent{Op: "release", Line: line})
	md.mu.Unlock()
}

func (md *MockIO) ClaimOutput(line int, initialHigh bool) (OutputLine, error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	err := md.claimLocked(line, MockEvent{Op: "claim-output", Line: line, High: initialHigh})
	if err != nil {
		return nil, err
	}
	output := &MockOutput{driver: md, line: line, level: initialHigh}
	md.outputs[line] = output
	md.levels[line] = initialHigh
	return output, nil
}

func (md *MockIO) ClaimInput(line int, bias Bias) (InputLine, error) {
	md.mu.Lock()
	defer md.mu.Unlock()

	err := md.claimLocked(line, MockEvent{Op: "claim-input", Line: line})
	if err != nil {
		return nil, err
	}
	// The idle level follows the requested pull so freshly wired switches
	// read as released, just like the real thing.
	input := &MockInput{driver: md, line: line, level: bias == BiasPullUp}
	md.inputs[line] = input
	return input, nil
}

func (md *MockIO) ClaimEdgeInput(line int, bias Bias, handler func(high bool)) (InputLine, error) {
	if !md.Edges {
		return nil, errors.Wrapf(ErrEdgesUnsupported, "line %d", line)
	}
	md.mu.Lock()
	defer md.mu.Unlock()

	err := md.claimLocked(line, MockEvent{Op: "claim-input", Line: line})
	if err != nil {
		return nil, err
	}
	input := &MockInput{driver: md, line: line, level: bias == BiasPullUp, handler: handler}
	md.inputs[line] = input
	return input, nil
}

// SetInputLevel presents a level on a claimed input line. In edge mode a
// change is delivered straight to the line's handler, emulating a backend
// that debounces below the claim boundary.
func (md *MockIO) SetInputLevel(line int, high bool) {
	md.mu.Lock()
	input, found := md.inputs[line]
	if !found {
		md.mu.Unlock()
		return
	}
	changed := input.level != high
	input.level = high
	handler := input.handler
	md.mu.Unlock()

	if changed && handler != nil {
		handler(high)
	}
}

// OutputLevel reads the level a line was last driven to. A released line
// keeps its level, like the real pin.
func (md *MockIO) OutputLevel(line int) (high bool, found bool) {
	md.mu.Lock()
	defer md.mu.Unlock()

	high, found = md.levels[line]
	return
}

// Journal returns a copy of every recorded hardware interaction.
func (md *MockIO) Journal() []MockEvent {
	md.mu.Lock()
	defer md.mu.Unlock()

	journal := make([]MockEvent, len(md.journal))
	copy(journal, md.journal)
	return journal
}

// WritesTo filters the journal down to the levels written to one line,
// excluding the claim preset.
func (md *MockIO) WritesTo(line int) (levels []bool) {
	for _, event := range md.Journal() {
		if event.Op == "write" && event.Line == line {
			levels = append(levels, event.High)
		}
	}
	return
}

func (md *MockIO) ClaimedLines() (lines []int) {
	md.mu.Lock()
	defer md.mu.Unlock()

	for line := range md.claimed {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	return
}

func (md *MockIO) String() string {
	return mockDriverName
}

func (md *MockIO) IsReady() bool {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.ready
}

func (md *MockIO) Close() error {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.ready = false
	md.claimed = nil
	md.inputs = nil
	md.outputs = nil
	md.levels = nil
	return nil
}

func (mi *MockInput) GetHigh() (bool, error) {
	mi.driver.mu.Lock()
	defer mi.driver.mu.Unlock()
	return mi.level, nil
}

func (mi *MockInput) Release() error {
	mi.once.Do(func() {
		mi.driver.release(mi.line)
	})
	return nil
}

func (mo *MockOutput) SetHigh(high bool) error {
	mo.driver.mu.Lock()
	defer mo.driver.mu.Unlock()

	mo.level = high
	mo.driver.levels[mo.line] = high
	mo.driver.journal = append(mo.driver.journal, MockEvent{Op: "write", Line: mo.line, High: high})
	return nil
}

func (mo *MockOutput) GetHigh() (bool, error) {
	mo.driver.mu.Lock()
	defer mo.driver.mu.Unlock()
	return mo.level, nil
}

func (mo *MockOutput) Release() error {
	mo.once.Do(func() {
		mo.driver.release(mo.line)
	})
	return nil
}
