package drivers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

const (
	cdevDriverName      = "cdev"
	defaultCdevChip     = "gpiochip0"
	defaultCdevDebounce = 50 * time.Millisecond
)

// CdevIO drives lines through the Linux GPIO character device. Inputs
// claimed with ClaimEdgeInput get kernel side debouncing and deliver edge
// events, so they need no sampling loop.
type CdevIO struct {
	// Chip is the chardev name, gpiochip0 when empty.
	Chip string
	// Debounce overrides the edge debounce period, as a duration string.
	Debounce string

	mu       sync.Mutex
	chip     *gpiocdev.Chip
	claimed  map[int]bool
	debounce time.Duration
	isReady  bool
}

type CdevInput struct {
	line   *gpiocdev.Line
	driver *CdevIO
	offset int
	once   sync.Once
}

type CdevOutput struct {
	line   *gpiocdev.Line
	driver *CdevIO
	offset int
	once   sync.Once
}

func (cd *CdevIO) Setup(ctx context.Context) error {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	if cd.isReady {
		return nil
	}
	cd.debounce = defaultCdevDebounce
	if len(cd.Debounce) > 0 {
		period, err := time.ParseDuration(cd.Debounce)
		if err != nil {
			return errors.Wrapf(err, "failed to parse debounce period %q", cd.Debounce)
		}
		cd.debounce = period
	}
	name := cd.Chip
	if len(name) == 0 {
		name = defaultCdevChip
	}
	chip, err := gpiocdev.NewChip(name, gpiocdev.WithConsumer("gpiocontrol"))
	if err != nil {
		return errors.Wrapf(err, "failed to open gpio chip %s", name)
	}
	cd.chip = chip
	cd.claimed = make(map[int]bool)
	cd.isReady = true
	return nil
}

func (cd *CdevIO) reserve(line int) error {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	if !cd.isReady {
		return errors.New("cdev driver is not ready")
	}
	if line < 0 || line >= cd.chip.Lines() {
		return errors.Wrapf(ErrLineRange, "line %d (chip has %d lines)", line, cd.chip.Lines())
	}
	if cd.claimed[line] {
		return errors.Wrapf(ErrLineBusy, "line %d", line)
	}
	cd.claimed[line] = true
	return nil
}

func (cd *CdevIO) unreserve(line int) {
	cd.mu.Lock()
	delete(cd.claimed, line)
	cd.mu.Unlock()
}

func (cd *CdevIO) ClaimOutput(line int, initialHigh bool) (OutputLine, error) {
	if err := cd.reserve(line); err != nil {
		return nil, err
	}
	requested, err := cd.chip.RequestLine(line, gpiocdev.AsOutput(cdevLevel(initialHigh)))
	if err != nil {
		cd.unreserve(line)
		return nil, errors.Wrapf(err, "failed to request line %d as output", line)
	}
	return &CdevOutput{line: requested, driver: cd, offset: line}, nil
}

func (cd *CdevIO) ClaimInput(line int, bias Bias) (InputLine, error) {
	if err := cd.reserve(line); err != nil {
		return nil, err
	}
	requested, err := cd.chip.RequestLine(line, gpiocdev.AsInput, cdevBias(bias))
	if err != nil {
		cd.unreserve(line)
		return nil, errors.Wrapf(err, "failed to request line %d as input", line)
	}
	return &CdevInput{line: requested, driver: cd, offset: line}, nil
}

func (cd *CdevIO) ClaimEdgeInput(line int, bias Bias, handler func(high bool)) (InputLine, error) {
	if err := cd.reserve(line); err != nil {
		return nil, err
	}
	eventHandler := func(event gpiocdev.LineEvent) {
		handler(event.Type == gpiocdev.LineEventRisingEdge)
	}
	requested, err := cd.chip.RequestLine(line,
		gpiocdev.AsInput,
		cdevBias(bias),
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(cd.debounce),
		gpiocdev.WithEventHandler(eventHandler))
	if err != nil {
		cd.unreserve(line)
		return nil, errors.Wrapf(err, "failed to request line %d with edge detection", line)
	}
	return &CdevInput{line: requested, driver: cd, offset: line}, nil
}

func (cd *CdevIO) ClaimedLines() (lines []int) {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	for line := range cd.claimed {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	return
}

func (cd *CdevIO) String() string {
	return cdevDriverName
}

func (cd *CdevIO) IsReady() bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.isReady
}

// Close closes the chip handle. Line requests still held keep working until
// released, the owner is expected to release them first.
func (cd *CdevIO) Close() error {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	if !cd.isReady {
		return nil
	}
	cd.isReady = false
	cd.claimed = nil
	return cd.chip.Close()
}

func (ci *CdevInput) GetHigh() (bool, error) {
	value, err := ci.line.Value()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read line %d", ci.offset)
	}
	return value != 0, nil
}

func (ci *CdevInput) Release() error {
	var err error
	ci.once.Do(func() {
		err = ci.line.Close()
		ci.driver.unreserve(ci.offset)
	})
	return err
}

func (co *CdevOutput) SetHigh(high bool) error {
	return errors.Wrapf(co.line.SetValue(cdevLevel(high)), "failed to set line %d", co.offset)
}

func (co *CdevOutput) GetHigh() (bool, error) {
	value, err := co.line.Value()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read line %d back", co.offset)
	}
	return value != 0, nil
}

func (co *CdevOutput) Release() error {
	var err error
	co.once.Do(func() {
		err = co.line.Close()
		co.driver.unreserve(co.offset)
	})
	return err
}

func cdevLevel(high bool) int {
	if high {
		return 1
	}
	return 0
}

func cdevBias(bias Bias) gpiocdev.LineReqOption {
	switch bias {
	case BiasPullUp:
		return gpiocdev.WithPullUp
	case BiasPullDown:
		return gpiocdev.WithPullDown
	}
	return gpiocdev.WithBiasDisabled
}
