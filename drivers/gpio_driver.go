package drivers

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const gpioDriverName = "gpio"

// GpIO drives the Raspberry Pi header through /dev/gpiomem. It cannot
// deliver edge events, inputs claimed here are meant to be sampled.
type GpIO struct {
	mu      sync.Mutex
	claimed map[int]bool
	isReady bool
}

type GpInput struct {
	pin    rpio.Pin
	driver *GpIO
	line   int
	once   sync.Once
}

type GpOutput struct {
	pin    rpio.Pin
	driver *GpIO
	line   int
	once   sync.Once
}

func (gp *GpIO) Setup(ctx context.Context) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.isReady {
		return nil
	}
	err := rpio.Open()
	if err != nil {
		return errors.Wrap(err, "failed to open gpio memory range")
	}
	gp.claimed = make(map[int]bool)
	gp.isReady = true
	return nil
}

func (gp *GpIO) claim(line int) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if !gp.isReady {
		return errors.New("gpio driver is not ready")
	}
	if line < 0 || line > 255 {
		return errors.Wrapf(ErrLineRange, "line %d (gpio takes uint8 pin)", line)
	}
	if gp.claimed[line] {
		return errors.Wrapf(ErrLineBusy, "line %d", line)
	}
	gp.claimed[line] = true
	return nil
}

func (gp *GpIO) release(line int) {
	gp.mu.Lock()
	delete(gp.claimed, line)
	gp.mu.Unlock()
}

func (gp *GpIO) ClaimOutput(line int, initialHigh bool) (OutputLine, error) {
	if err := gp.claim(line); err != nil {
		return nil, err
	}
	pin := rpio.Pin(line)
	// Latch the level before switching direction, so the pin never drives
	// an undefined state.
	pin.Write(gpioState(initialHigh))
	pin.Output()
	pin.Write(gpioState(initialHigh))
	return &GpOutput{pin: pin, driver: gp, line: line}, nil
}

func (gp *GpIO) ClaimInput(line int, bias Bias) (InputLine, error) {
	if err := gp.claim(line); err != nil {
		return nil, err
	}
	pin := rpio.Pin(line)
	pin.Input()
	switch bias {
	case BiasPullUp:
		pin.PullUp()
	case BiasPullDown:
		pin.PullDown()
	default:
		pin.PullOff()
	}
	return &GpInput{pin: pin, driver: gp, line: line}, nil
}

func (gp *GpIO) ClaimedLines() (lines []int) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	for line := range gp.claimed {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	return
}

func (gp *GpIO) String() string {
	return gpioDriverName
}

func (gp *GpIO) IsReady() bool {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.isReady
}

// Close unmaps the gpio memory range. Output levels are left as driven, a
// restart should not flip relays before the new configuration arrives.
func (gp *GpIO) Close() error {
	gp.mu.Lock()
	gp.isReady = false
	gp.claimed = nil
	gp.mu.Unlock()
	return rpio.Close()
}

func (gpi *GpInput) GetHigh() (bool, error) {
	return gpi.pin.Read() == rpio.High, nil
}

func (gpi *GpInput) Release() error {
	gpi.once.Do(func() {
		gpi.driver.release(gpi.line)
	})
	return nil
}

func (gpo *GpOutput) SetHigh(high bool) error {
	gpo.pin.Write(gpioState(high))
	return nil
}

func (gpo *GpOutput) GetHigh() (bool, error) {
	return gpo.pin.Read() == rpio.High, nil
}

func (gpo *GpOutput) Release() error {
	gpo.once.Do(func() {
		gpo.driver.release(gpo.line)
	})
	return nil
}

func gpioState(high bool) rpio.State {
	if high {
		return rpio.High
	}
	return rpio.Low
}
