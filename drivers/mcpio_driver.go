package drivers

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
)

const (
	mcpioDriverName = "mcpio"
	mcpioLineCount  = 16
)

// McpIO drives an MCP23017 expander over i2c. The chip has internal
// pull-ups only, claims asking for a pull-down fail with ErrBiasUnsupported.
type McpIO struct {
	BusNo uint8
	DevNo uint8

	mu      sync.Mutex
	device  *mcp23017.Device
	claimed map[int]bool
	isReady bool
}

type McpInput struct {
	pin    uint8
	device *mcp23017.Device
	driver *McpIO
	once   sync.Once
}

type McpOutput struct {
	pin    uint8
	device *mcp23017.Device
	driver *McpIO
	once   sync.Once
}

func (mcp *McpIO) Setup(ctx context.Context) error {
	mcp.mu.Lock()
	defer mcp.mu.Unlock()

	if mcp.isReady {
		return nil
	}
	device, err := mcp23017.Open(mcp.BusNo, mcp.DevNo)
	if err != nil {
		return errors.Wrapf(err, "failed to open mcp23017 (bus %d, dev %d)", mcp.BusNo, mcp.DevNo)
	}
	mcp.device = device
	mcp.claimed = make(map[int]bool)
	mcp.isReady = true
	return nil
}

func (mcp *McpIO) claim(line int) error {
	mcp.mu.Lock()
	defer mcp.mu.Unlock()

	if !mcp.isReady {
		return errors.New("mcpio driver is not ready")
	}
	if line < 0 || line >= mcpioLineCount {
		return errors.Wrapf(ErrLineRange, "line %d (mcp23017 has %d pins)", line, mcpioLineCount)
	}
	if mcp.claimed[line] {
		return errors.Wrapf(ErrLineBusy, "line %d", line)
	}
	mcp.claimed[line] = true
	return nil
}

func (mcp *McpIO) release(line int) {
	mcp.mu.Lock()
	delete(mcp.claimed, line)
	mcp.mu.Unlock()
}

func (mcp *McpIO) ClaimOutput(line int, initialHigh bool) (OutputLine, error) {
	if err := mcp.claim(line); err != nil {
		return nil, err
	}
	pin := uint8(line)
	// The output latch is written before the direction flips, the pin then
	// presents the requested level from its first driven moment.
	if err := mcp.device.DigitalWrite(pin, mcp23017.PinLevel(initialHigh)); err != nil {
		mcp.release(line)
		return nil, errors.Wrapf(err, "failed to preset output latch of pin %d", line)
	}
	if err := mcp.device.PinMode(pin, mcp23017.OUTPUT); err != nil {
		mcp.release(line)
		return nil, errors.Wrapf(err, "failed to set pin %d as output", line)
	}
	return &McpOutput{pin: pin, device: mcp.device, driver: mcp}, nil
}

func (mcp *McpIO) ClaimInput(line int, bias Bias) (InputLine, error) {
	if bias == BiasPullDown {
		return nil, errors.Wrapf(ErrBiasUnsupported, "pin %d: mcp23017 has pull-up resistors only", line)
	}
	if err := mcp.claim(line); err != nil {
		return nil, err
	}
	pin := uint8(line)
	if err := mcp.device.PinMode(pin, mcp23017.INPUT); err != nil {
		mcp.release(line)
		return nil, errors.Wrapf(err, "failed to set pin %d as input", line)
	}
	if err := mcp.device.SetPullUp(pin, bias == BiasPullUp); err != nil {
		mcp.release(line)
		return nil, errors.Wrapf(err, "failed to set pull-up of pin %d", line)
	}
	return &McpInput{pin: pin, device: mcp.device, driver: mcp}, nil
}

func (mcp *McpIO) ClaimedLines() (lines []int) {
	mcp.mu.Lock()
	defer mcp.mu.Unlock()

	for line := range mcp.claimed {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	return
}

func (mcp *McpIO) String() string {
	return mcpioDriverName
}

func (mcp *McpIO) IsReady() bool {
	mcp.mu.Lock()
	defer mcp.mu.Unlock()
	return mcp.isReady
}

func (mcp *McpIO) Close() error {
	mcp.mu.Lock()
	defer mcp.mu.Unlock()

	if !mcp.isReady {
		return nil
	}
	mcp.isReady = false
	mcp.claimed = nil
	return mcp.device.Close()
}

func (min *McpInput) GetHigh() (bool, error) {
	level, err := min.device.DigitalRead(min.pin)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read pin %d", min.pin)
	}
	return bool(level), nil
}

func (min *McpInput) Release() error {
	min.once.Do(func() {
		min.driver.release(int(min.pin))
	})
	return nil
}

func (mout *McpOutput) GetHigh() (bool, error) {
	level, err := mout.device.DigitalRead(mout.pin)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read pin %d back", mout.pin)
	}
	return bool(level), nil
}

func (mout *McpOutput) SetHigh(high bool) error {
	return errors.Wrapf(mout.device.DigitalWrite(mout.pin, mcp23017.PinLevel(high)),
		"failed to write pin %d", mout.pin)
}

func (mout *McpOutput) Release() error {
	mout.once.Do(func() {
		mout.driver.release(int(mout.pin))
	})
	return nil
}
