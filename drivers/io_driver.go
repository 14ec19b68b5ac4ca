package drivers

import (
	"context"

	"github.com/pkg/errors"
)

// Bias selects the pull resistor requested together with an input line.
type Bias int

const (
	BiasNone Bias = iota
	BiasPullUp
	BiasPullDown
)

func (b Bias) String() string {
	switch b {
	case BiasPullUp:
		return "pull-up"
	case BiasPullDown:
		return "pull-down"
	}
	return "none"
}

var (
	// ErrLineBusy means the requested line is already claimed. The current
	// owner keeps the line; the caller must treat its own setup as failed.
	ErrLineBusy = errors.New("line already claimed")

	// ErrLineRange means the line number cannot be addressed by this driver.
	ErrLineRange = errors.New("line out of range for this driver")

	// ErrBiasUnsupported means the hardware cannot provide the requested
	// pull resistor (the MCP23017 only has internal pull-ups).
	ErrBiasUnsupported = errors.New("bias not supported by this driver")

	// ErrEdgesUnsupported means the driver cannot deliver edge events on
	// this line; the caller should claim it as a plain input and sample it.
	ErrEdgesUnsupported = errors.New("edge delivery not supported")
)

// IoDriver hands out exclusive ownership of single physical lines. A line
// stays claimed until its handle is released; claiming it again before that
// fails with ErrLineBusy.
type IoDriver interface {
	Setup(ctx context.Context) error
	Close() error
	String() string
	IsReady() bool

	// ClaimOutput claims the line as an output already driven to the given
	// level, so it never floats between claim and first write.
	ClaimOutput(line int, initialHigh bool) (OutputLine, error)

	// ClaimInput claims the line as an input with the given bias.
	ClaimInput(line int, bias Bias) (InputLine, error)

	// ClaimedLines lists currently owned lines, sorted.
	ClaimedLines() []int
}

// EdgeCapable is implemented by drivers whose inputs deliver level
// transitions already debounced below the claim boundary. The handler runs
// on the driver's event goroutine and must not block.
type EdgeCapable interface {
	ClaimEdgeInput(line int, bias Bias, handler func(high bool)) (InputLine, error)
}

// OutputLine is one claimed output. Levels are raw electrical states,
// polarity translation is the caller's business.
type OutputLine interface {
	SetHigh(high bool) error
	GetHigh() (bool, error)

	// Release returns the line to the driver without touching its level.
	// Safe to call more than once.
	Release() error
}

// InputLine is one claimed input.
type InputLine interface {
	GetHigh() (bool, error)
	Release() error
}
