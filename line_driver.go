package gpiocontrol

import (
	"github.com/pkg/errors"

	"github.com/hubertat/gpiocontrol/drivers"
)

// LineDriver owns one claimed output line from configureOutput until
// Release. All polarity translation for outputs happens here.
type LineDriver struct {
	out      drivers.OutputLine
	mode     ActiveMode
	lastOn   bool
	released bool
}

// configureOutput claims the line already driven to the level matching the
// wanted logical state, so no undefined level is ever presented.
func configureOutput(driver drivers.IoDriver, line int, mode ActiveMode, on bool) (*LineDriver, error) {
	out, err := driver.ClaimOutput(line, mode.ElectricalLevel(on))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to claim output line %d", line)
	}
	return &LineDriver{out: out, mode: mode, lastOn: on}, nil
}

// SetLogical drives the output to the given logical state. A write that
// would not change the level is skipped.
func (ld *LineDriver) SetLogical(on bool) error {
	if ld.released {
		return errors.New("line driver already released")
	}
	if on == ld.lastOn {
		return nil
	}
	if err := ld.out.SetHigh(ld.mode.ElectricalLevel(on)); err != nil {
		return errors.Wrap(err, "failed to set output level")
	}
	ld.lastOn = on
	return nil
}

// QueryLogical reads the electrical level back from the hardware and
// translates it, it does not trust the cached state.
func (ld *LineDriver) QueryLogical() (bool, error) {
	if ld.released {
		return false, errors.New("line driver already released")
	}
	high, err := ld.out.GetHigh()
	if err != nil {
		return false, errors.Wrap(err, "failed to read output level back")
	}
	return ld.mode.LogicalState(high), nil
}

// Release returns the line to the io driver, leaving its electrical level
// untouched. Safe to call more than once.
func (ld *LineDriver) Release() error {
	if ld.released {
		return nil
	}
	ld.released = true
	return ld.out.Release()
}
