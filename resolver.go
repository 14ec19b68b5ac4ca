package gpiocontrol

import (
	"strings"

	"github.com/pkg/errors"
)

// Numbering selects how logical pins from the channel configuration map
// onto physical lines. It is fixed once at startup, channels only carry
// logical numbers.
type Numbering int

const (
	// DirectNumbering passes BCM line numbers through unchanged.
	DirectNumbering Numbering = iota
	// BoardNumbering translates physical J8 header positions (1..40).
	BoardNumbering
)

// InvalidLine marks a pin that does not resolve under the active scheme.
const InvalidLine = -1

// maxDirectLine bounds the BCM range of the 40 pin header.
const maxDirectLine = 27

// boardToLine maps J8 header positions to BCM lines. Missing positions are
// power, ground or the reserved ID EEPROM pair (27, 28), none of them may
// ever be claimed.
var boardToLine = map[int]int{
	3:  2,
	5:  3,
	7:  4,
	8:  14,
	10: 15,
	11: 17,
	12: 18,
	13: 27,
	15: 22,
	16: 23,
	18: 24,
	19: 10,
	21: 9,
	22: 25,
	23: 11,
	24: 8,
	26: 7,
	29: 5,
	31: 6,
	32: 12,
	33: 13,
	35: 19,
	36: 16,
	37: 26,
	38: 20,
	40: 21,
}

func (n Numbering) String() string {
	if n == BoardNumbering {
		return "board"
	}
	return "bcm"
}

// Resolve translates a logical pin into a physical line. A pin the scheme
// cannot address comes back as (InvalidLine, false); callers treat that as
// a disabled channel, not a fatal error.
func (n Numbering) Resolve(logical int) (int, bool) {
	if logical < 0 {
		return InvalidLine, false
	}
	if n == BoardNumbering {
		line, found := boardToLine[logical]
		if !found {
			return InvalidLine, false
		}
		return line, true
	}
	if logical > maxDirectLine {
		return InvalidLine, false
	}
	return logical, true
}

// ParseNumbering reads the configuration value. An empty string means the
// caller should fall back to DetectNumbering.
func ParseNumbering(value string) (Numbering, error) {
	switch strings.ToLower(value) {
	case "bcm", "gpio", "direct":
		return DirectNumbering, nil
	case "board", "physical":
		return BoardNumbering, nil
	}
	return DirectNumbering, errors.Errorf("unknown pin numbering %q", value)
}

// DetectNumbering picks the scheme from the host environment, once at
// startup. Unset or unrecognized values fall back to direct BCM numbers.
func DetectNumbering(getenv func(string) string) Numbering {
	switch strings.ToLower(getenv("GPIOCONTROL_NUMBERING")) {
	case "board", "physical":
		return BoardNumbering
	}
	return DirectNumbering
}
