package ch341

import (
	"fmt"
	"strings"

	"periph.io/x/conn/v3/physic"
)

// Speed is the stream speed code configured through the I2C stream command.
type Speed uint8

const (
	Speed20K Speed = iota
	Speed100K
	Speed400K
	Speed750K
)

// SpeedDouble is OR'd into a speed code to select the bridge's double-width
// SPI mode.
const SpeedDouble Speed = 0x04

const (
	speedRate = 0x03
	speedMask = speedRate | SpeedDouble
)

var speedFrequencies = [...]physic.Frequency{
	Speed20K:  20 * physic.KiloHertz,
	Speed100K: 100 * physic.KiloHertz,
	Speed400K: 400 * physic.KiloHertz,
	Speed750K: 750 * physic.KiloHertz,
}

// Double returns whether the code selects double-width SPI.
func (s Speed) Double() bool {
	return s&SpeedDouble != 0
}

// Frequency returns the nominal clock of the speed code.
func (s Speed) Frequency() physic.Frequency {
	if s&^speedMask != 0 {
		return 0
	}
	return speedFrequencies[s&speedRate]
}

func (s Speed) String() string {
	if s&^speedMask != 0 {
		return "UNKNOWN"
	}
	res := speedFrequencies[s&speedRate].String()
	if s.Double() {
		res += " double"
	}
	return res
}

// SpeedFor returns the fastest speed code that does not exceed f.
func SpeedFor(f physic.Frequency) (Speed, error) {
	for i := len(speedFrequencies) - 1; i >= 0; i-- {
		if speedFrequencies[i] <= f {
			return Speed(i), nil
		}
	}
	return 0, fmt.Errorf("frequency %s below slowest supported %s", f, speedFrequencies[0])
}

// ParseSpeed parses a frequency like "100kHz", "100k" or "100K" into the
// fastest speed code not exceeding it.
func ParseSpeed(s string) (Speed, error) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && strings.EqualFold(s[len(s)-2:], "hz") {
		s = s[:len(s)-2]
	}
	// physic only knows the SI prefix k, but K is the common spelling.
	if strings.HasSuffix(s, "K") {
		s = s[:len(s)-1] + "k"
	}
	s += "Hz"
	var f physic.Frequency
	if err := f.Set(s); err != nil {
		return 0, fmt.Errorf("invalid speed %q: %w", s, err)
	}
	return SpeedFor(f)
}
