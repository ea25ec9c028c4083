// Copyright 2024 ServoWorker authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pulse holds the pure conversions between the angle/speed domain
// and hardware pulse units (microseconds or 12-bit expander ticks).
package pulse

import (
	"math"

	"github.com/pkg/errors"
)

const (
	// TickClockHz is the internal oscillator frequency of the PCA9685.
	TickClockHz = 25000000
	// TicksPerPeriod is the pulse resolution of the PCA9685 (12 bit).
	TicksPerPeriod = 4096
	// MinFrequencyHz and MaxFrequencyHz bound the prescaler register.
	MinFrequencyHz = 24
	MaxFrequencyHz = 1526
)

// FrequencyRangeError is returned for frequencies the prescaler register
// cannot represent.
var FrequencyRangeError = errors.New("frequency out of range")

// IsFrequencyRange returns true when the given error is (caused by) a
// FrequencyRangeError.
func IsFrequencyRange(err error) bool {
	return err == FrequencyRangeError || errors.Cause(err) == FrequencyRangeError
}

// Bounds describes the pulse window of the attached servos and how angles
// map into it.
type Bounds struct {
	// MinUs and MaxUs are the device-safe pulse bounds in microseconds.
	MinUs int
	MaxUs int
	// AngleOffset shifts commanded angles so that 0 degrees lands on the
	// midpoint of the pulse window.
	AngleOffset int
	// AngleSpan is the angle distance covered by MinUs..MaxUs.
	AngleSpan int
}

// ClampUs clamps a pulse width into the device-safe window.
func (b Bounds) ClampUs(pulseUs int) int {
	if pulseUs < b.MinUs {
		return b.MinUs
	}
	if pulseUs > b.MaxUs {
		return b.MaxUs
	}
	return pulseUs
}

// AngleToPulseUs linearly maps an angle onto the pulse window.
// The output is always clamped into the window, even for angles outside the
// configured span; range validation is the motion controller's job, this
// layer never rejects.
func AngleToPulseUs(angle int, b Bounds) int {
	span := float64(b.MaxUs - b.MinUs)
	raw := float64(b.MinUs) + span*float64(angle+b.AngleOffset)/float64(b.AngleSpan)
	return b.ClampUs(int(math.Round(raw)))
}

// PulseUsToAngle is the exact inverse of AngleToPulseUs, rounding toward the
// nearest integer degree. Used for status reporting.
func PulseUsToAngle(pulseUs int, b Bounds) int {
	span := float64(b.MaxUs - b.MinUs)
	raw := float64(pulseUs-b.MinUs) * float64(b.AngleSpan) / span
	return int(math.Round(raw)) - b.AngleOffset
}

// SpeedToPulseUs maps a continuous-rotation speed percentage onto a pulse
// around the neutral (stop) pulse, clamped into the device-safe window.
func SpeedToPulseUs(speedPct int, neutralUs int, gainUsPerPct float64, b Bounds) int {
	raw := float64(neutralUs) + gainUsPerPct*float64(speedPct)
	return b.ClampUs(int(math.Round(raw)))
}

// FrequencyToPrescaler computes the PCA9685 prescaler register value for the
// given PWM frequency. Valid for 24..1526 Hz only.
func FrequencyToPrescaler(freqHz int) (byte, error) {
	if freqHz < MinFrequencyHz || freqHz > MaxFrequencyHz {
		return 0, errors.Wrapf(FrequencyRangeError, "%d Hz is outside %d..%d", freqHz, MinFrequencyHz, MaxFrequencyHz)
	}
	prescale := math.Round(float64(TickClockHz)/(float64(TicksPerPeriod)*float64(freqHz))) - 1
	return byte(prescale), nil
}

// MicrosecondsToTicks converts a pulse width to 12-bit expander ticks at the
// given PWM frequency, clamped to 0..4095.
func MicrosecondsToTicks(pulseUs, freqHz int) int {
	ticks := int(math.Round(float64(pulseUs) * float64(TicksPerPeriod) * float64(freqHz) / 1e6))
	if ticks < 0 {
		return 0
	}
	if ticks > TicksPerPeriod-1 {
		return TicksPerPeriod - 1
	}
	return ticks
}
