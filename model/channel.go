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

package model

import (
	"fmt"
	"strconv"
	"strings"
)

// MotionType describes how a channel interprets its commanded value.
type MotionType string

const (
	// MotionPositional channels accept an absolute angle in degrees and
	// hold it until commanded otherwise.
	MotionPositional MotionType = "positional"
	// MotionContinuous channels accept a speed/direction percentage in
	// -100..100 and do not hold a fixed angle.
	MotionContinuous MotionType = "continuous"
)

// Validate the motion type.
func (t MotionType) Validate() error {
	switch t {
	case MotionPositional, MotionContinuous:
		return nil
	}
	return InvalidArgument("unknown motion type '%s'", string(t))
}

// BackendKind identifies the signal generation mechanism of a channel.
type BackendKind string

const (
	// BackendSoftPWM generates the pulse in software on a raw GPIO line.
	BackendSoftPWM BackendKind = "softpwm"
	// BackendHardwarePWM drives the SoC PWM peripheral through the vendor
	// gpio utility.
	BackendHardwarePWM BackendKind = "hwpwm"
	// BackendExpander drives a channel of an I2C PCA9685 PWM expander.
	BackendExpander BackendKind = "expander"
)

// Validate the backend kind.
func (k BackendKind) Validate() error {
	switch k {
	case BackendSoftPWM, BackendHardwarePWM, BackendExpander:
		return nil
	}
	return InvalidArgument("unknown backend kind '%s'", string(k))
}

// Range is an inclusive commanded-value range in degrees (positional) or
// percent (continuous rotation).
type Range struct {
	Min int
	Max int
}

// Contains returns true when the given value is inside the range.
func (r Range) Contains(value int) bool {
	return value >= r.Min && value <= r.Max
}

// Clamp the given value into the range.
func (r Range) Clamp(value int) int {
	if value < r.Min {
		return r.Min
	}
	if value > r.Max {
		return r.Max
	}
	return value
}

// String returns the "min:max" notation used in configuration files.
func (r Range) String() string {
	return fmt.Sprintf("%d:%d", r.Min, r.Max)
}

// UnmarshalYAML parses the "min:max" notation.
func (r *Range) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return maskAny(err)
	}
	parts := strings.SplitN(strings.ReplaceAll(raw, " ", ""), ":", 2)
	if len(parts) != 2 {
		return InvalidArgument("range '%s' must use 'min:max' notation", raw)
	}
	min, err := strconv.Atoi(parts[0])
	if err != nil {
		return InvalidArgument("range '%s' has a non-integer minimum", raw)
	}
	max, err := strconv.Atoi(parts[1])
	if err != nil {
		return InvalidArgument("range '%s' has a non-integer maximum", raw)
	}
	if min > max {
		min, max = max, min
	}
	r.Min, r.Max = min, max
	return nil
}

// MarshalYAML emits the "min:max" notation.
func (r Range) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

// Channel is the static configuration of a single servo channel.
type Channel struct {
	// Logical identifier, e.g. the arm part this servo drives ("claw").
	ID string `yaml:"id"`
	// Motion type, positional unless configured otherwise.
	Type MotionType `yaml:"type"`
	// Allowed commanded range. Degrees for positional channels.
	// Continuous rotation channels are fixed to -100:100.
	Range Range `yaml:"range"`
	// Backend generating the pulse for this channel.
	Backend BackendKind `yaml:"backend"`
	// Chip+Line address a softpwm channel's GPIO line (e.g. gpiochip3:28).
	Chip string `yaml:"chip,omitempty"`
	Line int    `yaml:"line,omitempty"`
	// Pin addresses a hwpwm channel in the vendor tool's numbering.
	Pin int `yaml:"pin,omitempty"`
	// Channel addresses an expander channel (0..15).
	Channel int `yaml:"channel,omitempty"`
	// NeutralUs is the stop pulse of a continuous rotation channel.
	NeutralUs int `yaml:"neutral_us,omitempty"`
	// GainUsPerPercent is the pulse change per speed percent of a
	// continuous rotation channel.
	GainUsPerPercent float64 `yaml:"gain_us_per_percent,omitempty"`
}

// Output returns the backend specific output index of the channel.
func (c Channel) Output() int {
	switch c.Backend {
	case BackendHardwarePWM:
		return c.Pin
	case BackendExpander:
		return c.Channel
	default:
		return c.Line
	}
}

// Validate the channel configuration.
func (c Channel) Validate() error {
	if c.ID == "" {
		return InvalidArgument("channel without id")
	}
	if err := c.Type.Validate(); err != nil {
		return maskAny(err)
	}
	if err := c.Backend.Validate(); err != nil {
		return maskAny(err)
	}
	if c.Range.Min > c.Range.Max {
		return InvalidArgument("channel '%s': range minimum above maximum", c.ID)
	}
	switch c.Backend {
	case BackendSoftPWM:
		if c.Chip == "" {
			return InvalidArgument("channel '%s': softpwm channel without gpio chip", c.ID)
		}
		if c.Line < 0 {
			return InvalidArgument("channel '%s': invalid gpio line %d", c.ID, c.Line)
		}
	case BackendHardwarePWM:
		if c.Pin < 0 {
			return InvalidArgument("channel '%s': invalid pwm pin %d", c.ID, c.Pin)
		}
	case BackendExpander:
		if c.Channel < 0 || c.Channel > 15 {
			return InvalidArgument("channel '%s': expander channel must be in 0..15 range, got %d", c.ID, c.Channel)
		}
	}
	if c.Type == MotionContinuous && c.GainUsPerPercent < 0 {
		return InvalidArgument("channel '%s': negative gain", c.ID)
	}
	return nil
}
