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
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// PulseConfig holds the hardware pulse bounds and the angle mapping.
type PulseConfig struct {
	// Shortest pulse the servos accept, in microseconds.
	MinUs int `yaml:"min_us"`
	// Longest pulse the servos accept, in microseconds.
	MaxUs int `yaml:"max_us"`
	// AngleOffset is added to commanded angles so that 0 degrees maps to
	// the midpoint of the pulse bounds.
	AngleOffset int `yaml:"angle_offset"`
	// AngleSpan is the angle distance covered by the full pulse range.
	AngleSpan int `yaml:"angle_span"`
}

// SmoothingConfig holds the parameters of the smoothed-move ramp.
type SmoothingConfig struct {
	Steps       int `yaml:"steps"`
	StepDelayMs int `yaml:"step_delay_ms"`
}

// SoftPWMConfig holds the software PWM multiplexer parameters.
type SoftPWMConfig struct {
	PeriodUs int `yaml:"period_us"`
	// Waits shorter than this are busy-polled instead of slept.
	SpinThresholdUs int `yaml:"spin_threshold_us"`
	// Coarse sleeps end this long before the target to leave room for
	// scheduler wakeup latency.
	SleepSlackUs int `yaml:"sleep_slack_us"`
}

// HardwarePWMConfig holds the vendor PWM peripheral parameters.
type HardwarePWMConfig struct {
	// Binary is the vendor gpio utility.
	Binary string `yaml:"binary"`
	// ClockDivisor divides the 19.2MHz PWM source clock (pwmc).
	ClockDivisor int `yaml:"clock_divisor"`
	// RangeUnits is the period length in divided clock ticks (pwmr).
	RangeUnits int `yaml:"range_units"`
	// CommandTimeoutSec bounds a single invocation of the utility.
	CommandTimeoutSec int `yaml:"command_timeout_sec"`
}

// ExpanderConfig holds the PCA9685 expander parameters.
type ExpanderConfig struct {
	// Bus is the I2C bus device, e.g. /dev/i2c-5.
	Bus string `yaml:"bus"`
	// Address is the 7-bit I2C address of the device.
	Address byte `yaml:"address"`
	// FrequencyHz is the PWM frequency, 24..1526 Hz.
	FrequencyHz int `yaml:"frequency_hz"`
}

// SequenceStep is a single step of a scripted demo sequence.
type SequenceStep struct {
	Channel string `yaml:"channel"`
	Value   int    `yaml:"value"`
}

// Config is the full configuration of the servo worker.
type Config struct {
	Pulse       PulseConfig       `yaml:"pulse"`
	Smoothing   SmoothingConfig   `yaml:"smoothing"`
	SoftPWM     SoftPWMConfig     `yaml:"soft_pwm"`
	HardwarePWM HardwarePWMConfig `yaml:"hardware_pwm"`
	Expander    ExpanderConfig    `yaml:"expander"`
	Channels    []Channel         `yaml:"channels"`
	Sequence    []SequenceStep    `yaml:"sequence,omitempty"`
}

// SetDefaults fills in sensible defaults for 50Hz hobby servos.
func (c *Config) SetDefaults() {
	if c.Pulse.MinUs == 0 {
		c.Pulse.MinUs = 500
	}
	if c.Pulse.MaxUs == 0 {
		c.Pulse.MaxUs = 2500
	}
	if c.Pulse.AngleOffset == 0 {
		c.Pulse.AngleOffset = 90
	}
	if c.Pulse.AngleSpan == 0 {
		c.Pulse.AngleSpan = 180
	}
	if c.Smoothing.Steps == 0 {
		c.Smoothing.Steps = 20
	}
	if c.Smoothing.StepDelayMs == 0 {
		c.Smoothing.StepDelayMs = 20
	}
	if c.SoftPWM.PeriodUs == 0 {
		c.SoftPWM.PeriodUs = 20000
	}
	if c.SoftPWM.SpinThresholdUs == 0 {
		c.SoftPWM.SpinThresholdUs = 250
	}
	if c.SoftPWM.SleepSlackUs == 0 {
		c.SoftPWM.SleepSlackUs = 200
	}
	if c.HardwarePWM.Binary == "" {
		c.HardwarePWM.Binary = "gpio"
	}
	if c.HardwarePWM.ClockDivisor == 0 {
		c.HardwarePWM.ClockDivisor = 192
	}
	if c.HardwarePWM.RangeUnits == 0 {
		c.HardwarePWM.RangeUnits = 2000
	}
	if c.HardwarePWM.CommandTimeoutSec == 0 {
		c.HardwarePWM.CommandTimeoutSec = 3
	}
	if c.Expander.Bus == "" {
		c.Expander.Bus = "/dev/i2c-5"
	}
	if c.Expander.Address == 0 {
		c.Expander.Address = 0x40
	}
	if c.Expander.FrequencyHz == 0 {
		c.Expander.FrequencyHz = 50
	}
	centerUs := (c.Pulse.MinUs + c.Pulse.MaxUs) / 2
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Type == "" {
			ch.Type = MotionPositional
		}
		if ch.Type == MotionContinuous {
			// Speed channels always command -100..100 percent.
			ch.Range = Range{Min: -100, Max: 100}
			if ch.NeutralUs == 0 {
				ch.NeutralUs = centerUs
			}
			if ch.GainUsPerPercent == 0 {
				ch.GainUsPerPercent = 20
			}
		}
	}
}

// Validate the configuration, returning nil on ok.
func (c Config) Validate() error {
	if c.Pulse.MinUs <= 0 || c.Pulse.MinUs >= c.Pulse.MaxUs {
		return InvalidArgument("pulse bounds %d..%d are not an increasing positive range", c.Pulse.MinUs, c.Pulse.MaxUs)
	}
	if c.Pulse.AngleSpan <= 0 {
		return InvalidArgument("angle span must be positive, got %d", c.Pulse.AngleSpan)
	}
	if c.Smoothing.Steps < 1 {
		return InvalidArgument("smoothing needs at least 1 step, got %d", c.Smoothing.Steps)
	}
	if c.SoftPWM.PeriodUs <= 0 {
		return InvalidArgument("soft pwm period must be positive, got %d", c.SoftPWM.PeriodUs)
	}
	if c.Pulse.MaxUs > c.SoftPWM.PeriodUs {
		return InvalidArgument("maximum pulse %dus does not fit the %dus soft pwm period", c.Pulse.MaxUs, c.SoftPWM.PeriodUs)
	}
	if len(c.Channels) == 0 {
		return InvalidArgument("no channels configured")
	}
	seenIDs := make(map[string]struct{})
	seenOutputs := make(map[BackendKind]map[int]struct{})
	for _, ch := range c.Channels {
		if err := ch.Validate(); err != nil {
			return maskAny(err)
		}
		if _, found := seenIDs[ch.ID]; found {
			return InvalidArgument("duplicate channel id '%s'", ch.ID)
		}
		seenIDs[ch.ID] = struct{}{}
		outputs := seenOutputs[ch.Backend]
		if outputs == nil {
			outputs = make(map[int]struct{})
			seenOutputs[ch.Backend] = outputs
		}
		if _, found := outputs[ch.Output()]; found {
			return InvalidArgument("channel '%s': output %d already in use on backend %s", ch.ID, ch.Output(), ch.Backend)
		}
		outputs[ch.Output()] = struct{}{}
	}
	for _, step := range c.Sequence {
		if _, found := seenIDs[step.Channel]; !found {
			return InvalidArgument("sequence references unknown channel '%s'", step.Channel)
		}
	}
	return nil
}

// ChannelByID returns the channel with given ID.
// Return false if not found.
func (c Config) ChannelByID(id string) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// LoadConfigFile reads, defaults and validates the configuration at the
// given path.
func LoadConfigFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, maskAny(err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(ValidationError, "parsing %s: %s", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, maskAny(err)
	}
	return cfg, nil
}
