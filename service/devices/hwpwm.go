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

package devices

import (
	"context"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/armbotics/ServoWorker/model"
	"github.com/armbotics/ServoWorker/service/bridge"
)

// hwPWMClockHz is the base PWM clock of the SoC, divided by the configured
// divisor to get the counter rate.
const hwPWMClockHz = 19_200_000

// HardwarePWMConfig holds the clock setup of the SoC PWM peripheral.
type HardwarePWMConfig struct {
	// ClockDivisor divides the 19.2MHz base clock.
	ClockDivisor int
	// RangeUnits is the counter range, i.e. the number of clock units per
	// PWM period. Divisor 192 with range 2000 yields a 50Hz period with
	// 10us resolution.
	RangeUnits int
}

// NewHardwarePWM creates a driver for SoC hardware PWM pins, controlled
// through an external gpio utility.
func NewHardwarePWM(config HardwarePWMConfig, pins []int, commander bridge.Commander, log zerolog.Logger) Output {
	if config.ClockDivisor == 0 {
		config.ClockDivisor = 192
	}
	if config.RangeUnits == 0 {
		config.RangeUnits = 2000
	}
	return &hardwarePWM{
		config:    config,
		pins:      pins,
		commander: commander,
		log:       log.With().Str("component", "hwpwm").Logger(),
	}
}

type hardwarePWM struct {
	config    HardwarePWMConfig
	pins      []int
	commander bridge.Commander
	log       zerolog.Logger
}

// Configure switches every pin to PWM output in mark:space mode and programs
// the clock divisor and counter range. Outputs start at duty 0 (line low).
func (d *hardwarePWM) Configure(ctx context.Context) error {
	for _, pin := range d.pins {
		steps := [][]string{
			{"mode", strconv.Itoa(pin), "pwm"},
			{"pwm-ms", strconv.Itoa(pin)},
			{"pwmc", strconv.Itoa(pin), strconv.Itoa(d.config.ClockDivisor)},
			{"pwmr", strconv.Itoa(pin), strconv.Itoa(d.config.RangeUnits)},
			{"pwm", strconv.Itoa(pin), "0"},
		}
		for _, args := range steps {
			if err := d.commander.Run(ctx, args...); err != nil {
				return errors.Wrapf(model.HardwareUnavailableError, "configuring pwm pin %d: %s", pin, err)
			}
		}
		d.log.Debug().Int("pin", pin).Msg("hardware pwm pin configured")
	}
	return nil
}

// Close parks all pins at duty 0, best effort.
func (d *hardwarePWM) Close() error {
	ctx := context.Background()
	for _, pin := range d.pins {
		if err := d.commander.Run(ctx, "pwm", strconv.Itoa(pin), "0"); err != nil {
			d.log.Warn().Err(err).Int("pin", pin).Msg("Failed to park pwm pin")
		}
	}
	return nil
}

// SetPulseUs converts the pulse width to counter units at the configured
// clock rate and writes the duty register.
func (d *hardwarePWM) SetPulseUs(ctx context.Context, output int, pulseUs int) error {
	unitsPerSecond := float64(hwPWMClockHz) / float64(d.config.ClockDivisor)
	units := int(math.Round(float64(pulseUs) / 1e6 * unitsPerSecond))
	if units < 0 {
		units = 0
	}
	if units > d.config.RangeUnits {
		units = d.config.RangeUnits
	}
	if err := d.commander.Run(ctx, "pwm", strconv.Itoa(output), strconv.Itoa(units)); err != nil {
		pulseWriteErrorsTotal.WithLabelValues("hwpwm").Inc()
		return errors.Wrapf(model.HardwareWriteError, "writing duty for pin %d: %s", output, err)
	}
	pulseWritesTotal.WithLabelValues("hwpwm").Inc()
	return nil
}
