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
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/armbotics/ServoWorker/model"
	"github.com/armbotics/ServoWorker/pkg/pulse"
	"github.com/armbotics/ServoWorker/service/bridge"
)

const (
	// Registers of the PCA9685.
	pca9685Mode1Reg     = 0x00
	pca9685Mode2Reg     = 0x01
	pca9685Led0OnLowReg = 0x06
	pca9685PrescaleReg  = 0xFE

	// MODE1 bits.
	pca9685SleepBit         = 0x10
	pca9685AutoIncrementBit = 0x20
	pca9685RestartBit       = 0x80
	pca9685AllCallBit       = 0x01

	// MODE2 bits.
	pca9685OutDrvBit = 0x04

	// PCA9685Channels is the number of PWM channels of the chip.
	PCA9685Channels = 16
)

// PCA9685Config holds the address and output frequency of a PCA9685
// PWM expander.
type PCA9685Config struct {
	// Address is the 7-bit I2C slave address of the chip.
	Address byte
	// FrequencyHz is the PWM output frequency (50Hz for servos).
	FrequencyHz int
}

// PCA9685 drives a PCA9685 16-channel 12-bit PWM expander on an I2C bus.
type PCA9685 interface {
	Output
	// SetChannelPulse sets the raw on & off tick (0..4095) of a channel.
	SetChannelPulse(ctx context.Context, channel int, onTick, offTick int) error
}

// NewPCA9685 creates a driver for a PCA9685 at the given address on
// the given bus.
func NewPCA9685(config PCA9685Config, bus bridge.I2CBus, log zerolog.Logger) PCA9685 {
	if config.FrequencyHz == 0 {
		config.FrequencyHz = 50
	}
	return &pca9685{
		config: config,
		bus:    bus,
		log:    log.With().Str("component", "pca9685").Logger(),
	}
}

type pca9685 struct {
	config PCA9685Config
	bus    bridge.I2CBus
	log    zerolog.Logger
}

// Configure resets the chip, selects totem-pole outputs, enables register
// auto-increment and programs the output frequency.
func (d *pca9685) Configure(ctx context.Context) error {
	addr := d.config.Address
	if err := d.bus.WriteByteReg(addr, pca9685Mode1Reg, 0x00); err != nil {
		return errors.Wrapf(model.HardwareUnavailableError, "resetting MODE1: %s", err)
	}
	// Give the oscillator time to recover from a possible sleep state.
	time.Sleep(10 * time.Millisecond)
	if err := d.bus.WriteByteReg(addr, pca9685Mode2Reg, pca9685OutDrvBit); err != nil {
		return errors.Wrapf(model.HardwareUnavailableError, "setting MODE2: %s", err)
	}
	mode1, err := d.bus.ReadByteReg(addr, pca9685Mode1Reg)
	if err != nil {
		return errors.Wrapf(model.HardwareUnavailableError, "reading MODE1: %s", err)
	}
	if err := d.bus.WriteByteReg(addr, pca9685Mode1Reg, mode1|pca9685AutoIncrementBit); err != nil {
		return errors.Wrapf(model.HardwareUnavailableError, "enabling auto-increment: %s", err)
	}
	if err := d.setFrequency(d.config.FrequencyHz); err != nil {
		return errors.Wrapf(model.HardwareUnavailableError, "setting frequency to %dHz: %s", d.config.FrequencyHz, err)
	}
	d.log.Debug().
		Str("address", fmt.Sprintf("0x%02x", addr)).
		Int("frequency", d.config.FrequencyHz).
		Msg("pca9685 configured")
	return nil
}

// Close puts the chip to sleep, stopping all PWM outputs.
func (d *pca9685) Close() error {
	if err := d.bus.WriteByteReg(d.config.Address, pca9685Mode1Reg, pca9685SleepBit|pca9685AllCallBit); err != nil {
		return maskAny(err)
	}
	return maskAny(d.bus.Close())
}

// setFrequency programs the prescaler. The PRE_SCALE register can only be
// written while the chip sleeps, so the oscillator is stopped, reprogrammed
// and restarted.
func (d *pca9685) setFrequency(frequencyHz int) error {
	prescale, err := pulse.FrequencyToPrescaler(frequencyHz)
	if err != nil {
		return maskAny(err)
	}
	addr := d.config.Address
	oldMode, err := d.bus.ReadByteReg(addr, pca9685Mode1Reg)
	if err != nil {
		return maskAny(err)
	}
	if err := d.bus.WriteByteReg(addr, pca9685Mode1Reg, (oldMode&^byte(pca9685RestartBit))|pca9685SleepBit); err != nil {
		return maskAny(err)
	}
	if err := d.bus.WriteByteReg(addr, pca9685PrescaleReg, prescale); err != nil {
		return maskAny(err)
	}
	if err := d.bus.WriteByteReg(addr, pca9685Mode1Reg, oldMode); err != nil {
		return maskAny(err)
	}
	// The oscillator needs 500us to stabilize before RESTART may be set.
	time.Sleep(5 * time.Millisecond)
	if err := d.bus.WriteByteReg(addr, pca9685Mode1Reg, oldMode|pca9685RestartBit|pca9685AutoIncrementBit); err != nil {
		return maskAny(err)
	}
	return nil
}

// SetChannelPulse sets the raw on & off tick of a channel in a single
// auto-incremented block write, so the four registers update atomically.
func (d *pca9685) SetChannelPulse(ctx context.Context, channel int, onTick, offTick int) error {
	if channel < 0 || channel >= PCA9685Channels {
		return model.InvalidArgument("channel %d out of range [0, %d)", channel, PCA9685Channels)
	}
	reg := byte(pca9685Led0OnLowReg + 4*channel)
	data := []byte{
		byte(onTick & 0xFF),
		byte((onTick >> 8) & 0x0F),
		byte(offTick & 0xFF),
		byte((offTick >> 8) & 0x0F),
	}
	if err := d.bus.WriteBlockReg(d.config.Address, reg, data); err != nil {
		pulseWriteErrorsTotal.WithLabelValues("expander").Inc()
		return errors.Wrapf(model.HardwareWriteError, "writing channel %d: %s", channel, err)
	}
	pulseWritesTotal.WithLabelValues("expander").Inc()
	return nil
}

// SetPulseUs converts the pulse width to 12-bit ticks at the configured
// frequency and writes it, rising at tick 0.
func (d *pca9685) SetPulseUs(ctx context.Context, output int, pulseUs int) error {
	ticks := pulse.MicrosecondsToTicks(pulseUs, d.config.FrequencyHz)
	return d.SetChannelPulse(ctx, output, 0, ticks)
}
