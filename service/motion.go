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

package service

import (
	"context"
	"math"
	"time"

	aerr "github.com/ewoutp/go-aggregate-error"

	"github.com/armbotics/ServoWorker/model"
	"github.com/armbotics/ServoWorker/pkg/pulse"
	"github.com/armbotics/ServoWorker/service/devices"
)

// Move sets a positional channel to an angle, or a continuous channel to a
// speed percentage.
func (s *service) Move(ctx context.Context, channelID string, value int, smooth bool) (MoveResult, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return MoveResult{}, maskAny(err)
	}
	c, err := s.registry.Resolve(channelID)
	if err != nil {
		return MoveResult{}, maskAny(err)
	}
	output, err := s.outputFor(c)
	if err != nil {
		return MoveResult{}, maskAny(err)
	}

	if c.MotionType() == model.MotionContinuous {
		// Out of range speeds are rejected, not clamped. A clamped angle
		// still ends up near the intent; a clamped speed keeps spinning.
		if !c.Range().Contains(value) {
			return MoveResult{}, model.InvalidArgument("speed %d out of range %s for channel '%s'", value, c.Range(), channelID)
		}
		targetUs := pulse.SpeedToPulseUs(value, c.neutralUs, c.gainUsPerPct, s.Bounds)
		c.mutex.Lock()
		defer c.mutex.Unlock()
		if err := s.writePulse(ctx, c, output, targetUs); err != nil {
			return MoveResult{}, maskAny(err)
		}
		movesTotal.WithLabelValues(channelID).Inc()
		return MoveResult{AppliedValue: value}, nil
	}

	clamped := c.Range().Clamp(value)
	wasClamped := clamped != value
	if wasClamped {
		movesClampedTotal.WithLabelValues(channelID).Inc()
		s.Log.Warn().
			Str("channel", channelID).
			Int("requested", value).
			Int("applied", clamped).
			Msg("angle clamped to channel range")
	}
	targetUs := pulse.AngleToPulseUs(clamped, s.Bounds)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if smooth {
		err = s.ramp(ctx, c, output, targetUs)
	} else {
		err = s.writePulse(ctx, c, output, targetUs)
	}
	if err != nil {
		return MoveResult{}, maskAny(err)
	}
	movesTotal.WithLabelValues(channelID).Inc()
	return MoveResult{AppliedValue: clamped, WasClamped: wasClamped}, nil
}

// MoveRaw sets the raw pulse width of a channel. A width of zero disables
// the output; any other width is clamped to the pulse bounds.
func (s *service) MoveRaw(ctx context.Context, channelID string, pulseUs int) error {
	if err := s.EnsureInitialized(ctx); err != nil {
		return maskAny(err)
	}
	c, err := s.registry.Resolve(channelID)
	if err != nil {
		return maskAny(err)
	}
	output, err := s.outputFor(c)
	if err != nil {
		return maskAny(err)
	}
	if pulseUs != 0 {
		pulseUs = s.Bounds.ClampUs(pulseUs)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := s.writePulse(ctx, c, output, pulseUs); err != nil {
		return maskAny(err)
	}
	movesTotal.WithLabelValues(channelID).Inc()
	return nil
}

// CenterAll smoothly moves all positional channels to angle 0 and stops all
// continuous channels. Failures on one channel do not stop the others.
func (s *service) CenterAll(ctx context.Context) error {
	if err := s.EnsureInitialized(ctx); err != nil {
		return maskAny(err)
	}
	var ae aerr.AggregateError
	for _, c := range s.registry.All() {
		smooth := c.MotionType() == model.MotionPositional
		if _, err := s.Move(ctx, c.ID(), 0, smooth); err != nil {
			s.Log.Warn().Err(err).Str("channel", c.ID()).Msg("Failed to center channel")
			ae.Add(err)
		}
	}
	return ae.AsError()
}

// RunSequence plays the given steps with smoothed moves and centers
// everything afterwards. Hardware write failures skip the step; anything
// else aborts.
func (s *service) RunSequence(ctx context.Context, steps []model.SequenceStep) error {
	if err := s.EnsureInitialized(ctx); err != nil {
		return maskAny(err)
	}
	if len(steps) == 0 {
		steps = s.Sequence
	}
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return maskAny(err)
		}
		if _, err := s.Move(ctx, step.Channel, step.Value, true); err != nil {
			if model.IsHardwareWrite(err) {
				s.Log.Warn().Err(err).Int("step", i).Str("channel", step.Channel).Msg("sequence step failed")
				continue
			}
			return maskAny(err)
		}
	}
	return s.CenterAll(ctx)
}

// Status reports the current logical value of every channel in
// configuration order.
func (s *service) Status(ctx context.Context) ([]ChannelStatus, error) {
	channels := s.registry.All()
	result := make([]ChannelStatus, 0, len(channels))
	for _, c := range channels {
		status := ChannelStatus{
			ChannelID:  c.ID(),
			MotionType: c.MotionType(),
			Range:      c.Range(),
		}
		if lastUs, applied := c.lastApplied(); applied {
			value := s.valueFromPulse(c, lastUs)
			status.CurrentValue = &value
		}
		result = append(result, status)
	}
	return result, nil
}

// valueFromPulse inverts the pulse mapping of the channel.
func (s *service) valueFromPulse(c *Channel, pulseUs int) int {
	if c.MotionType() == model.MotionContinuous {
		return int(math.Round(float64(pulseUs-c.neutralUs) / c.gainUsPerPct))
	}
	return pulse.PulseUsToAngle(pulseUs, s.Bounds)
}

// writePulse writes one pulse width and records it as applied on success.
// Must be called with the channel's mutex held.
func (s *service) writePulse(ctx context.Context, c *Channel, output devices.Output, pulseUs int) error {
	if err := output.SetPulseUs(ctx, c.Output(), pulseUs); err != nil {
		moveFailuresTotal.WithLabelValues(c.ID()).Inc()
		return maskAny(err)
	}
	c.setLastApplied(pulseUs)
	return nil
}

// ramp moves the channel to the target pulse width through evenly spaced
// intermediate positions. A failed intermediate write is logged and skipped;
// only the final write decides the outcome. Must be called with the
// channel's mutex held.
func (s *service) ramp(ctx context.Context, c *Channel, output devices.Output, targetUs int) error {
	startUs, applied := c.lastApplied()
	if !applied {
		startUs = s.restPulseUs(c)
	}
	delta := targetUs - startUs
	if delta != 0 {
		for i := 1; i < s.SmoothSteps; i++ {
			stepUs := startUs + int(math.Round(float64(delta)*float64(i)/float64(s.SmoothSteps)))
			if err := output.SetPulseUs(ctx, c.Output(), stepUs); err != nil {
				s.Log.Debug().Err(err).Str("channel", c.ID()).Int("pulse_us", stepUs).Msg("intermediate write failed")
			}
			time.Sleep(s.StepDelay)
		}
	}
	return s.writePulse(ctx, c, output, targetUs)
}
