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
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/armbotics/ServoWorker/model"
	"github.com/armbotics/ServoWorker/pkg/pulse"
	"github.com/armbotics/ServoWorker/service/devices"
	"github.com/armbotics/ServoWorker/service/util"
)

// Service is the motion controller: it owns the pulse generating backends
// and exposes channel-level moves on top of them.
type Service interface {
	// EnsureInitialized configures all backends and drives every channel
	// to its rest position. Called implicitly by the first move.
	EnsureInitialized(ctx context.Context) error
	// Move sets a positional channel to an angle, or a continuous channel
	// to a speed percentage. Angles outside the channel's range are
	// clamped; speeds outside [-100, 100] are rejected.
	Move(ctx context.Context, channelID string, value int, smooth bool) (MoveResult, error)
	// MoveRaw sets the raw pulse width of a channel, bypassing the
	// angle/speed mapping. Nonzero widths are clamped to the pulse bounds;
	// zero disables the output.
	MoveRaw(ctx context.Context, channelID string, pulseUs int) error
	// CenterAll smoothly moves all positional channels to angle 0 and
	// stops all continuous channels.
	CenterAll(ctx context.Context) error
	// RunSequence plays the given steps with smoothed moves and centers
	// everything afterwards. With no steps the configured demo sequence
	// is played.
	RunSequence(ctx context.Context, steps []model.SequenceStep) error
	// Status reports the current logical value of every channel.
	Status(ctx context.Context) ([]ChannelStatus, error)
	// Reconfigure tears down the backends and rebuilds the channel table
	// from the given configuration.
	Reconfigure(ctx context.Context, cfg model.Config) error
	// Run keeps the service alive until the given context is cancelled,
	// then brings all hardware to a safe state.
	Run(ctx context.Context) error
}

// MoveResult reports what a move actually did.
type MoveResult struct {
	// AppliedValue is the angle or speed that was written, after clamping.
	AppliedValue int
	// WasClamped is set when the requested value was outside the
	// channel's range.
	WasClamped bool
}

// ChannelStatus is one channel's entry in a Status report.
type ChannelStatus struct {
	ChannelID  string           `json:"channel"`
	MotionType model.MotionType `json:"type"`
	Range      model.Range      `json:"range"`
	// CurrentValue is nil until the channel has been written at least once.
	CurrentValue *int `json:"current,omitempty"`
}

// Config holds the motion parameters of the service.
type Config struct {
	// Bounds maps angles to pulse widths.
	Bounds pulse.Bounds
	// SmoothSteps is the number of intermediate positions of a smoothed
	// move.
	SmoothSteps int
	// StepDelay is the pause between intermediate positions.
	StepDelay time.Duration
	// SettleDelay is how long to wait after driving all channels to rest.
	SettleDelay time.Duration
	// Channels is the initial channel configuration.
	Channels []model.Channel
	// Sequence is the demo sequence played by RunSequence.
	Sequence []model.SequenceStep
}

// OutputBuilder creates the pulse generating backend of the given kind.
// Called at most once per kind per initialization.
type OutputBuilder func(kind model.BackendKind) (devices.Output, error)

// Dependencies of the service.
type Dependencies struct {
	Log     zerolog.Logger
	Outputs OutputBuilder
}

// NewService creates a Service instance and returns it.
func NewService(conf Config, deps Dependencies) Service {
	deps.Log = deps.Log.With().Str("component", "service").Logger()
	if conf.SmoothSteps <= 0 {
		conf.SmoothSteps = 20
	}
	if conf.StepDelay <= 0 {
		conf.StepDelay = 20 * time.Millisecond
	}
	if conf.SettleDelay <= 0 {
		conf.SettleDelay = 20 * time.Millisecond
	}
	return &service{
		Config:       conf,
		Dependencies: deps,
		registry:     NewRegistry(conf.Channels),
		outputs:      make(map[model.BackendKind]devices.Output),
	}
}

type service struct {
	Config
	Dependencies

	initMutex   sync.Mutex
	initialized bool
	registry    *Registry
	outputs     map[model.BackendKind]devices.Output
}

// EnsureInitialized configures all backends and drives every channel to its
// rest position: angle 0 for positional channels, the neutral pulse for
// continuous ones. Safe to call concurrently; only the first call does work.
func (s *service) EnsureInitialized(ctx context.Context) error {
	s.initMutex.Lock()
	defer s.initMutex.Unlock()
	return s.ensureInitialized(ctx)
}

// ensureInitialized must be called with initMutex held.
func (s *service) ensureInitialized(ctx context.Context) error {
	if s.initialized {
		return nil
	}
	log := s.Log

	for _, c := range s.registry.All() {
		if _, found := s.outputs[c.Backend()]; found {
			continue
		}
		output, err := s.Outputs(c.Backend())
		if err != nil {
			s.closeOutputs()
			return errors.Wrapf(model.HardwareUnavailableError, "building %s backend: %s", c.Backend(), err)
		}
		s.outputs[c.Backend()] = output
		if err := output.Configure(ctx); err != nil {
			s.closeOutputs()
			return maskAny(err)
		}
		log.Debug().Str("backend", string(c.Backend())).Msg("backend configured")
	}

	for _, c := range s.registry.All() {
		restUs := s.restPulseUs(c)
		if err := s.outputs[c.Backend()].SetPulseUs(ctx, c.Output(), restUs); err != nil {
			s.closeOutputs()
			return errors.Wrapf(model.HardwareUnavailableError, "driving channel '%s' to rest: %s", c.ID(), err)
		}
		c.setLastApplied(restUs)
	}
	// Let the servos physically reach their rest position before the first
	// move starts ramping from it.
	select {
	case <-time.After(s.SettleDelay):
	case <-ctx.Done():
		return maskAny(ctx.Err())
	}

	s.initialized = true
	log.Info().Int("channels", len(s.registry.All())).Msg("initialized")
	return nil
}

// restPulseUs returns the pulse width a channel starts at.
func (s *service) restPulseUs(c *Channel) int {
	if c.MotionType() == model.MotionContinuous {
		return pulse.SpeedToPulseUs(0, c.neutralUs, c.gainUsPerPct, s.Bounds)
	}
	return pulse.AngleToPulseUs(0, s.Bounds)
}

// outputFor returns the configured backend of the given channel.
func (s *service) outputFor(c *Channel) (devices.Output, error) {
	s.initMutex.Lock()
	defer s.initMutex.Unlock()
	output, found := s.outputs[c.Backend()]
	if !found {
		return nil, errors.Wrapf(model.HardwareUnavailableError, "backend %s is not initialized", c.Backend())
	}
	return output, nil
}

// closeOutputs closes all built backends. Must be called with initMutex held.
func (s *service) closeOutputs() error {
	var se util.SyncError
	for kind, output := range s.outputs {
		if err := output.Close(); err != nil {
			s.Log.Warn().Err(err).Str("backend", string(kind)).Msg("Failed to close backend")
			se.Add(err)
		}
	}
	s.outputs = make(map[model.BackendKind]devices.Output)
	s.initialized = false
	return se.AsError()
}

// Reconfigure tears down the backends and swaps the channel table. The next
// command initializes again with the new configuration.
func (s *service) Reconfigure(ctx context.Context, cfg model.Config) error {
	if err := cfg.Validate(); err != nil {
		return maskAny(err)
	}
	s.initMutex.Lock()
	defer s.initMutex.Unlock()

	if err := s.closeOutputs(); err != nil {
		s.Log.Warn().Err(err).Msg("Errors while closing backends for reconfiguration")
	}
	s.registry.Replace(cfg.Channels)
	s.Bounds = pulse.Bounds{
		MinUs:       cfg.Pulse.MinUs,
		MaxUs:       cfg.Pulse.MaxUs,
		AngleOffset: cfg.Pulse.AngleOffset,
		AngleSpan:   cfg.Pulse.AngleSpan,
	}
	s.SmoothSteps = cfg.Smoothing.Steps
	s.StepDelay = time.Duration(cfg.Smoothing.StepDelayMs) * time.Millisecond
	s.Sequence = cfg.Sequence
	s.Log.Info().Int("channels", len(cfg.Channels)).Msg("reconfigured")
	return nil
}

// Run keeps the service alive until the given context is cancelled, then
// brings all hardware to a safe state.
func (s *service) Run(ctx context.Context) error {
	if err := s.EnsureInitialized(ctx); err != nil {
		return maskAny(err)
	}
	<-ctx.Done()

	s.initMutex.Lock()
	defer s.initMutex.Unlock()
	s.Log.Debug().Msg("shutting down backends")
	return s.closeOutputs()
}
