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
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/armbotics/ServoWorker/model"
	"github.com/armbotics/ServoWorker/service/bridge"
)

// SoftPWM synthesizes independent PWM waveforms for a set of GPIO lines
// from a single goroutine at a fixed period.
type SoftPWM interface {
	Output
	// Register claims the GPIO line of the given output and sets its
	// initial pulse width. Registering an output twice keeps the line and
	// takes the second pulse width.
	Register(output int, initialUs int) error
	// SetPulse updates the pulse width of a registered output. The new
	// width takes effect on the next period boundary, never mid-period.
	// Unregistered outputs are rejected.
	SetPulse(output int, pulseUs int) error
	// Unregister drives the output's line low and releases it.
	Unregister(output int) error
	// Start the scheduling goroutine. Idempotent.
	Start()
	// Stop the scheduling goroutine, drive all registered lines low and
	// release them. Idempotent.
	Stop()
}

// SoftPWMConfig holds the timing parameters of the multiplexer.
type SoftPWMConfig struct {
	// PeriodUs is the PWM period (20000us for standard 50Hz servos).
	PeriodUs int
	// SpinThreshold is the wait length below which the scheduler
	// busy-polls instead of sleeping.
	SpinThreshold time.Duration
	// SleepSlack is how long before a deadline a coarse sleep ends.
	SleepSlack time.Duration
}

// LineOpener opens the GPIO line belonging to the given output.
type LineOpener func(output int) (bridge.Line, error)

// NewSoftPWM creates a software PWM multiplexer for the given outputs.
// Lines are claimed during Configure (or explicit Register), not here.
func NewSoftPWM(cfg SoftPWMConfig, outputs []int, opener LineOpener, log zerolog.Logger) SoftPWM {
	if cfg.PeriodUs <= 0 {
		cfg.PeriodUs = 20000
	}
	if cfg.SpinThreshold <= 0 {
		cfg.SpinThreshold = 250 * time.Microsecond
	}
	if cfg.SleepSlack <= 0 {
		cfg.SleepSlack = 200 * time.Microsecond
	}
	return &softPWM{
		log:     log.With().Str("component", "softpwm").Logger(),
		cfg:     cfg,
		outputs: outputs,
		opener:  opener,
		clock: hybridClock{
			spinThreshold: cfg.SpinThreshold,
			sleepSlack:    cfg.SleepSlack,
		},
		lines:   make(map[int]bridge.Line),
		widthUs: make(map[int]int),
	}
}

type softPWM struct {
	mutex   sync.Mutex
	log     zerolog.Logger
	cfg     SoftPWMConfig
	outputs []int
	opener  LineOpener
	clock   clock
	lines   map[int]bridge.Line
	widthUs map[int]int
	// retired holds lines unregistered while the scheduler runs; the
	// scheduling goroutine releases them at the next period boundary.
	retired []retiredLine
	running bool
	stopc   chan struct{}
	donec   chan struct{}
}

type retiredLine struct {
	output int
	line   bridge.Line
}

// scheduleEntry is one output's slot in the per-period snapshot.
type scheduleEntry struct {
	output  int
	line    bridge.Line
	widthUs int
}

// Configure claims all configured lines at pulse width 0 (lines stay low
// until the first move) and starts the scheduling goroutine.
func (s *softPWM) Configure(ctx context.Context) error {
	for _, output := range s.outputs {
		if err := s.Register(output, 0); err != nil {
			// Release lines claimed so far, they would stay busy otherwise.
			s.Stop()
			return errors.Wrapf(model.HardwareUnavailableError, "claiming gpio line for output %d: %s", output, err)
		}
	}
	s.Start()
	return nil
}

// Close stops the multiplexer, leaving all lines low and released.
func (s *softPWM) Close() error {
	s.Stop()
	return nil
}

// SetPulseUs implements the Output capability.
func (s *softPWM) SetPulseUs(ctx context.Context, output int, pulseUs int) error {
	return s.SetPulse(output, pulseUs)
}

// Register claims the GPIO line of the given output and sets its initial
// pulse width. The line is opened outside the schedule lock, so a running
// scheduler never waits on hardware I/O here.
func (s *softPWM) Register(output int, initialUs int) error {
	s.mutex.Lock()
	_, found := s.lines[output]
	s.mutex.Unlock()

	if found {
		return s.adopt(output, nil, initialUs)
	}
	line, err := s.opener(output)
	if err != nil {
		return maskAny(err)
	}
	return s.adopt(output, line, initialUs)
}

// adopt installs the freshly opened line (nil when the output already had
// one) and its pulse width into the schedule. A duplicate open lost to a
// concurrent Register is closed again, outside the lock.
func (s *softPWM) adopt(output int, line bridge.Line, widthUs int) error {
	var surplus bridge.Line
	s.mutex.Lock()
	if _, exists := s.lines[output]; exists {
		surplus = line
	} else if line != nil {
		s.lines[output] = line
	} else {
		// Unregistered while the line was being opened.
		s.mutex.Unlock()
		return errors.Wrapf(model.NotFoundError, "output %d is not registered", output)
	}
	s.widthUs[output] = s.clampWidth(output, widthUs)
	s.mutex.Unlock()

	if surplus != nil {
		surplus.Close()
	}
	return nil
}

// SetPulse updates the pulse width of a registered output.
func (s *softPWM) SetPulse(output int, pulseUs int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, found := s.widthUs[output]; !found {
		return errors.Wrapf(model.NotFoundError, "output %d is not registered", output)
	}
	s.widthUs[output] = s.clampWidth(output, pulseUs)
	return nil
}

// Unregister drives the output's line low and releases it. While the
// scheduler runs, its current-period snapshot may still hold the line, so
// the release is handed to the scheduling goroutine and happens at the next
// period boundary.
func (s *softPWM) Unregister(output int) error {
	s.mutex.Lock()
	line, found := s.lines[output]
	delete(s.lines, output)
	delete(s.widthUs, output)
	if !found {
		s.mutex.Unlock()
		return errors.Wrapf(model.NotFoundError, "output %d is not registered", output)
	}
	if s.running {
		s.retired = append(s.retired, retiredLine{output: output, line: line})
		s.mutex.Unlock()
		return nil
	}
	s.mutex.Unlock()
	return maskAny(s.releaseLine(output, line))
}

// releaseLine drives a line low and releases it. Callers must guarantee the
// scheduler no longer holds the line in a snapshot.
func (s *softPWM) releaseLine(output int, line bridge.Line) error {
	if err := line.Set(false); err != nil {
		s.log.Warn().Err(err).Int("output", output).Msg("Failed to drive line low")
	}
	return line.Close()
}

// releaseRetired releases lines unregistered during the previous period.
// Called by the scheduling goroutine between periods, or by Stop after the
// goroutine has exited.
func (s *softPWM) releaseRetired() {
	s.mutex.Lock()
	retired := s.retired
	s.retired = nil
	s.mutex.Unlock()

	for _, r := range retired {
		if err := s.releaseLine(r.output, r.line); err != nil {
			s.log.Warn().Err(err).Int("output", r.output).Msg("Failed to release line")
		}
	}
}

// Start the scheduling goroutine.
func (s *softPWM) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopc = make(chan struct{})
	s.donec = make(chan struct{})
	go s.run(s.stopc, s.donec)
}

// Stop the scheduling goroutine and release all lines.
// Servos must never be left holding an indeterminate signal, so every line
// is driven low before release.
func (s *softPWM) Stop() {
	s.mutex.Lock()
	if s.running {
		s.running = false
		stopc, donec := s.stopc, s.donec
		s.mutex.Unlock()

		close(stopc)
		<-donec

		s.mutex.Lock()
	}
	lines := s.lines
	s.lines = make(map[int]bridge.Line)
	s.widthUs = make(map[int]int)
	s.mutex.Unlock()

	s.releaseRetired()
	for output, line := range lines {
		if err := s.releaseLine(output, line); err != nil {
			s.log.Warn().Err(err).Int("output", output).Msg("Failed to release line")
		}
	}
}

// run is the scheduling loop, owned by a single goroutine.
func (s *softPWM) run(stopc, donec chan struct{}) {
	defer close(donec)
	s.log.Debug().Int("period_us", s.cfg.PeriodUs).Msg("softpwm started")

	period := time.Duration(s.cfg.PeriodUs) * time.Microsecond
	var lastStart time.Time
	for {
		select {
		case <-stopc:
			s.log.Debug().Msg("softpwm stopped")
			return
		default:
		}
		start := s.clock.Now()
		if !lastStart.IsZero() {
			drift := start.Sub(lastStart) - period
			softPWMJitterSeconds.Observe(math.Abs(drift.Seconds()))
		}
		lastStart = start
		s.runPeriod(start, s.snapshot())
		s.releaseRetired()
	}
}

// snapshot copies the current schedule under lock, so the lock is never held
// across hardware I/O or sleeps.
func (s *softPWM) snapshot() []scheduleEntry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries := make([]scheduleEntry, 0, len(s.widthUs))
	for output, widthUs := range s.widthUs {
		entries = append(entries, scheduleEntry{
			output:  output,
			line:    s.lines[output],
			widthUs: widthUs,
		})
	}
	return entries
}

// runPeriod executes one full PWM cycle starting at the given instant: all
// active outputs rise in lock-step, each distinct pulse width falls at
// start+width, and the cycle ends at start+period. Outputs with width 0
// never rise. A write failure on one line never aborts the cycle for the
// others.
func (s *softPWM) runPeriod(start time.Time, entries []scheduleEntry) {
	for _, e := range entries {
		if e.widthUs > 0 {
			s.setLine(e, true)
		}
	}
	for _, widthUs := range distinctWidths(entries) {
		s.clock.SleepUntil(start.Add(time.Duration(widthUs) * time.Microsecond))
		for _, e := range entries {
			if e.widthUs == widthUs {
				s.setLine(e, false)
			}
		}
	}
	s.clock.SleepUntil(start.Add(time.Duration(s.cfg.PeriodUs) * time.Microsecond))
}

func (s *softPWM) setLine(e scheduleEntry, high bool) {
	if err := e.line.Set(high); err != nil {
		softPWMWriteErrorsTotal.Inc()
		s.log.Warn().Err(err).Int("output", e.output).Bool("high", high).Msg("gpio write failed")
		return
	}
	pulseWritesTotal.WithLabelValues("softpwm").Inc()
}

func (s *softPWM) clampWidth(output, widthUs int) int {
	if widthUs < 0 {
		return 0
	}
	if widthUs > s.cfg.PeriodUs {
		s.log.Debug().Int("output", output).Int("width_us", widthUs).Msg("pulse width clamped to period")
		return s.cfg.PeriodUs
	}
	return widthUs
}

// distinctWidths returns the sorted ascending distinct non-zero pulse widths
// of the given snapshot.
func distinctWidths(entries []scheduleEntry) []int {
	seen := make(map[int]struct{})
	widths := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.widthUs <= 0 {
			continue
		}
		if _, found := seen[e.widthUs]; found {
			continue
		}
		seen[e.widthUs] = struct{}{}
		widths = append(widths, e.widthUs)
	}
	sort.Ints(widths)
	return widths
}
