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

package bridge

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Commander runs commands against the vendor gpio utility that fronts the
// SoC hardware PWM peripheral.
type Commander interface {
	// Run invokes the utility with the given arguments, bounded by the
	// configured timeout.
	Run(ctx context.Context, args ...string) error
}

// NewCommander creates a Commander invoking the given binary.
func NewCommander(binary string, timeout time.Duration, log zerolog.Logger) Commander {
	return &execCommander{
		log:     log.With().Str("component", "commander").Logger(),
		binary:  binary,
		timeout: timeout,
	}
}

type execCommander struct {
	log     zerolog.Logger
	binary  string
	timeout time.Duration
}

// Run invokes the utility with the given arguments.
// Invocations are not serialized here; the utility addresses independent
// registers per pin and callers already serialize per-device access.
func (c *execCommander) Run(ctx context.Context, args ...string) error {
	lctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(lctx, c.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		commanderRunErrorsTotal.Inc()
		c.log.Debug().Err(err).Str("args", strings.Join(args, " ")).Msg("gpio utility failed")
		return errors.Wrapf(err, "'%s %s' failed: %s", c.binary, strings.Join(args, " "), strings.TrimSpace(string(output)))
	}
	commanderRunsTotal.Inc()
	return nil
}
