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
	"github.com/pkg/errors"
	gpiocdev "github.com/warthog618/go-gpiocdev"
)

// Line is a single GPIO output line.
type Line interface {
	// Set drives the line to the given level.
	Set(high bool) error
	// Close drives the line low and releases it.
	Close() error
}

// LineAddress identifies a line on a gpio character device.
type LineAddress struct {
	Chip   string
	Offset int
}

// OpenOutputLine requests the given line as a low output.
func OpenOutputLine(addr LineAddress, consumer string) (Line, error) {
	line, err := gpiocdev.RequestLine(addr.Chip, addr.Offset,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, errors.Wrapf(err, "requesting %s:%d failed", addr.Chip, addr.Offset)
	}
	return &cdevLine{line: line, last: 0}, nil
}

type cdevLine struct {
	line *gpiocdev.Line
	last int
}

// Set drives the line to the given level.
// Writes that would not change the level are skipped.
func (l *cdevLine) Set(high bool) error {
	value := 0
	if high {
		value = 1
	}
	if l.last == value {
		return nil
	}
	if err := l.line.SetValue(value); err != nil {
		return maskAny(err)
	}
	l.last = value
	return nil
}

// Close drives the line low and releases it.
func (l *cdevLine) Close() error {
	// Best effort: a released line must not keep holding a pulse.
	l.line.SetValue(0)
	return l.line.Close()
}
