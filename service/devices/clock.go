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

import "time"

// clock abstracts monotonic time so the multiplexer can be driven by a fake
// in tests.
type clock interface {
	Now() time.Time
	// SleepUntil returns no earlier than the given instant.
	SleepUntil(t time.Time)
}

// hybridClock sleeps in coarse chunks while the remaining wait is long, then
// busy-polls the monotonic clock for the final short interval. Plain sleeps
// are at the mercy of scheduler granularity; plain spinning burns a core.
type hybridClock struct {
	// Waits at or below this are busy-polled entirely.
	spinThreshold time.Duration
	// Coarse sleeps end this long before the target.
	sleepSlack time.Duration
}

func (c hybridClock) Now() time.Time {
	return time.Now()
}

func (c hybridClock) SleepUntil(t time.Time) {
	for {
		remaining := time.Until(t)
		if remaining <= 0 {
			return
		}
		if coarse := remaining - c.sleepSlack; remaining > c.spinThreshold && coarse > 0 {
			time.Sleep(coarse)
			continue
		}
		for time.Now().Before(t) {
		}
		return
	}
}
