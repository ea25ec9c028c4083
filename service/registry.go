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
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/armbotics/ServoWorker/model"
)

// Channel is the runtime state of one configured channel. Moves on the same
// channel are serialized through its mutex; moves on different channels may
// run concurrently.
type Channel struct {
	mutex sync.Mutex

	id           string
	motionType   model.MotionType
	rng          model.Range
	backend      model.BackendKind
	output       int
	neutralUs    int
	gainUsPerPct float64

	// lastPulseUs holds applied<<32 | pulseUs so readers never see a torn
	// pair. applied is 0 until the first successful hardware write.
	lastPulseUs atomic.Uint64
}

func newChannel(mc model.Channel) *Channel {
	return &Channel{
		id:           mc.ID,
		motionType:   mc.Type,
		rng:          mc.Range,
		backend:      mc.Backend,
		output:       mc.Output(),
		neutralUs:    mc.NeutralUs,
		gainUsPerPct: mc.GainUsPerPercent,
	}
}

// ID returns the channel identifier.
func (c *Channel) ID() string { return c.id }

// MotionType returns positional or continuous.
func (c *Channel) MotionType() model.MotionType { return c.motionType }

// Range returns the channel's value range.
func (c *Channel) Range() model.Range { return c.rng }

// Backend returns the pulse generating backend kind.
func (c *Channel) Backend() model.BackendKind { return c.backend }

// Output returns the backend-specific output index.
func (c *Channel) Output() int { return c.output }

// lastApplied returns the last pulse width that was confirmed written to the
// hardware. Returns false before the first successful write.
func (c *Channel) lastApplied() (int, bool) {
	v := c.lastPulseUs.Load()
	if v>>32 == 0 {
		return 0, false
	}
	return int(uint32(v)), true
}

func (c *Channel) setLastApplied(pulseUs int) {
	c.lastPulseUs.Store(1<<32 | uint64(uint32(pulseUs)))
}

// channelTable is an immutable view of the configured channels.
type channelTable struct {
	order []*Channel
	byID  map[string]*Channel
}

// Registry maps channel identifiers to their runtime state. Lookups are
// lock-free; Replace swaps the whole table on reconfiguration.
type Registry struct {
	table atomic.Value // *channelTable
}

// NewRegistry builds a registry from the configured channels.
func NewRegistry(channels []model.Channel) *Registry {
	r := &Registry{}
	r.Replace(channels)
	return r
}

// Replace swaps the channel table for the given configuration.
// Runtime state of existing channels is discarded.
func (r *Registry) Replace(channels []model.Channel) {
	t := &channelTable{
		byID: make(map[string]*Channel, len(channels)),
	}
	for _, mc := range channels {
		c := newChannel(mc)
		t.order = append(t.order, c)
		t.byID[c.id] = c
	}
	r.table.Store(t)
}

// Resolve returns the channel with the given identifier.
func (r *Registry) Resolve(id string) (*Channel, error) {
	t := r.table.Load().(*channelTable)
	c, found := t.byID[id]
	if !found {
		return nil, errors.Wrapf(model.NotFoundError, "channel '%s'", id)
	}
	return c, nil
}

// All returns the channels in configuration order.
func (r *Registry) All() []*Channel {
	t := r.table.Load().(*channelTable)
	return t.order
}
