package service

import (
	"testing"

	"github.com/armbotics/ServoWorker/model"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(testChannels())
	c, err := r.Resolve("arm")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.ID() != "arm" || c.Backend() != model.BackendSoftPWM || c.Output() != 5 {
		t.Errorf("resolved %s/%s/%d, want arm/softpwm/5", c.ID(), c.Backend(), c.Output())
	}
	if _, err := r.Resolve("nope"); !model.IsNotFound(err) {
		t.Errorf("got %v, want NotFoundError", err)
	}
}

func TestRegistryAllKeepsOrder(t *testing.T) {
	r := NewRegistry(testChannels())
	all := r.All()
	if len(all) != 2 || all[0].ID() != "arm" || all[1].ID() != "wheel" {
		t.Errorf("got %d channels, want configuration order arm, wheel", len(all))
	}
}

func TestRegistryReplaceDiscardsState(t *testing.T) {
	r := NewRegistry(testChannels())
	c, err := r.Resolve("arm")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	c.setLastApplied(1800)

	r.Replace(testChannels())
	c, err = r.Resolve("arm")
	if err != nil {
		t.Fatalf("Resolve after Replace: %v", err)
	}
	if _, applied := c.lastApplied(); applied {
		t.Error("runtime state survived Replace")
	}
}

func TestChannelLastApplied(t *testing.T) {
	c := newChannel(testChannels()[0])
	if _, applied := c.lastApplied(); applied {
		t.Fatal("fresh channel reports an applied pulse")
	}
	c.setLastApplied(1800)
	got, applied := c.lastApplied()
	if !applied || got != 1800 {
		t.Errorf("lastApplied = %d, %v, want 1800, true", got, applied)
	}
	// Width 0 is a valid applied state (disabled output).
	c.setLastApplied(0)
	got, applied = c.lastApplied()
	if !applied || got != 0 {
		t.Errorf("lastApplied = %d, %v, want 0, true", got, applied)
	}
}
