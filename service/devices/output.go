package devices

import "context"

// Output is the capability shared by all pulse generating backends: set the
// pulse width for one of the device's outputs.
type Output interface {
	Device
	// SetPulseUs sets the pulse width, in microseconds, of the output with
	// the given backend-specific index.
	SetPulseUs(ctx context.Context, output int, pulseUs int) error
}
