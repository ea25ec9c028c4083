package service

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/armbotics/ServoWorker/model"
	"github.com/armbotics/ServoWorker/pkg/pulse"
	"github.com/armbotics/ServoWorker/service/devices"
)

type pulseWrite struct {
	output  int
	pulseUs int
}

// fakeOutput records pulse writes in place of a hardware backend.
type fakeOutput struct {
	mutex         sync.Mutex
	writes        []pulseWrite
	configured    bool
	closed        bool
	failWrite     bool
	failConfigure bool
	// blockOn, when set, stalls every write until the channel is closed;
	// entered signals that a write reached the stall.
	blockOn chan struct{}
	entered chan struct{}
}

func (o *fakeOutput) Configure(ctx context.Context) error {
	if o.failConfigure {
		return errors.Wrap(model.HardwareUnavailableError, "configure failed")
	}
	o.configured = true
	return nil
}

func (o *fakeOutput) Close() error {
	o.closed = true
	return nil
}

func (o *fakeOutput) SetPulseUs(ctx context.Context, output int, pulseUs int) error {
	if o.blockOn != nil {
		select {
		case o.entered <- struct{}{}:
		default:
		}
		<-o.blockOn
	}
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.failWrite {
		return errors.Wrap(model.HardwareWriteError, "write failed")
	}
	o.writes = append(o.writes, pulseWrite{output: output, pulseUs: pulseUs})
	return nil
}

func (o *fakeOutput) lastWrite(t *testing.T) pulseWrite {
	t.Helper()
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if len(o.writes) == 0 {
		t.Fatal("no writes recorded")
	}
	return o.writes[len(o.writes)-1]
}

func (o *fakeOutput) writeCount() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return len(o.writes)
}

func (o *fakeOutput) allWrites() []pulseWrite {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([]pulseWrite(nil), o.writes...)
}

var testBounds = pulse.Bounds{MinUs: 500, MaxUs: 2500, AngleOffset: 90, AngleSpan: 180}

func testChannels() []model.Channel {
	return []model.Channel{
		{
			ID:      "arm",
			Type:    model.MotionPositional,
			Range:   model.Range{Min: -80, Max: 45},
			Backend: model.BackendSoftPWM,
			Chip:    "gpiochip3",
			Line:    5,
		},
		{
			ID:               "wheel",
			Type:             model.MotionContinuous,
			Range:            model.Range{Min: -100, Max: 100},
			Backend:          model.BackendExpander,
			Channel:          2,
			NeutralUs:        1500,
			GainUsPerPercent: 10,
		},
	}
}

// newTestService builds a service on fake outputs, one per backend kind.
func newTestService(t *testing.T, channels []model.Channel) (Service, map[model.BackendKind]*fakeOutput) {
	t.Helper()
	outputs := make(map[model.BackendKind]*fakeOutput)
	builder := func(kind model.BackendKind) (devices.Output, error) {
		o := &fakeOutput{}
		outputs[kind] = o
		return o, nil
	}
	svc := NewService(Config{
		Bounds:      testBounds,
		SmoothSteps: 4,
		StepDelay:   time.Nanosecond,
		SettleDelay: time.Nanosecond,
		Channels:    channels,
	}, Dependencies{
		Log:     zerolog.Nop(),
		Outputs: builder,
	})
	return svc, outputs
}

func TestEnsureInitializedDrivesRestPositions(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	if err := svc.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	soft := outputs[model.BackendSoftPWM]
	if !soft.configured {
		t.Error("softpwm backend not configured")
	}
	// Positional channels start centered, continuous ones at neutral.
	if got := soft.lastWrite(t); got != (pulseWrite{output: 5, pulseUs: 1500}) {
		t.Errorf("arm rest write %+v, want 1500us on line 5", got)
	}
	if got := outputs[model.BackendExpander].lastWrite(t); got != (pulseWrite{output: 2, pulseUs: 1500}) {
		t.Errorf("wheel rest write %+v, want 1500us on channel 2", got)
	}
}

func TestMovePositionalClampsToRange(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	result, err := svc.Move(context.Background(), "arm", 90, false)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if !result.WasClamped || result.AppliedValue != 45 {
		t.Errorf("result %+v, want clamp to 45", result)
	}
	want := pulseWrite{output: 5, pulseUs: pulse.AngleToPulseUs(45, testBounds)}
	if got := outputs[model.BackendSoftPWM].lastWrite(t); got != want {
		t.Errorf("last write %+v, want %+v", got, want)
	}
}

func TestMoveContinuousRejectsOutOfRange(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	if _, err := svc.Move(context.Background(), "wheel", 150, false); !model.IsValidation(err) {
		t.Fatalf("got %v, want ValidationError", err)
	}
	// The rejected move must not have touched the hardware.
	if got := outputs[model.BackendExpander].lastWrite(t); got.pulseUs != 1500 {
		t.Errorf("pulse %d after rejected move, want neutral 1500", got.pulseUs)
	}

	result, err := svc.Move(context.Background(), "wheel", 100, false)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if result.AppliedValue != 100 || result.WasClamped {
		t.Errorf("result %+v, want full speed unclamped", result)
	}
	if got := outputs[model.BackendExpander].lastWrite(t); got.pulseUs != 2500 {
		t.Errorf("pulse %d, want 2500", got.pulseUs)
	}
}

func TestMoveUnknownChannel(t *testing.T) {
	svc, _ := newTestService(t, testChannels())
	if _, err := svc.Move(context.Background(), "nope", 0, false); !model.IsNotFound(err) {
		t.Errorf("got %v, want NotFoundError", err)
	}
}

func TestMoveSmoothRampsThroughIntermediates(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	if err := svc.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	soft := outputs[model.BackendSoftPWM]
	before := soft.writeCount()

	if _, err := svc.Move(context.Background(), "arm", 45, true); err != nil {
		t.Fatalf("Move: %v", err)
	}
	writes := soft.writes[before:]
	// 4 steps from rest (1500us) to 45 degrees (2000us).
	want := []pulseWrite{
		{output: 5, pulseUs: 1625},
		{output: 5, pulseUs: 1750},
		{output: 5, pulseUs: 1875},
		{output: 5, pulseUs: 2000},
	}
	if len(writes) != len(want) {
		t.Fatalf("got %d writes %v, want %v", len(writes), writes, want)
	}
	for i := range want {
		if writes[i] != want[i] {
			t.Errorf("write %d = %+v, want %+v", i, writes[i], want[i])
		}
	}
}

func TestConcurrentMovesOnSameChannelSerialize(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	if err := svc.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	soft := outputs[model.BackendSoftPWM]
	base := soft.writeCount()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Move(context.Background(), "arm", 45, true)
		done <- err
	}()
	// Wait until the first ramp holds the channel.
	for soft.writeCount() == base {
		time.Sleep(time.Millisecond)
	}
	// The competing move waits on the channel mutex and ramps from
	// wherever the first move landed.
	if _, err := svc.Move(context.Background(), "arm", -80, true); err != nil {
		t.Fatalf("second Move: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first Move: %v", err)
	}

	writes := soft.allWrites()[base:]
	want := []pulseWrite{
		// First ramp: rest (1500us) to 45 degrees (2000us).
		{output: 5, pulseUs: 1625},
		{output: 5, pulseUs: 1750},
		{output: 5, pulseUs: 1875},
		{output: 5, pulseUs: 2000},
		// Second ramp starts from the first ramp's final pulse.
		{output: 5, pulseUs: 1653},
		{output: 5, pulseUs: 1305},
		{output: 5, pulseUs: 958},
		{output: 5, pulseUs: 611},
	}
	if !reflect.DeepEqual(writes, want) {
		t.Errorf("writes\n got: %v\nwant: %v", writes, want)
	}
}

func TestMovesOnDifferentChannelsRunInParallel(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	if err := svc.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	arm := outputs[model.BackendSoftPWM]
	arm.blockOn = make(chan struct{})
	arm.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Move(context.Background(), "arm", 30, false)
		done <- err
	}()
	<-arm.entered

	// The wheel move completes while the arm write is still stalled.
	if _, err := svc.Move(context.Background(), "wheel", 50, false); err != nil {
		t.Fatalf("wheel Move: %v", err)
	}
	if got := outputs[model.BackendExpander].lastWrite(t); got.pulseUs != 2000 {
		t.Errorf("wheel pulse %d, want 2000", got.pulseUs)
	}

	close(arm.blockOn)
	if err := <-done; err != nil {
		t.Fatalf("arm Move: %v", err)
	}
}

func TestMoveWriteFailureKeepsLastApplied(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	if err := svc.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	outputs[model.BackendSoftPWM].failWrite = true
	if _, err := svc.Move(context.Background(), "arm", 30, false); !model.IsHardwareWrite(err) {
		t.Fatalf("got %v, want HardwareWriteError", err)
	}
	// Status still reports the rest position, not the failed target.
	statuses, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	arm := findStatus(t, statuses, "arm")
	if arm.CurrentValue == nil || *arm.CurrentValue != 0 {
		t.Errorf("arm status %+v, want current value 0", arm)
	}
}

func TestMoveRaw(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	if err := svc.MoveRaw(context.Background(), "arm", 100); err != nil {
		t.Fatalf("MoveRaw: %v", err)
	}
	// Nonzero widths clamp to the device-safe window.
	if got := outputs[model.BackendSoftPWM].lastWrite(t); got.pulseUs != 500 {
		t.Errorf("pulse %d, want clamp at 500", got.pulseUs)
	}
	// Zero disables the output and passes through unclamped.
	if err := svc.MoveRaw(context.Background(), "arm", 0); err != nil {
		t.Fatalf("MoveRaw: %v", err)
	}
	if got := outputs[model.BackendSoftPWM].lastWrite(t); got.pulseUs != 0 {
		t.Errorf("pulse %d, want 0", got.pulseUs)
	}
}

func TestCenterAll(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	if _, err := svc.Move(context.Background(), "arm", 40, false); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if _, err := svc.Move(context.Background(), "wheel", 80, false); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if err := svc.CenterAll(context.Background()); err != nil {
		t.Fatalf("CenterAll: %v", err)
	}
	if got := outputs[model.BackendSoftPWM].lastWrite(t); got.pulseUs != 1500 {
		t.Errorf("arm pulse %d, want centered 1500", got.pulseUs)
	}
	if got := outputs[model.BackendExpander].lastWrite(t); got.pulseUs != 1500 {
		t.Errorf("wheel pulse %d, want neutral 1500", got.pulseUs)
	}
}

func TestStatusBeforeFirstWrite(t *testing.T) {
	svc, _ := newTestService(t, testChannels())
	statuses, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, status := range statuses {
		if status.CurrentValue != nil {
			t.Errorf("channel %s reports %d before any write", status.ChannelID, *status.CurrentValue)
		}
	}
}

func TestStatusReportsLogicalValues(t *testing.T) {
	svc, _ := newTestService(t, testChannels())
	if _, err := svc.Move(context.Background(), "arm", 30, false); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if _, err := svc.Move(context.Background(), "wheel", -40, false); err != nil {
		t.Fatalf("Move: %v", err)
	}
	statuses, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	arm := findStatus(t, statuses, "arm")
	if arm.CurrentValue == nil || *arm.CurrentValue != 30 {
		t.Errorf("arm status %+v, want 30", arm)
	}
	wheel := findStatus(t, statuses, "wheel")
	if wheel.CurrentValue == nil || *wheel.CurrentValue != -40 {
		t.Errorf("wheel status %+v, want -40", wheel)
	}
}

func TestRunSequence(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	steps := []model.SequenceStep{
		{Channel: "arm", Value: 30},
		{Channel: "arm", Value: -30},
	}
	if err := svc.RunSequence(context.Background(), steps); err != nil {
		t.Fatalf("RunSequence: %v", err)
	}
	// Everything is centered at the end.
	if got := outputs[model.BackendSoftPWM].lastWrite(t); got.pulseUs != 1500 {
		t.Errorf("arm pulse %d after sequence, want centered 1500", got.pulseUs)
	}

	bad := []model.SequenceStep{{Channel: "nope", Value: 0}}
	if err := svc.RunSequence(context.Background(), bad); !model.IsNotFound(err) {
		t.Errorf("got %v, want NotFoundError for unknown sequence channel", err)
	}
}

func TestRunSequenceDefaultsToConfigured(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	s := svc.(*service)
	s.Sequence = []model.SequenceStep{{Channel: "arm", Value: 20}}
	if err := svc.RunSequence(context.Background(), nil); err != nil {
		t.Fatalf("RunSequence: %v", err)
	}
	soft := outputs[model.BackendSoftPWM]
	found := false
	for _, w := range soft.writes {
		if w.pulseUs == pulse.AngleToPulseUs(20, testBounds) {
			found = true
		}
	}
	if !found {
		t.Error("configured sequence step was never written")
	}
}

func TestReconfigureRebuildsBackends(t *testing.T) {
	svc, outputs := newTestService(t, testChannels())
	if err := svc.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	firstSoft := outputs[model.BackendSoftPWM]

	cfg := model.Config{Channels: []model.Channel{{
		ID:      "claw",
		Type:    model.MotionPositional,
		Range:   model.Range{Min: -45, Max: 45},
		Backend: model.BackendSoftPWM,
		Chip:    "gpiochip3",
		Line:    7,
	}}}
	cfg.SetDefaults()
	if err := svc.Reconfigure(context.Background(), cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if !firstSoft.closed {
		t.Error("old backend not closed")
	}
	if _, err := svc.Move(context.Background(), "arm", 0, false); !model.IsNotFound(err) {
		t.Errorf("old channel survived reconfiguration: %v", err)
	}
	if _, err := svc.Move(context.Background(), "claw", 10, false); err != nil {
		t.Fatalf("Move on new channel: %v", err)
	}
	if got := outputs[model.BackendSoftPWM].lastWrite(t); got.output != 7 {
		t.Errorf("write went to output %d, want 7", got.output)
	}
}

func TestEnsureInitializedUnavailableBackend(t *testing.T) {
	outputs := make(map[model.BackendKind]*fakeOutput)
	builder := func(kind model.BackendKind) (devices.Output, error) {
		o := &fakeOutput{failConfigure: true}
		outputs[kind] = o
		return o, nil
	}
	svc := NewService(Config{
		Bounds:      testBounds,
		SettleDelay: time.Nanosecond,
		Channels:    testChannels(),
	}, Dependencies{Log: zerolog.Nop(), Outputs: builder})

	if err := svc.EnsureInitialized(context.Background()); !model.IsHardwareUnavailable(err) {
		t.Fatalf("got %v, want HardwareUnavailableError", err)
	}
	// Partially built backends must be closed again.
	for kind, o := range outputs {
		if !o.closed {
			t.Errorf("backend %s left open after failed initialization", kind)
		}
	}
}

func findStatus(t *testing.T, statuses []ChannelStatus, id string) ChannelStatus {
	t.Helper()
	for _, status := range statuses {
		if status.ChannelID == id {
			return status
		}
	}
	t.Fatalf("no status for channel %s", id)
	return ChannelStatus{}
}
