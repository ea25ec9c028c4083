package pulse

import "testing"

var testBounds = Bounds{
	MinUs:       500,
	MaxUs:       2500,
	AngleOffset: 90,
	AngleSpan:   180,
}

func TestAngleToPulseUs(t *testing.T) {
	tests := []struct {
		angle  int
		wantUs int
	}{
		{-90, 500},
		{0, 1500},
		{90, 2500},
		{45, 2000},
		{-45, 1000},
		// Outside the span the output clamps to the window.
		{180, 2500},
		{-180, 500},
	}
	for _, tc := range tests {
		if got := AngleToPulseUs(tc.angle, testBounds); got != tc.wantUs {
			t.Errorf("AngleToPulseUs(%d) = %d, want %d", tc.angle, got, tc.wantUs)
		}
	}
}

func TestPulseUsToAngleRoundTrip(t *testing.T) {
	for angle := -90; angle <= 90; angle++ {
		pulseUs := AngleToPulseUs(angle, testBounds)
		got := PulseUsToAngle(pulseUs, testBounds)
		if diff := got - angle; diff < -1 || diff > 1 {
			t.Errorf("round trip of %d degrees came back as %d", angle, got)
		}
	}
}

func TestSpeedToPulseUs(t *testing.T) {
	tests := []struct {
		speedPct int
		wantUs   int
	}{
		{0, 1500},
		{100, 2500},
		{-100, 500},
		{50, 2000},
		{-25, 1250},
	}
	for _, tc := range tests {
		if got := SpeedToPulseUs(tc.speedPct, 1500, 10, testBounds); got != tc.wantUs {
			t.Errorf("SpeedToPulseUs(%d) = %d, want %d", tc.speedPct, got, tc.wantUs)
		}
	}
}

func TestSpeedToPulseUsClampsToWindow(t *testing.T) {
	// Neutral close to the window edge: full reverse must not go below MinUs.
	if got := SpeedToPulseUs(-100, 1000, 10, testBounds); got != 500 {
		t.Errorf("got %d, want clamp at 500", got)
	}
}

func TestFrequencyToPrescaler(t *testing.T) {
	tests := []struct {
		freqHz int
		want   byte
	}{
		{50, 121},
		{24, 253},
		{60, 101},
		{1526, 3},
	}
	for _, tc := range tests {
		got, err := FrequencyToPrescaler(tc.freqHz)
		if err != nil {
			t.Fatalf("FrequencyToPrescaler(%d): %v", tc.freqHz, err)
		}
		if got != tc.want {
			t.Errorf("FrequencyToPrescaler(%d) = %d, want %d", tc.freqHz, got, tc.want)
		}
	}
}

func TestFrequencyToPrescalerRange(t *testing.T) {
	for _, freqHz := range []int{0, 23, 1527, -50} {
		if _, err := FrequencyToPrescaler(freqHz); !IsFrequencyRange(err) {
			t.Errorf("FrequencyToPrescaler(%d) = %v, want FrequencyRangeError", freqHz, err)
		}
	}
}

func TestMicrosecondsToTicks(t *testing.T) {
	tests := []struct {
		pulseUs int
		freqHz  int
		want    int
	}{
		{1500, 50, 307},
		{0, 50, 0},
		{-10, 50, 0},
		// A full period overflows the 12-bit counter and clamps.
		{20000, 50, 4095},
		{500, 50, 102},
		{2500, 50, 512},
	}
	for _, tc := range tests {
		if got := MicrosecondsToTicks(tc.pulseUs, tc.freqHz); got != tc.want {
			t.Errorf("MicrosecondsToTicks(%d, %d) = %d, want %d", tc.pulseUs, tc.freqHz, got, tc.want)
		}
	}
}
