package training

import "testing"

func TestStepsPerEpoch(t *testing.T) {
	tests := []struct {
		examples, batch, want int
	}{
		{50000, 128, 391},
		{10000, 200, 50},
		{100, 10, 10},
		{101, 10, 11},
		{1, 128, 1},
	}
	for _, tt := range tests {
		if got := StepsPerEpoch(tt.examples, tt.batch); got != tt.want {
			t.Errorf("StepsPerEpoch(%d, %d) = %d, want %d", tt.examples, tt.batch, got, tt.want)
		}
	}
	if MaxSteps(391, 300) != 117300 {
		t.Errorf("MaxSteps(391, 300) = %d", MaxSteps(391, 300))
	}
}

func TestIsEpochEnd(t *testing.T) {
	var ends []int
	for step := 0; step < 25; step++ {
		if IsEpochEnd(step, 10, 25) {
			ends = append(ends, step)
		}
	}
	want := []int{10, 20, 24}
	if len(ends) != len(want) {
		t.Fatalf("epoch ends = %v, want %v", ends, want)
	}
	for i := range want {
		if ends[i] != want[i] {
			t.Errorf("epoch ends = %v, want %v", ends, want)
		}
	}
}

func TestKeepProbDecay(t *testing.T) {
	tests := []struct {
		step int
		want float32
	}{
		{0, 0.9},
		{99, 0.9},
		{100, 0.8},
		{250, 0.7},
		{1000, 0.5},
	}
	for _, tt := range tests {
		got := KeepProbDecay(0.9, 0.5, tt.step, 100, 0.1)
		if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("step %d: keep prob %f, want %f", tt.step, got, tt.want)
		}
	}
	if got := KeepProbDecay(0.9, 0.5, 1000, 0, 0.1); got != 0.9 {
		t.Errorf("disabled decay changed keep prob to %f", got)
	}
}
