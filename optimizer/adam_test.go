package optimizer

import (
	"math"
	"testing"
)

func TestDefaultAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()
	if config.LearningRate != 0.001 || config.Beta1 != 0.9 || config.Beta2 != 0.999 {
		t.Errorf("Unexpected defaults: %+v", config)
	}
}

// The first Adam step moves each weight by roughly lr in the direction
// opposite to its gradient, regardless of the gradient's magnitude.
func TestAdamFirstStep(t *testing.T) {
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []int{3})
	if err != nil {
		t.Fatalf("Failed to create Adam optimizer: %v", err)
	}
	w := [][]float32{{0, 0, 0}}
	g := [][]float32{{10, -0.01, 3}}
	if err := adam.Step(w, g); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	want := []float32{-0.001, 0.001, -0.001}
	for i := range want {
		if math.Abs(float64(w[0][i]-want[i])) > 1e-5 {
			t.Errorf("w[%d] = %f, want %f", i, w[0][i], want[i])
		}
	}
}

func TestAdamInvalidBetas(t *testing.T) {
	config := DefaultAdamConfig()
	config.Beta1 = 1
	if _, err := NewAdamOptimizer(config, []int{1}); err == nil {
		t.Error("Expected error for beta1 = 1")
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	adam, _ := NewAdamOptimizer(DefaultAdamConfig(), []int{2, 1})
	w := [][]float32{{1, 2}, {3}}
	g := [][]float32{{0.5, -0.5}, {1}}
	for i := 0; i < 3; i++ {
		adam.Step(w, g)
	}
	state, err := adam.GetState()
	if err != nil {
		t.Fatal(err)
	}
	if len(state.StateData) != 4 {
		t.Fatalf("Expected 4 state tensors, got %d", len(state.StateData))
	}

	restored, _ := NewAdamOptimizer(DefaultAdamConfig(), []int{2, 1})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 3 {
		t.Errorf("Expected step count 3, got %d", restored.GetStepCount())
	}

	// Both copies must take the identical next step.
	w2 := [][]float32{append([]float32(nil), w[0]...), append([]float32(nil), w[1]...)}
	adam.Step(w, g)
	restored.Step(w2, g)
	for i := range w {
		for j := range w[i] {
			if w[i][j] != w2[i][j] {
				t.Errorf("tensor %d[%d]: original %f, restored %f", i, j, w[i][j], w2[i][j])
			}
		}
	}
}
