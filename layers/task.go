package layers

import (
	"fmt"
	"strings"
)

// Task is the capability a model is trained and evaluated for. It is fixed
// when the model is configured and selects the evaluation statistic.
type Task int

const (
	// Classification models emit class scores; evaluation reports top-1 accuracy.
	Classification Task = iota
	// Reconstruction models emit an image; evaluation reports the mean loss.
	Reconstruction
)

func (t Task) String() string {
	switch t {
	case Classification:
		return "classification"
	case Reconstruction:
		return "reconstruction"
	default:
		return fmt.Sprintf("Task(%d)", int(t))
	}
}

// Metric names the statistic produced when evaluating a model of this task.
func (t Task) Metric() string {
	if t == Reconstruction {
		return "error"
	}
	return "accuracy"
}

// ParseTask accepts the names produced by String.
func ParseTask(s string) (Task, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "classification", "classifier":
		return Classification, nil
	case "reconstruction", "autoencoder":
		return Reconstruction, nil
	default:
		return 0, fmt.Errorf("unknown task %q", s)
	}
}
