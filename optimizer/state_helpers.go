package optimizer

import (
	"fmt"

	"github.com/tsawler/vggtrain/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies a single buffer's state into a checkpoint tensor.
func extractBufferState(buffer []float32, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(data)},
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpointed data back into a buffer.
func restoreBufferState(buffer []float32, data []float32, name string) error {
	if buffer == nil {
		return fmt.Errorf("%s buffer is nil", name)
	}
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// restoreIndexed routes each state tensor of stateType to buffers[index].
func restoreIndexed(state *checkpoints.OptimizerState, stateType string, buffers [][]float32) error {
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if err := restoreBufferState(buffers[idx], t.Data, t.Name); err != nil {
			return err
		}
	}
	return nil
}

// Hyperparameters survive either codec: gob keeps the concrete Go type,
// JSON turns every number into float64.

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float32:
		return val
	case float64:
		return float32(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case uint64:
		return val
	case int:
		return uint64(val)
	case int64:
		return uint64(val)
	case float64:
		return uint64(val)
	}
	return defaultValue
}

func allocBuffers(sizes []int) [][]float32 {
	buffers := make([][]float32, len(sizes))
	for i, size := range sizes {
		buffers[i] = make([]float32, size)
	}
	return buffers
}
