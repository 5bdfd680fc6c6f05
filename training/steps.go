package training

import "math"

// StepsPerEpoch is ceil(numExamples / batchSize).
func StepsPerEpoch(numExamples, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (numExamples + batchSize - 1) / batchSize
}

// MaxSteps is the total number of loop steps for epochs full epochs.
func MaxSteps(stepsPerEpoch, epochs int) int {
	return stepsPerEpoch * epochs
}

// IsEpochEnd reports whether loop step closes an epoch: a multiple of
// stepsPerEpoch other than zero, or the last step of the run.
func IsEpochEnd(step, stepsPerEpoch, maxSteps int) bool {
	return (step > 0 && step%stepsPerEpoch == 0) || step+1 == maxSteps
}

// KeepProbDecay lowers the dropout keep probability by decayRate every
// decaySteps global steps, never below minKeepProb. decaySteps <= 0
// disables the decay.
func KeepProbDecay(keepProb, minKeepProb float32, globalStep, decaySteps int, decayRate float32) float32 {
	if decaySteps <= 0 {
		return keepProb
	}
	kp := keepProb - float32(math.Floor(float64(globalStep)/float64(decaySteps)))*decayRate
	if kp < minKeepProb {
		return minKeepProb
	}
	return kp
}
