package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/vggtrain/layers"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// GetLR is pure so a resumed run recomputes the same rate from the step.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// ScheduleConfig selects an LRScheduler.
type ScheduleConfig struct {
	Type       string  `yaml:"type"` // exponential, step, cosine, plateau, constant
	Gamma      float64 `yaml:"gamma"`
	StepSize   int     `yaml:"step_size"`   // epochs between step decays
	DecaySteps int     `yaml:"decay_steps"` // steps per exponential decay, 0 = per epoch
	Staircase  bool    `yaml:"staircase"`
	EtaMin     float64 `yaml:"eta_min"`
	Patience   int     `yaml:"patience"`
}

// NewScheduler builds the scheduler named by config.Type. maxEpochs bounds
// the cosine schedule; task sets which way the plateau schedule's
// validation metric improves.
func NewScheduler(config ScheduleConfig, maxEpochs int, task layers.Task) (LRScheduler, error) {
	switch strings.ToLower(config.Type) {
	case "", "exponential":
		s := NewExponentialLRScheduler(config.Gamma)
		s.DecaySteps = config.DecaySteps
		s.Staircase = config.Staircase
		return s, nil
	case "step":
		return NewStepLRScheduler(config.StepSize, config.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(maxEpochs, config.EtaMin), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(config.Gamma, config.Patience, 1e-4, PlateauMode(task)), nil
	case "constant", "none":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown learning rate schedule %q", config.Type)
	}
}

// PlateauMode is "max" for accuracy and "min" for reconstruction error.
func PlateauMode(task layers.Task) string {
	if task == layers.Reconstruction {
		return "min"
	}
	return "max"
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays the learning rate by Gamma once per epoch,
// or once per DecaySteps steps when DecaySteps is set. Staircase rounds the
// exponent down so the rate changes in discrete jumps.
type ExponentialLRScheduler struct {
	Gamma      float64
	DecaySteps int
	Staircase  bool
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.DecaySteps <= 0 {
		return baseLR * math.Pow(s.Gamma, float64(epoch))
	}
	p := float64(step) / float64(s.DecaySteps)
	if s.Staircase {
		p = math.Floor(p)
	}
	return baseLR * math.Pow(s.Gamma, p)
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when the validation metric has
// stopped improving. Its state is not checkpointed; a resumed run starts
// again from the base rate.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step records one epoch's validation metric and returns the new rate.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
