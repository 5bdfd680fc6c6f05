package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidInputType is returned for a split selector that names no split.
var ErrInvalidInputType = errors.New("invalid input type")

// InputType selects a data split.
type InputType int

const (
	Train InputType = iota
	Validation
	Test
)

func (t InputType) String() string {
	switch t {
	case Train:
		return "train"
	case Validation:
		return "validation"
	case Test:
		return "test"
	default:
		return fmt.Sprintf("InputType(%d)", int(t))
	}
}

// Check reports ErrInvalidInputType for values outside the known splits.
func (t InputType) Check() error {
	switch t {
	case Train, Validation, Test:
		return nil
	}
	return fmt.Errorf("%w: %d", ErrInvalidInputType, int(t))
}

func ParseInputType(s string) (InputType, error) {
	switch strings.ToLower(s) {
	case "train":
		return Train, nil
	case "validation", "val":
		return Validation, nil
	case "test":
		return Test, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidInputType, s)
}
