// Package loss provides classification loss functions.
package loss

import (
	"strconv"

	"github.com/pkg/errors"
)

// ErrInvalidArgument is wrapped by every argument error in this package.
var ErrInvalidArgument = errors.New("invalid argument")

// BackwardInPlacer is an optional interface for loss functions that support
// in-place gradient computation to avoid allocations.
type BackwardInPlacer interface {
	BackwardInPlace(yPred, yTrue, grad []float64)
}

// Loss is a loss function with derivative.
type Loss interface {
	// Forward computes the loss between predicted and true values.
	Forward(yPred, yTrue []float64) float64

	// Backward computes the gradient of the loss w.r.t. prediction.
	// This creates a new slice and should be avoided in hot loops.
	Backward(yPred, yTrue []float64) []float64
}

// Reduction collapses a per-example loss vector.
// The zero value is ReductionMean.
type Reduction int

const (
	ReductionMean Reduction = iota
	ReductionNone
	ReductionSum
)

func (r Reduction) String() string {
	switch r {
	case ReductionNone:
		return "none"
	case ReductionMean:
		return "mean"
	case ReductionSum:
		return "sum"
	}
	return "Reduction(" + strconv.Itoa(int(r)) + ")"
}

// Valid reports whether r is one of the defined reductions.
func (r Reduction) Valid() bool {
	switch r {
	case ReductionNone, ReductionMean, ReductionSum:
		return true
	}
	return false
}

// ParseReduction maps "none", "mean" or "sum" to a Reduction.
func ParseReduction(s string) (Reduction, error) {
	switch s {
	case "none":
		return ReductionNone, nil
	case "mean":
		return ReductionMean, nil
	case "sum":
		return ReductionSum, nil
	}
	return 0, errors.Wrapf(ErrInvalidArgument, "%s is not allowed, only none, mean and sum are permitted", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Reduction) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, errors.Wrapf(ErrInvalidArgument, "reduction %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reduction) UnmarshalText(text []byte) error {
	v, err := ParseReduction(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
