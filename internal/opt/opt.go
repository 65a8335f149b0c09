// Package opt provides optimization algorithms.
package opt

import "math"

// Optimizer updates model parameters based on gradients.
type Optimizer interface {
	// Step computes updated parameters: params - lr * gradients
	// Returns a new slice with updated values
	Step(params, gradients []float64) []float64

	// StepInPlace updates params in-place
	StepInPlace(params, gradients []float64)

	// State exposes hyper-parameters such as "LearningRate" to schedulers.
	State() map[string]interface{}
	SetState(state map[string]interface{})
}

// SGD (Stochastic Gradient Descent) optimizer.
type SGD struct {
	LearningRate float64
}

// Step computes updated parameters: params - lr * gradients
func (s *SGD) Step(params, gradients []float64) []float64 {
	result := make([]float64, len(params))
	copy(result, params)
	s.StepInPlace(result, gradients)
	return result
}

// StepInPlace updates params in-place: params = params - lr * gradients
func (s *SGD) StepInPlace(params, gradients []float64) {
	if len(params) != len(gradients) {
		panic("SGD: params and gradients must have same length")
	}
	for i := range params {
		params[i] -= s.LearningRate * gradients[i]
	}
}

func (s *SGD) State() map[string]interface{} {
	return map[string]interface{}{"LearningRate": s.LearningRate}
}

func (s *SGD) SetState(state map[string]interface{}) {
	if lr, ok := state["LearningRate"].(float64); ok {
		s.LearningRate = lr
	}
}

// Adam optimizer for faster convergence.
type Adam struct {
	LearningRate float64
	Beta1        float64 // Exponential decay rate for first moment
	Beta2        float64 // Exponential decay rate for second moment
	Epsilon      float64 // Small constant for numerical stability

	m, v []float64
	t    int
}

// NewAdam creates a new Adam optimizer with default values.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Step computes updated parameters using Adam.
func (a *Adam) Step(params, gradients []float64) []float64 {
	result := make([]float64, len(params))
	copy(result, params)
	a.StepInPlace(result, gradients)
	return result
}

// StepInPlace updates params in-place using bias-corrected moments.
// Moment state is tied to the parameter vector length and restarts if it
// changes.
func (a *Adam) StepInPlace(params, gradients []float64) {
	if len(params) != len(gradients) {
		panic("Adam: params and gradients must have same length")
	}
	if len(a.m) != len(params) {
		a.m = make([]float64, len(params))
		a.v = make([]float64, len(params))
		a.t = 0
	}
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, g := range gradients {
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*g
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*g*g
		mHat := a.m[i] / c1
		vHat := a.v[i] / c2
		params[i] -= a.LearningRate * mHat / (math.Sqrt(vHat) + a.Epsilon)
	}
}

func (a *Adam) State() map[string]interface{} {
	return map[string]interface{}{
		"LearningRate": a.LearningRate,
		"Beta1":        a.Beta1,
		"Beta2":        a.Beta2,
		"Epsilon":      a.Epsilon,
		"Steps":        a.t,
	}
}

func (a *Adam) SetState(state map[string]interface{}) {
	if lr, ok := state["LearningRate"].(float64); ok {
		a.LearningRate = lr
	}
	if b, ok := state["Beta1"].(float64); ok {
		a.Beta1 = b
	}
	if b, ok := state["Beta2"].(float64); ok {
		a.Beta2 = b
	}
	if e, ok := state["Epsilon"].(float64); ok {
		a.Epsilon = e
	}
}

// LearningRate reads the current learning rate of any optimizer.
func LearningRate(o Optimizer) float64 {
	if lr, ok := o.State()["LearningRate"].(float64); ok {
		return lr
	}
	return 0
}
