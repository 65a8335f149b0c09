package loss

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/FlavioCFOliveira/cbfocal/internal/device"
)

const (
	DefaultBeta  = 0.99
	DefaultGamma = 2.0
)

// CBFocalLoss is the class-balanced focal loss (Cui et al., 2019).
//
// Each example contributes
//
//	loss[i] = -w[y] * (1 - p[i,y])^gamma * log p[i,y]
//
// where p is the row-wise softmax of the scores, y the true class and
// w[c] = (1 - beta) / (1 - beta^n[c]) the effective-number weight of a class
// seen n[c] times.
type CBFocalLoss struct {
	counts    []int
	beta      float64
	gamma     float64
	reduction Reduction
	stable    bool
	floor     float64

	weights *device.Resident
}

// Option configures a CBFocalLoss.
type Option func(*CBFocalLoss)

// WithBeta sets the effective-number discount, in [0, 1).
func WithBeta(beta float64) Option {
	return func(l *CBFocalLoss) { l.beta = beta }
}

// WithGamma sets the focusing exponent, >= 0.
func WithGamma(gamma float64) Option {
	return func(l *CBFocalLoss) { l.gamma = gamma }
}

// WithReduction sets how the per-example vector is collapsed.
func WithReduction(r Reduction) Option {
	return func(l *CBFocalLoss) { l.reduction = r }
}

// WithStableLogSoftmax computes log-probabilities as z - logsumexp(z)
// instead of taking the log of the softmax. Results differ from the plain
// formula only where the softmax underflows to zero: there the loss stays
// finite instead of becoming +Inf.
func WithStableLogSoftmax(stable bool) Option {
	return func(l *CBFocalLoss) { l.stable = stable }
}

// WithProbabilityFloor clamps the true-class probability to at least floor
// before taking its log. Zero disables clamping. Clamped examples contribute
// no gradient.
func WithProbabilityFloor(floor float64) Option {
	return func(l *CBFocalLoss) { l.floor = floor }
}

// NewCBFocalLoss creates a class-balanced focal loss for the given per-class
// sample counts. Defaults: beta 0.99, gamma 2, mean reduction.
func NewCBFocalLoss(counts []int, opts ...Option) (*CBFocalLoss, error) {
	l := &CBFocalLoss{
		counts:    append([]int(nil), counts...),
		beta:      DefaultBeta,
		gamma:     DefaultGamma,
		reduction: ReductionMean,
	}
	for _, opt := range opts {
		opt(l)
	}

	if !l.reduction.Valid() {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s is not allowed, only none, mean and sum are permitted", l.reduction)
	}
	if math.IsNaN(l.gamma) || l.gamma < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "gamma must be >= 0 (got %v)", l.gamma)
	}
	if math.IsNaN(l.floor) || l.floor < 0 || l.floor >= 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "probability floor must be in [0, 1) (got %v)", l.floor)
	}

	w, err := ClassWeights(l.counts, l.beta)
	if err != nil {
		return nil, err
	}
	l.weights = device.NewResident(w)
	return l, nil
}

// ClassWeights returns (1 - beta) / (1 - beta^n) for every class count n.
// Rarer classes get larger weights for any beta in (0, 1); beta 0 gives
// uniform weights of 1.
func ClassWeights(counts []int, beta float64) ([]float64, error) {
	if len(counts) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "at least one class count is required")
	}
	if math.IsNaN(beta) || beta < 0 || beta >= 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "beta must be in [0, 1) (got %v)", beta)
	}
	w := make([]float64, len(counts))
	for c, n := range counts {
		if n < 1 {
			return nil, errors.Wrapf(ErrInvalidArgument, "class %d: count must be >= 1 (got %d)", c, n)
		}
		w[c] = (1 - beta) / (1 - math.Pow(beta, float64(n)))
	}
	return w, nil
}

// NumClasses returns the number of classes C.
func (l *CBFocalLoss) NumClasses() int { return len(l.counts) }

// Counts returns a copy of the per-class sample counts.
func (l *CBFocalLoss) Counts() []int { return append([]int(nil), l.counts...) }

func (l *CBFocalLoss) Beta() float64 { return l.beta }

func (l *CBFocalLoss) Gamma() float64 { return l.gamma }

func (l *CBFocalLoss) Reduction() Reduction { return l.reduction }

// StableLogSoftmax reports whether log p comes from the fused log-softmax.
func (l *CBFocalLoss) StableLogSoftmax() bool { return l.stable }

func (l *CBFocalLoss) ProbabilityFloor() float64 { return l.floor }

// Weights returns a copy of the per-class weights.
func (l *CBFocalLoss) Weights() []float64 {
	return append([]float64(nil), l.weights.Host()...)
}

// Compute evaluates the loss on scores [N, C] against labels [N] using the
// default device. With ReductionNone the result has length N; with
// ReductionMean or ReductionSum it has length 1.
func (l *CBFocalLoss) Compute(scores mat.Matrix, labels []int) (*mat.VecDense, error) {
	return l.ComputeOn(device.Default(), scores, labels)
}

// ComputeOn is Compute with the per-class weights read from dev.
func (l *CBFocalLoss) ComputeOn(dev device.Device, scores mat.Matrix, labels []int) (*mat.VecDense, error) {
	losses, err := l.perExample(dev, scores, labels)
	if err != nil {
		return nil, err
	}
	switch l.reduction {
	case ReductionNone:
		return mat.NewVecDense(len(losses), losses), nil
	case ReductionMean:
		return mat.NewVecDense(1, []float64{stat.Mean(losses, nil)}), nil
	case ReductionSum:
		return mat.NewVecDense(1, []float64{floats.Sum(losses)}), nil
	}
	return nil, errors.Wrapf(ErrInvalidArgument, "%s is not allowed, only none, mean and sum are permitted", l.reduction)
}

// PerExample returns the unreduced loss vector.
func (l *CBFocalLoss) PerExample(scores mat.Matrix, labels []int) ([]float64, error) {
	return l.perExample(device.Default(), scores, labels)
}

// Value returns the scalar loss. It fails under ReductionNone.
func (l *CBFocalLoss) Value(scores mat.Matrix, labels []int) (float64, error) {
	if l.reduction == ReductionNone {
		return 0, errors.Wrap(ErrInvalidArgument, "none reduction has no scalar value")
	}
	v, err := l.Compute(scores, labels)
	if err != nil {
		return 0, err
	}
	return v.AtVec(0), nil
}

// Gradient returns dL/dscores for the reduced loss. Under ReductionNone it is
// the gradient of the summed per-example vector. Labels and class weights
// are treated as constants.
func (l *CBFocalLoss) Gradient(scores mat.Matrix, labels []int) (*mat.Dense, error) {
	if !l.reduction.Valid() {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s is not allowed, only none, mean and sum are permitted", l.reduction)
	}
	weights, err := l.weights.On(device.Default())
	if err != nil {
		return nil, err
	}
	n, c := l.checkShapes(scores, labels)

	scale := 1.0
	if l.reduction == ReductionMean {
		scale = 1 / float64(n)
	}

	grad := mat.NewDense(n, c, nil)
	row := make([]float64, c)
	probs := make([]float64, c)
	logp := make([]float64, c)
	for i := 0; i < n; i++ {
		l.logSoftmax(rowOf(scores, i, row), probs, logp)
		l.gradRow(probs, logp, labels[i], weights[labels[i]]*scale, grad.RawRowView(i))
	}
	return grad, nil
}

// Forward computes the loss of a single example from its logits and a
// one-hot target.
func (l *CBFocalLoss) Forward(yPred, yTrue []float64) float64 {
	if len(yPred) != len(yTrue) || len(yPred) != len(l.counts) {
		panic("CBFocalLoss: logits and target must have one entry per class")
	}
	label := floats.MaxIdx(yTrue)
	probs := make([]float64, len(yPred))
	logp := make([]float64, len(yPred))
	l.logSoftmax(yPred, probs, logp)
	return l.exampleLoss(probs[label], logp[label], l.weights.Host()[label])
}

// Backward computes the gradient of Forward w.r.t. the logits.
func (l *CBFocalLoss) Backward(yPred, yTrue []float64) []float64 {
	grad := make([]float64, len(yPred))
	l.BackwardInPlace(yPred, yTrue, grad)
	return grad
}

// BackwardInPlace computes gradient and stores it in the grad slice.
func (l *CBFocalLoss) BackwardInPlace(yPred, yTrue, grad []float64) {
	n := len(yPred)
	if n != len(yTrue) || n != len(grad) || n != len(l.counts) {
		panic("CBFocalLoss: slices must have one entry per class")
	}
	label := floats.MaxIdx(yTrue)
	probs := make([]float64, n)
	logp := make([]float64, n)
	l.logSoftmax(yPred, probs, logp)
	l.gradRow(probs, logp, label, l.weights.Host()[label], grad)
}

func (l *CBFocalLoss) perExample(dev device.Device, scores mat.Matrix, labels []int) ([]float64, error) {
	weights, err := l.weights.On(dev)
	if err != nil {
		return nil, err
	}
	n, c := l.checkShapes(scores, labels)

	losses := make([]float64, n)
	row := make([]float64, c)
	probs := make([]float64, c)
	logp := make([]float64, c)
	for i := 0; i < n; i++ {
		l.logSoftmax(rowOf(scores, i, row), probs, logp)
		y := labels[i]
		losses[i] = l.exampleLoss(probs[y], logp[y], weights[y])
	}
	return losses, nil
}

func (l *CBFocalLoss) checkShapes(scores mat.Matrix, labels []int) (int, int) {
	n, c := scores.Dims()
	if c != len(l.counts) {
		panic("CBFocalLoss: scores must have one column per class")
	}
	if n != len(labels) {
		panic("CBFocalLoss: scores and labels must have the same number of rows")
	}
	return n, c
}

// exampleLoss is -w * (1-p)^gamma * log p with the optional floor applied.
func (l *CBFocalLoss) exampleLoss(p, logp, w float64) float64 {
	if p < l.floor {
		p = l.floor
		logp = math.Log(p)
	}
	return -w * math.Pow(1-p, l.gamma) * logp
}

// gradRow writes w * g * (onehot - p) into dst, where g is the derivative of
// the focal term w.r.t. the true-class log-odds.
func (l *CBFocalLoss) gradRow(probs, logp []float64, label int, w float64, dst []float64) {
	pt := probs[label]
	if pt < l.floor {
		for j := range dst {
			dst[j] = 0
		}
		return
	}
	q := 1 - pt
	g := -math.Pow(q, l.gamma)
	if l.gamma != 0 && q > 0 {
		g += l.gamma * math.Pow(q, l.gamma-1) * pt * logp[label]
	}
	g *= w
	for j := range dst {
		dst[j] = -g * probs[j]
	}
	dst[label] += g
}

// logSoftmax fills probs with the max-shifted softmax of z and logp with the
// log-probabilities, either log(probs) or the fused z - logsumexp(z).
func (l *CBFocalLoss) logSoftmax(z, probs, logp []float64) {
	maxVal := floats.Max(z)
	sum := 0.0
	for j, v := range z {
		probs[j] = math.Exp(v - maxVal)
		sum += probs[j]
	}
	floats.Scale(1/sum, probs)

	if l.stable {
		lse := floats.LogSumExp(z)
		for j, v := range z {
			logp[j] = v - lse
		}
		return
	}
	for j, p := range probs {
		logp[j] = math.Log(p)
	}
}

func rowOf(m mat.Matrix, i int, buf []float64) []float64 {
	if rv, ok := m.(mat.RawRowViewer); ok {
		return rv.RawRowView(i)
	}
	return mat.Row(buf, i, m)
}
