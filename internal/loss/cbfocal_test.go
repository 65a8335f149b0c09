package loss

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/cbfocal/internal/device"
)

var (
	testCounts = []int{100, 10, 1}
	testScores = mat.NewDense(4, 3, []float64{
		2, 1, 0.1,
		0.5, 2.5, -1,
		0, 0, 3,
		1, -1, 0.5,
	})
	testLabels = []int{0, 1, 2, 1}
)

func newTestLoss(t *testing.T, opts ...Option) *CBFocalLoss {
	t.Helper()
	l, err := NewCBFocalLoss(testCounts, opts...)
	require.NoError(t, err)
	return l
}

func TestParseReduction(t *testing.T) {
	tests := []struct {
		in   string
		want Reduction
	}{
		{"none", ReductionNone},
		{"mean", ReductionMean},
		{"sum", ReductionSum},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseReduction(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}

	for _, bad := range []string{"", "Mean", "avg", "summ"} {
		_, err := ParseReduction(bad)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
		assert.Contains(t, err.Error(), bad+" is not allowed")
	}
}

func TestReductionText(t *testing.T) {
	var r Reduction
	require.NoError(t, r.UnmarshalText([]byte("sum")))
	assert.Equal(t, ReductionSum, r)

	b, err := ReductionNone.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "none", string(b))

	_, err = Reduction(9).MarshalText()
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, "Reduction(9)", Reduction(9).String())
}

func TestNewCBFocalLossDefaults(t *testing.T) {
	l := newTestLoss(t)
	assert.Equal(t, DefaultBeta, l.Beta())
	assert.Equal(t, DefaultGamma, l.Gamma())
	assert.Equal(t, ReductionMean, l.Reduction())
	assert.Equal(t, 3, l.NumClasses())
	assert.Equal(t, testCounts, l.Counts())
}

func TestNewCBFocalLossValidation(t *testing.T) {
	tests := []struct {
		name   string
		counts []int
		opts   []Option
	}{
		{"no classes", nil, nil},
		{"zero count", []int{3, 0}, nil},
		{"negative count", []int{-1}, nil},
		{"beta one", []int{1}, []Option{WithBeta(1)}},
		{"beta negative", []int{1}, []Option{WithBeta(-0.1)}},
		{"beta NaN", []int{1}, []Option{WithBeta(math.NaN())}},
		{"gamma negative", []int{1}, []Option{WithGamma(-1)}},
		{"bad reduction", []int{1}, []Option{WithReduction(Reduction(42))}},
		{"floor too large", []int{1}, []Option{WithProbabilityFloor(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCBFocalLoss(tt.counts, tt.opts...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestClassWeightsRarerClassesWeighMore(t *testing.T) {
	// beta^n must stay well above zero, so smaller betas get smaller counts.
	tests := []struct {
		beta   float64
		counts []int
	}{
		{0.5, []int{20, 10, 5, 2, 1}},
		{0.9, []int{200, 50, 10, 3, 1}},
		{0.99, []int{2000, 500, 50, 5, 1}},
		{0.999, []int{5000, 500, 50, 5, 1}},
		{0.9999, []int{5000, 500, 50, 5, 1}},
	}
	for _, tt := range tests {
		w, err := ClassWeights(tt.counts, tt.beta)
		require.NoError(t, err)
		for c := 1; c < len(w); c++ {
			assert.Less(t, w[c-1], w[c], "beta=%v class %d", tt.beta, c)
		}
		// a class seen once always gets weight 1
		assert.InDelta(t, 1.0, w[len(w)-1], 1e-12)
	}
}

func TestClassWeightsSaturate(t *testing.T) {
	// once beta^n underflows every abundant class weighs 1-beta
	w, err := ClassWeights([]int{5000, 500}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, w[0])
	assert.Equal(t, w[0], w[1])
}

func TestClassWeightsBetaZeroIsUniform(t *testing.T) {
	w, err := ClassWeights([]int{1, 7, 300}, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1}, w)
}

func TestWeightsAreCopies(t *testing.T) {
	l := newTestLoss(t)
	w := l.Weights()
	w[0] = 42
	assert.NotEqual(t, 42.0, l.Weights()[0])

	c := l.Counts()
	c[0] = 0
	assert.Equal(t, 100, l.Counts()[0])
}

func TestComputeReductionsAgree(t *testing.T) {
	none := newTestLoss(t, WithReduction(ReductionNone))
	mean := newTestLoss(t, WithReduction(ReductionMean))
	sum := newTestLoss(t, WithReduction(ReductionSum))

	vec, err := none.Compute(testScores, testLabels)
	require.NoError(t, err)
	require.Equal(t, len(testLabels), vec.Len())

	per := mat.Col(nil, 0, vec)
	m, err := mean.Compute(testScores, testLabels)
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())
	s, err := sum.Compute(testScores, testLabels)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	assert.InDelta(t, floats.Sum(per), s.AtVec(0), 1e-12)
	assert.InDelta(t, floats.Sum(per)/float64(len(per)), m.AtVec(0), 1e-12)
}

func TestComputeForgedReductionFails(t *testing.T) {
	l := newTestLoss(t)
	l.reduction = Reduction(7)
	_, err := l.Compute(testScores, testLabels)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Contains(t, err.Error(), "Reduction(7)")

	_, err = l.Gradient(testScores, testLabels)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestValue(t *testing.T) {
	l := newTestLoss(t, WithReduction(ReductionSum))
	v, err := l.Value(testScores, testLabels)
	require.NoError(t, err)
	per, err := l.PerExample(testScores, testLabels)
	require.NoError(t, err)
	assert.InDelta(t, floats.Sum(per), v, 1e-12)

	none := newTestLoss(t, WithReduction(ReductionNone))
	_, err = none.Value(testScores, testLabels)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestGammaFocusesOnHardExamples(t *testing.T) {
	// row 0 is confident and correct, row 1 is confidently wrong
	scores := mat.NewDense(2, 2, []float64{
		6, 0,
		0, 3,
	})
	labels := []int{0, 0}

	var prevEasy, prevHard float64
	for i, gamma := range []float64{0, 0.5, 1, 2, 5} {
		l, err := NewCBFocalLoss([]int{10, 10}, WithGamma(gamma), WithReduction(ReductionNone))
		require.NoError(t, err)
		per, err := l.PerExample(scores, labels)
		require.NoError(t, err)
		easy, hard := per[0], per[1]
		if i > 0 {
			assert.Less(t, easy, prevEasy, "gamma=%v", gamma)
			assert.Less(t, hard, prevHard, "gamma=%v", gamma)
			assert.Greater(t, hard/easy, prevHard/prevEasy, "gamma=%v", gamma)
		}
		prevEasy, prevHard = easy, hard
	}
}

func TestUnderflowIsNotCorrected(t *testing.T) {
	scores := mat.NewDense(1, 2, []float64{0, 1000})
	labels := []int{0}

	plain, err := NewCBFocalLoss([]int{1, 1}, WithReduction(ReductionNone))
	require.NoError(t, err)
	per, err := plain.PerExample(scores, labels)
	require.NoError(t, err)
	assert.True(t, math.IsInf(per[0], 1), "got %v", per[0])

	stable, err := NewCBFocalLoss([]int{1, 1}, WithReduction(ReductionNone), WithStableLogSoftmax(true))
	require.NoError(t, err)
	assert.True(t, stable.StableLogSoftmax())
	per, err = stable.PerExample(scores, labels)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, per[0], 1e-9)

	floored, err := NewCBFocalLoss([]int{1, 1}, WithReduction(ReductionNone), WithProbabilityFloor(1e-8))
	require.NoError(t, err)
	assert.Equal(t, 1e-8, floored.ProbabilityFloor())
	per, err = floored.PerExample(scores, labels)
	require.NoError(t, err)
	assert.InDelta(t, -math.Pow(1-1e-8, 2)*math.Log(1e-8), per[0], 1e-9)

	grad, err := floored.Gradient(scores, labels)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, grad.RawRowView(0))
}

func TestStableMatchesPlainOnModerateLogits(t *testing.T) {
	plain := newTestLoss(t, WithReduction(ReductionNone))
	stable := newTestLoss(t, WithReduction(ReductionNone), WithStableLogSoftmax(true))
	a, err := plain.PerExample(testScores, testLabels)
	require.NoError(t, err)
	b, err := stable.PerExample(testScores, testLabels)
	require.NoError(t, err)
	if diff := cmp.Diff(a, b, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("stable log-softmax mismatch (-plain +stable):\n%s", diff)
	}
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	for _, r := range []Reduction{ReductionNone, ReductionMean, ReductionSum} {
		for _, gamma := range []float64{0, 0.5, 2} {
			l := newTestLoss(t, WithReduction(r), WithGamma(gamma))
			grad, err := l.Gradient(testScores, testLabels)
			require.NoError(t, err)

			total := func(m *mat.Dense) float64 {
				per, err := l.PerExample(m, testLabels)
				require.NoError(t, err)
				if r == ReductionMean {
					return floats.Sum(per) / float64(len(per))
				}
				return floats.Sum(per)
			}

			const h = 1e-6
			n, c := testScores.Dims()
			for i := 0; i < n; i++ {
				for j := 0; j < c; j++ {
					plus := mat.DenseCopyOf(testScores)
					minus := mat.DenseCopyOf(testScores)
					plus.Set(i, j, plus.At(i, j)+h)
					minus.Set(i, j, minus.At(i, j)-h)
					numeric := (total(plus) - total(minus)) / (2 * h)
					assert.InDelta(t, numeric, grad.At(i, j), 1e-6,
						"reduction=%s gamma=%v at (%d,%d)", r, gamma, i, j)
				}
			}
		}
	}
}

func TestGradientRowsSumToZero(t *testing.T) {
	l := newTestLoss(t)
	grad, err := l.Gradient(testScores, testLabels)
	require.NoError(t, err)
	n, _ := grad.Dims()
	for i := 0; i < n; i++ {
		assert.InDelta(t, 0, floats.Sum(grad.RawRowView(i)), 1e-12)
	}
}

func TestSingleExampleSurface(t *testing.T) {
	l := newTestLoss(t, WithReduction(ReductionNone))
	var _ Loss = l
	var _ BackwardInPlacer = l

	per, err := l.PerExample(testScores, testLabels)
	require.NoError(t, err)
	grad, err := l.Gradient(testScores, testLabels)
	require.NoError(t, err)

	for i, y := range testLabels {
		oneHot := make([]float64, 3)
		oneHot[y] = 1
		logits := testScores.RawRowView(i)

		assert.InDelta(t, per[i], l.Forward(logits, oneHot), 1e-12)

		g := l.Backward(logits, oneHot)
		buf := make([]float64, 3)
		l.BackwardInPlace(logits, oneHot, buf)
		assert.Equal(t, g, buf)
		for j := range g {
			assert.InDelta(t, grad.At(i, j), g[j], 1e-12)
		}
	}
}

func TestShapeMismatchPanics(t *testing.T) {
	l := newTestLoss(t)
	assert.Panics(t, func() {
		_, _ = l.Compute(mat.NewDense(2, 2, nil), []int{0, 1})
	})
	assert.Panics(t, func() {
		_, _ = l.Compute(testScores, []int{0})
	})
	assert.Panics(t, func() {
		l.Forward([]float64{1, 2}, []float64{1, 0})
	})
	assert.Panics(t, func() {
		l.BackwardInPlace([]float64{1, 2, 3}, []float64{1, 0, 0}, make([]float64, 2))
	})
}

func TestOutOfRangeLabelPanics(t *testing.T) {
	l := newTestLoss(t)
	assert.Panics(t, func() {
		_, _ = l.Compute(testScores, []int{0, 1, 2, 3})
	})
}

type fakeDevice struct {
	id      string
	uploads int
	fail    bool
}

func (d *fakeDevice) Type() device.Type { return device.GPU }
func (d *fakeDevice) ID() string        { return d.id }
func (d *fakeDevice) IsAvailable() bool { return !d.fail }

func (d *fakeDevice) Upload(src []float64) ([]float64, error) {
	d.uploads++
	if d.fail {
		return nil, errors.New("device lost")
	}
	return append([]float64(nil), src...), nil
}

func TestComputeOnCachesPerDevice(t *testing.T) {
	l := newTestLoss(t)
	dev := &fakeDevice{id: "gpu:0"}

	want, err := l.Compute(testScores, testLabels)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		got, err := l.ComputeOn(dev, testScores, testLabels)
		require.NoError(t, err)
		assert.InDelta(t, want.AtVec(0), got.AtVec(0), 1e-15)
	}
	assert.Equal(t, 1, dev.uploads)

	_, err = l.ComputeOn(&fakeDevice{id: "gpu:1", fail: true}, testScores, testLabels)
	assert.Error(t, err)
}

func TestComputeHasNoSideEffects(t *testing.T) {
	l := newTestLoss(t)
	before := l.Weights()
	scores := mat.DenseCopyOf(testScores)
	_, err := l.Compute(scores, testLabels)
	require.NoError(t, err)
	_, err = l.Gradient(scores, testLabels)
	require.NoError(t, err)
	assert.Equal(t, before, l.Weights())
	assert.True(t, mat.Equal(testScores, scores))
}
