// Package graph expresses the class-balanced focal loss as a gorgonia
// expression graph so gradients come from the engine's autodiff.
package graph

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/FlavioCFOliveira/cbfocal/internal/loss"
)

// Focal builds class-balanced focal loss nodes.
type Focal struct {
	weights   []float64
	gamma     float64
	reduction loss.Reduction
}

// New mirrors the weights, gamma and reduction of l. The graph always uses
// the fused log-softmax, which agrees with the plain log of the softmax
// wherever the latter is finite. A loss with a probability floor is rejected.
func New(l *loss.CBFocalLoss) (*Focal, error) {
	if l.ProbabilityFloor() > 0 {
		return nil, errors.Wrapf(loss.ErrInvalidArgument,
			"graph: probability floor %v is not supported", l.ProbabilityFloor())
	}
	return &Focal{
		weights:   l.Weights(),
		gamma:     l.Gamma(),
		reduction: l.Reduction(),
	}, nil
}

// Build appends the loss over scores [N, C] to the scores' graph and returns
// its output node: a vector of N losses for ReductionNone, a scalar
// otherwise. Labels and class weights enter the graph as constant inputs.
// Scores are exponentiated directly, so callers shift large rows first as
// Evaluate does.
func (f *Focal) Build(scores *G.Node, labels []int) (*G.Node, error) {
	shape := scores.Shape()
	if len(shape) != 2 || shape[1] != len(f.weights) {
		return nil, errors.Errorf("graph: scores shape %v, want [N %d]", shape, len(f.weights))
	}
	n, c := shape[0], shape[1]
	if len(labels) != n {
		return nil, errors.Errorf("graph: %d labels for %d rows", len(labels), n)
	}

	onehot := make([]float64, n*c)
	w := make([]float64, n)
	for i, y := range labels {
		if y < 0 || y >= c {
			return nil, errors.Errorf("graph: label %d of row %d outside [0, %d)", y, i, c)
		}
		onehot[i*c+y] = 1
		w[i] = f.weights[y]
	}

	g := scores.Graph()
	mask := G.NewMatrix(g, tensor.Float64, G.WithShape(n, c), G.WithName("onehot"),
		G.WithValue(tensor.New(tensor.WithShape(n, c), tensor.WithBacking(onehot))))
	weight := G.NewVector(g, tensor.Float64, G.WithShape(n), G.WithName("weight"),
		G.WithValue(tensor.New(tensor.WithShape(n), tensor.WithBacking(w))))

	// log p[y] = z[y] - log sum exp z, and p[y] is its exponential. The
	// softmax matrix is never materialised.
	zt, err := gather(scores, mask)
	if err != nil {
		return nil, errors.Wrap(err, "gather scores")
	}
	expScores, err := G.Exp(scores)
	if err != nil {
		return nil, errors.Wrap(err, "exp")
	}
	norm, err := G.Sum(expScores, 1)
	if err != nil {
		return nil, errors.Wrap(err, "partition")
	}
	logNorm, err := G.Log(norm)
	if err != nil {
		return nil, errors.Wrap(err, "log partition")
	}
	logPt, err := G.Sub(zt, logNorm)
	if err != nil {
		return nil, errors.Wrap(err, "log-probabilities")
	}
	pt, err := G.Exp(logPt)
	if err != nil {
		return nil, errors.Wrap(err, "probabilities")
	}

	q, err := G.Sub(G.NewConstant(1.0), pt)
	if err != nil {
		return nil, errors.Wrap(err, "1-p")
	}
	focus, err := G.Pow(q, G.NewConstant(f.gamma))
	if err != nil {
		return nil, errors.Wrap(err, "pow")
	}
	weighted, err := G.HadamardProd(weight, focus)
	if err != nil {
		return nil, errors.Wrap(err, "class weight")
	}
	prod, err := G.HadamardProd(weighted, logPt)
	if err != nil {
		return nil, errors.Wrap(err, "log term")
	}
	perExample, err := G.Neg(prod)
	if err != nil {
		return nil, errors.Wrap(err, "neg")
	}

	switch f.reduction {
	case loss.ReductionNone:
		return perExample, nil
	case loss.ReductionMean:
		return G.Mean(perExample)
	case loss.ReductionSum:
		return G.Sum(perExample)
	}
	return nil, errors.Wrapf(loss.ErrInvalidArgument, "%s is not allowed, only none, mean and sum are permitted", f.reduction)
}

// gather picks the masked entry of every row.
func gather(x, mask *G.Node) (*G.Node, error) {
	picked, err := G.HadamardProd(x, mask)
	if err != nil {
		return nil, err
	}
	return G.Sum(picked, 1)
}

// Result holds the loss values and the gradient w.r.t. the scores.
type Result struct {
	// Losses has N entries for ReductionNone and one entry otherwise.
	Losses []float64
	Grad   *mat.Dense
}

// Evaluate builds a fresh graph for one batch, runs it on a tape machine and
// differentiates the loss w.r.t. the scores. Every row is shifted by its
// maximum first; the loss and its gradient do not change under that shift.
// Under ReductionNone the gradient is that of the summed vector.
func (f *Focal) Evaluate(scores mat.Matrix, labels []int) (*Result, error) {
	n, c := scores.Dims()
	shifted := mat.DenseCopyOf(scores)
	for i := 0; i < n; i++ {
		row := shifted.RawRowView(i)
		floats.AddConst(-floats.Max(row), row)
	}
	data := shifted.RawMatrix().Data

	g := G.NewGraph()
	x := G.NewMatrix(g, tensor.Float64, G.WithShape(n, c), G.WithName("scores"),
		G.WithValue(tensor.New(tensor.WithShape(n, c), tensor.WithBacking(data))))

	out, err := f.Build(x, labels)
	if err != nil {
		return nil, err
	}
	cost := out
	if f.reduction == loss.ReductionNone {
		if cost, err = G.Sum(out); err != nil {
			return nil, errors.Wrap(err, "sum for gradient")
		}
	}
	grads, err := G.Grad(cost, x)
	if err != nil {
		return nil, errors.Wrap(err, "grad")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run graph")
	}

	losses, err := floatsOf(out.Value())
	if err != nil {
		return nil, errors.Wrap(err, "loss value")
	}
	gradData, err := floatsOf(grads[0].Value())
	if err != nil {
		return nil, errors.Wrap(err, "gradient value")
	}
	if len(gradData) != n*c {
		return nil, errors.Errorf("graph: gradient has %d entries, want %d", len(gradData), n*c)
	}
	return &Result{
		Losses: losses,
		Grad:   mat.NewDense(n, c, gradData),
	}, nil
}

// floatsOf copies a scalar or tensor value out of the graph.
func floatsOf(v G.Value) ([]float64, error) {
	if v == nil {
		return nil, errors.New("graph: node has no value")
	}
	switch d := v.Data().(type) {
	case float64:
		return []float64{d}, nil
	case []float64:
		return append([]float64(nil), d...), nil
	}
	return nil, errors.Errorf("graph: unexpected value type %T", v.Data())
}
