package train

import (
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Classifier is a linear softmax model producing class scores z = xWᵀ + b.
// W and b share one parameter slice so optimizers see a single vector.
type Classifier struct {
	features int
	classes  int

	params []float64
	grads  []float64

	w, dw *mat.Dense
	b, db []float64
}

// NewClassifier creates a classifier with Glorot-uniform weights and zero bias.
func NewClassifier(features, classes int, seed uint64) *Classifier {
	if features <= 0 || classes <= 0 {
		panic("Classifier: features and classes must be > 0")
	}
	c := newClassifier(features, classes)
	limit := math.Sqrt(6.0 / float64(features+classes))
	dist := distuv.Uniform{Min: -limit, Max: limit, Src: rand.NewSource(seed)}
	wData := c.w.RawMatrix().Data
	for i := range wData {
		wData[i] = dist.Rand()
	}
	return c
}

func newClassifier(features, classes int) *Classifier {
	nw := features * classes
	c := &Classifier{
		features: features,
		classes:  classes,
		params:   make([]float64, nw+classes),
		grads:    make([]float64, nw+classes),
	}
	c.w = mat.NewDense(classes, features, c.params[:nw])
	c.b = c.params[nw:]
	c.dw = mat.NewDense(classes, features, c.grads[:nw])
	c.db = c.grads[nw:]
	return c
}

// NumFeatures returns the input width.
func (c *Classifier) NumFeatures() int { return c.features }

// NumClasses returns the number of output scores.
func (c *Classifier) NumClasses() int { return c.classes }

// Logits returns the [N, C] score matrix for the rows of x.
func (c *Classifier) Logits(x mat.Matrix) *mat.Dense {
	n, f := x.Dims()
	if f != c.features {
		panic(fmt.Sprintf("Classifier: input has %d features, want %d", f, c.features))
	}
	z := mat.NewDense(n, c.classes, nil)
	z.Mul(x, c.w.T())
	for i := 0; i < n; i++ {
		floats.Add(z.RawRowView(i), c.b)
	}
	return z
}

// Predict returns the arg-max class of every row of x.
func (c *Classifier) Predict(x mat.Matrix) []int {
	z := c.Logits(x)
	n, _ := z.Dims()
	out := make([]int, n)
	for i := range out {
		out[i] = floats.MaxIdx(z.RawRowView(i))
	}
	return out
}

// Backward stores the parameter gradients for the batch x given the
// gradient of the loss w.r.t. the logits: dW = dZᵀX, db = column sums of dZ.
func (c *Classifier) Backward(x mat.Matrix, dLogits mat.Matrix) {
	n, f := x.Dims()
	gn, gc := dLogits.Dims()
	if f != c.features || gc != c.classes || gn != n {
		panic("Classifier: gradient shape does not match batch")
	}
	c.dw.Mul(dLogits.T(), x)
	for j := range c.db {
		c.db[j] = 0
	}
	for i := 0; i < n; i++ {
		for j := range c.db {
			c.db[j] += dLogits.At(i, j)
		}
	}
}

// Params returns the live parameter slice (W row-major, then b).
func (c *Classifier) Params() []float64 { return c.params }

// Gradients returns the live gradient slice laid out like Params.
func (c *Classifier) Gradients() []float64 { return c.grads }

// SetParams copies p into the model parameters.
func (c *Classifier) SetParams(p []float64) {
	if len(p) != len(c.params) {
		panic("Classifier: parameter count mismatch")
	}
	copy(c.params, p)
}

// Accuracy returns the fraction of rows of x predicted as labels.
func (c *Classifier) Accuracy(x mat.Matrix, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	pred := c.Predict(x)
	hits := 0
	for i, y := range labels {
		if pred[i] == y {
			hits++
		}
	}
	return float64(hits) / float64(len(labels))
}

type classifierState struct {
	Features int
	Classes  int
	Params   []float64
}

// Save writes the classifier to a file using gob encoding.
func (c *Classifier) Save(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	return c.Encode(file)
}

// Encode writes the classifier to an io.Writer using gob encoding.
func (c *Classifier) Encode(w io.Writer) error {
	state := classifierState{Features: c.features, Classes: c.classes, Params: c.params}
	if err := gob.NewEncoder(w).Encode(state); err != nil {
		return fmt.Errorf("failed to encode classifier: %w", err)
	}
	return nil
}

// LoadClassifier reads a classifier saved with Save.
func LoadClassifier(filename string) (*Classifier, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return DecodeClassifier(file)
}

// DecodeClassifier reads a classifier written by Encode.
func DecodeClassifier(r io.Reader) (*Classifier, error) {
	var state classifierState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode classifier: %w", err)
	}
	if state.Features <= 0 || state.Classes <= 0 {
		return nil, fmt.Errorf("invalid classifier shape %dx%d", state.Classes, state.Features)
	}
	if want := state.Features*state.Classes + state.Classes; len(state.Params) != want {
		return nil, fmt.Errorf("classifier has %d parameters, want %d", len(state.Params), want)
	}
	c := newClassifier(state.Features, state.Classes)
	c.SetParams(state.Params)
	return c, nil
}
