// Package train drives a linear softmax classifier with the class-balanced
// focal loss: batching, optimizer steps, callbacks and running meters.
package train

import (
	"context"
	"log"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/FlavioCFOliveira/cbfocal/internal/graph"
	"github.com/FlavioCFOliveira/cbfocal/internal/loss"
	"github.com/FlavioCFOliveira/cbfocal/internal/metrics"
	"github.com/FlavioCFOliveira/cbfocal/internal/opt"
)

// Meter names kept by every Trainer.
const (
	MetricLoss     = "loss"
	MetricAccuracy = "accuracy"
)

// Engine selects how the loss gradient is obtained.
type Engine int

const (
	// EngineNative uses the closed-form gradient of loss.CBFocalLoss.
	EngineNative Engine = iota
	// EngineGraph differentiates a gorgonia expression graph.
	EngineGraph
)

func (e Engine) String() string {
	switch e {
	case EngineNative:
		return "native"
	case EngineGraph:
		return "graph"
	}
	return "engine(" + strconv.Itoa(int(e)) + ")"
}

// ParseEngine maps "native" or "graph" to an Engine.
func ParseEngine(s string) (Engine, error) {
	switch s {
	case "native", "":
		return EngineNative, nil
	case "graph":
		return EngineGraph, nil
	}
	return 0, errors.Wrapf(loss.ErrInvalidArgument, "unknown engine %q, want native or graph", s)
}

// History records the epoch averages of a Fit run.
type History struct {
	Loss     []float64
	Accuracy []float64
	// Stopped is true when a callback ended training early.
	Stopped bool
}

// Trainer fits a Classifier by minibatch descent on the focal loss.
type Trainer struct {
	Model     *Classifier
	Loss      *loss.CBFocalLoss
	Optimizer opt.Optimizer
	Engine    Engine
	Callbacks []Callback
	Metrics   *metrics.Tracker

	// Shuffle reorders the dataset every epoch using Seed+epoch.
	Shuffle bool
	Seed    uint64

	focal *graph.Focal
}

// NewTrainer creates a trainer with fresh loss and accuracy meters.
func NewTrainer(model *Classifier, l *loss.CBFocalLoss, optimizer opt.Optimizer, engine Engine) (*Trainer, error) {
	if model.NumClasses() != l.NumClasses() {
		return nil, errors.Wrapf(loss.ErrInvalidArgument,
			"model has %d classes, loss has %d", model.NumClasses(), l.NumClasses())
	}
	t := &Trainer{
		Model:     model,
		Loss:      l,
		Optimizer: optimizer,
		Engine:    engine,
		Metrics:   metrics.NewTracker(MetricLoss, MetricAccuracy),
	}
	switch engine {
	case EngineNative:
	case EngineGraph:
		f, err := graph.New(l)
		if err != nil {
			return nil, err
		}
		t.focal = f
	default:
		return nil, errors.Wrapf(loss.ErrInvalidArgument, "unknown engine %s", engine)
	}
	return t, nil
}

// AddCallback appends cb to the callback list.
func (t *Trainer) AddCallback(cb Callback) {
	t.Callbacks = append(t.Callbacks, cb)
}

// lossAndGrad returns the per-example mean loss of the batch and the
// gradient of the configured reduction w.r.t. the logits.
func (t *Trainer) lossAndGrad(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	var (
		values []float64
		grad   *mat.Dense
	)
	switch t.Engine {
	case EngineGraph:
		res, err := t.focal.Evaluate(logits, labels)
		if err != nil {
			return 0, nil, err
		}
		values, grad = res.Losses, res.Grad
	default:
		out, err := t.Loss.Compute(logits, labels)
		if err != nil {
			return 0, nil, err
		}
		if grad, err = t.Loss.Gradient(logits, labels); err != nil {
			return 0, nil, err
		}
		values = mat.Col(nil, 0, out)
	}

	switch t.Loss.Reduction() {
	case loss.ReductionSum:
		return values[0] / float64(len(labels)), grad, nil
	case loss.ReductionNone:
		return stat.Mean(values, nil), grad, nil
	}
	return values[0], grad, nil
}

// Step runs one optimizer step on a batch and records its loss and accuracy
// with the batch size as weight. It returns the batch's mean example loss.
func (t *Trainer) Step(x *mat.Dense, labels []int) (float64, error) {
	if len(labels) == 0 {
		return 0, errors.Wrap(loss.ErrInvalidArgument, "empty batch")
	}
	logits := t.Model.Logits(x)
	value, grad, err := t.lossAndGrad(logits, labels)
	if err != nil {
		return 0, errors.Wrap(err, "loss")
	}

	hits := 0
	for i, y := range labels {
		if floats.MaxIdx(logits.RawRowView(i)) == y {
			hits++
		}
	}

	t.Model.Backward(x, grad)
	t.Optimizer.StepInPlace(t.Model.Params(), t.Model.Gradients())

	n := float64(len(labels))
	if err := t.Metrics.Update(MetricLoss, value, n); err != nil {
		return 0, err
	}
	if err := t.Metrics.Update(MetricAccuracy, float64(hits)/n, n); err != nil {
		return 0, err
	}
	return value, nil
}

// Evaluate returns the mean example loss and the accuracy over ds without
// touching the model or the meters.
func (t *Trainer) Evaluate(ds *Dataset) (float64, float64, error) {
	if ds.Len() == 0 {
		return 0, 0, errors.Wrap(loss.ErrInvalidArgument, "empty dataset")
	}
	values, err := t.Loss.PerExample(t.Model.Logits(ds.Features), ds.Labels)
	if err != nil {
		return 0, 0, err
	}
	return stat.Mean(values, nil), t.Model.Accuracy(ds.Features, ds.Labels), nil
}

// Fit trains for the given number of epochs. Epochs are numbered from 1.
// Meters are reset at the start of every epoch; the history stores their
// averages at its end. Cancelling ctx stops between batches and returns the
// history so far together with the context error.
func (t *Trainer) Fit(ctx context.Context, ds *Dataset, epochs, batchSize int) (*History, error) {
	if epochs <= 0 || batchSize <= 0 {
		return nil, errors.Wrapf(loss.ErrInvalidArgument, "epochs=%d batch_size=%d must be > 0", epochs, batchSize)
	}
	if ds.Len() == 0 {
		return nil, errors.Wrap(loss.ErrInvalidArgument, "empty dataset")
	}

	hist := &History{}
	for _, cb := range t.Callbacks {
		cb.OnTrainBegin(t)
	}
	defer func() {
		for _, cb := range t.Callbacks {
			cb.OnTrainEnd(t)
		}
	}()

	for epoch := 1; epoch <= epochs; epoch++ {
		t.Metrics.Reset()
		for _, cb := range t.Callbacks {
			cb.OnEpochBegin(epoch, t)
		}

		data := ds
		if t.Shuffle {
			data = ds.Shuffled(t.Seed + uint64(epoch))
		}
		for b, batch := range data.Batches(batchSize) {
			if err := ctx.Err(); err != nil {
				return hist, err
			}
			for _, cb := range t.Callbacks {
				cb.OnBatchBegin(b, t)
			}
			if _, err := t.Step(batch.X, batch.Labels); err != nil {
				return hist, errors.Wrapf(err, "epoch %d batch %d", epoch, b)
			}
			avg := t.Metrics.Meter(MetricLoss).Average()
			for _, cb := range t.Callbacks {
				cb.OnBatchEnd(b, avg, t)
			}
		}

		epochLoss := t.Metrics.Meter(MetricLoss).Average()
		hist.Loss = append(hist.Loss, epochLoss)
		hist.Accuracy = append(hist.Accuracy, t.Metrics.Meter(MetricAccuracy).Average())
		for _, cb := range t.Callbacks {
			cb.OnEpochEnd(epoch, epochLoss, t)
		}

		if t.shouldStop() {
			log.Printf("train: stop epoch=%d loss=%.6f", epoch, epochLoss)
			hist.Stopped = true
			break
		}
	}
	return hist, nil
}

func (t *Trainer) shouldStop() bool {
	for _, cb := range t.Callbacks {
		if s, ok := cb.(Stopper); ok && s.ShouldStop() {
			return true
		}
	}
	return false
}
