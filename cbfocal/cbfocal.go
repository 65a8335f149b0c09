// Package cbfocal re-exports the class-balanced focal loss, the average
// meter and the training driver behind one import path.
package cbfocal

import (
	"github.com/FlavioCFOliveira/cbfocal/internal/device"
	"github.com/FlavioCFOliveira/cbfocal/internal/graph"
	"github.com/FlavioCFOliveira/cbfocal/internal/loss"
	"github.com/FlavioCFOliveira/cbfocal/internal/metrics"
	"github.com/FlavioCFOliveira/cbfocal/internal/opt"
	"github.com/FlavioCFOliveira/cbfocal/internal/train"
)

// Re-export common types and functions for easier access
type (
	Loss         = loss.CBFocalLoss
	Option       = loss.Option
	Reduction    = loss.Reduction
	AverageMeter = metrics.AverageMeter
	Tracker      = metrics.Tracker
	Device       = device.Device
	Optimizer    = opt.Optimizer
	Dataset      = train.Dataset
	Classifier   = train.Classifier
	Trainer      = train.Trainer
	History      = train.History
	Callback     = train.Callback
)

const (
	ReductionNone = loss.ReductionNone
	ReductionMean = loss.ReductionMean
	ReductionSum  = loss.ReductionSum
)

// ErrInvalidArgument is wrapped by every argument error of the loss, the
// meters and the trainer.
var ErrInvalidArgument = loss.ErrInvalidArgument

// Loss construction
func New(counts []int, opts ...Option) (*Loss, error) {
	return loss.NewCBFocalLoss(counts, opts...)
}

func WithBeta(beta float64) Option            { return loss.WithBeta(beta) }
func WithGamma(gamma float64) Option          { return loss.WithGamma(gamma) }
func WithReduction(r Reduction) Option        { return loss.WithReduction(r) }
func WithStableLogSoftmax(stable bool) Option { return loss.WithStableLogSoftmax(stable) }
func WithProbabilityFloor(p float64) Option   { return loss.WithProbabilityFloor(p) }

func ParseReduction(s string) (Reduction, error) {
	return loss.ParseReduction(s)
}

func ClassWeights(counts []int, beta float64) ([]float64, error) {
	return loss.ClassWeights(counts, beta)
}

// Autodiff rendition
func Graph(l *Loss) (*graph.Focal, error) {
	return graph.New(l)
}

// Meters
func NewAverageMeter() *AverageMeter {
	return metrics.NewAverageMeter()
}

func NewTracker(names ...string) *Tracker {
	return metrics.NewTracker(names...)
}

// Devices
func DefaultDevice() Device {
	return device.Default()
}

// Optimizers
func SGD(lr float64) Optimizer {
	return &opt.SGD{LearningRate: lr}
}

func Adam(lr float64) Optimizer {
	return opt.NewAdam(lr)
}

// Training
func NewClassifier(features, classes int, seed uint64) *Classifier {
	return train.NewClassifier(features, classes, seed)
}

func NewTrainer(model *Classifier, l *Loss, optimizer Optimizer, engine train.Engine) (*Trainer, error) {
	return train.NewTrainer(model, l, optimizer, engine)
}

const (
	EngineNative = train.EngineNative
	EngineGraph  = train.EngineGraph
)

func Logger(interval int) train.Logger {
	return train.Logger{Interval: interval}
}

func EarlyStopping(patience int, minDelta float64) *train.EarlyStopping {
	return train.NewEarlyStopping(patience, minDelta)
}

func CSVLogger(filename string) *train.CSVLogger {
	return train.NewCSVLogger(filename, false)
}

func SchedulerCallback(scheduler opt.Scheduler) Callback {
	return train.NewSchedulerCallback(scheduler)
}

func ReduceLROnPlateau(optimizer Optimizer, factor float64, patience int, threshold, minLR float64) *opt.ReduceLROnPlateau {
	return opt.NewReduceLROnPlateau(optimizer, factor, patience, threshold, minLR)
}

// Data
func Synthetic(counts []int, features int, spread float64, seed uint64) *Dataset {
	return train.Synthetic(counts, features, spread, seed)
}

func LoadCSV(filename string, labelCol int, hasHeader bool) (*Dataset, error) {
	return train.LoadCSV(filename, labelCol, hasHeader)
}

// Model persistence
func Load(filename string) (*Classifier, error) {
	return train.LoadClassifier(filename)
}
