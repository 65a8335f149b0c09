// Package config loads training runs from YAML.
package config

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/FlavioCFOliveira/cbfocal/internal/loss"
	"github.com/FlavioCFOliveira/cbfocal/internal/opt"
	"github.com/FlavioCFOliveira/cbfocal/internal/train"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Loss  LossConfig  `yaml:"loss"`
	Train TrainConfig `yaml:"train"`
	Data  DataConfig  `yaml:"data"`
}

// LossConfig configures the class-balanced focal loss.
type LossConfig struct {
	// ClassCounts are the per-class sample counts; taken from the data
	// when empty and a CSV path is set.
	ClassCounts      []int          `yaml:"class_counts"`
	Beta             float64        `yaml:"beta"`
	Gamma            float64        `yaml:"gamma"`
	Reduction        loss.Reduction `yaml:"reduction"`
	StableLogSoftmax bool           `yaml:"stable_log_softmax"`
	ProbabilityFloor float64        `yaml:"probability_floor"`
}

// TrainConfig configures the optimizer and the loop.
type TrainConfig struct {
	Engine       string  `yaml:"engine"`
	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	Seed         uint64  `yaml:"seed"`
	Shuffle      bool    `yaml:"shuffle"`
	LogEvery     int     `yaml:"log_every"`

	// Scheduler is one of none, step, exponential, plateau.
	Scheduler string  `yaml:"scheduler"`
	StepSize  int     `yaml:"step_size"`
	LRGamma   float64 `yaml:"lr_gamma"`
	Patience  int     `yaml:"patience"`

	// EarlyStopping stops after this many epochs without improvement; 0 disables.
	EarlyStopping int    `yaml:"early_stopping"`
	CSVLog        string `yaml:"csv_log"`
	Checkpoint    string `yaml:"checkpoint"`
}

// DataConfig selects a CSV file or a synthetic dataset.
type DataConfig struct {
	Path        string `yaml:"path"`
	LabelColumn int    `yaml:"label_column"`
	HasHeader   bool   `yaml:"has_header"`
	Normalize   bool   `yaml:"normalize"`

	// Synthetic data, used when Path is empty.
	Features int     `yaml:"features"`
	Spread   float64 `yaml:"spread"`

	// ValidationSplit holds out this fraction of the rows for evaluation.
	ValidationSplit float64 `yaml:"validation_split"`
}

// Overrides captures CLI supplied values. Nil pointers and zero values are
// left alone.
type Overrides struct {
	ClassCounts  []int
	Beta         *float64
	Gamma        *float64
	Reduction    string
	Engine       string
	Optimizer    string
	LearningRate float64
	Epochs       int
	BatchSize    int
	Seed         uint64
	DataPath     string
	CSVLog       string
	LogEvery     int
}

// DefaultConfig returns a runnable synthetic configuration.
func DefaultConfig() *Config {
	return &Config{
		Loss: LossConfig{
			ClassCounts: []int{500, 50, 5},
			Beta:        loss.DefaultBeta,
			Gamma:       loss.DefaultGamma,
			Reduction:   loss.ReductionMean,
		},
		Train: TrainConfig{
			Engine:       train.EngineNative.String(),
			Optimizer:    "adam",
			LearningRate: 0.01,
			Epochs:       20,
			BatchSize:    32,
			Seed:         1,
			Shuffle:      true,
			LogEvery:     1,
			Scheduler:    "none",
			StepSize:     10,
			LRGamma:      0.5,
			Patience:     3,
		},
		Data: DataConfig{
			LabelColumn: -1,
			Features:    4,
			Spread:      1.0,
		},
	}
}

// Load reads a YAML file on top of DefaultConfig and validates the result.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates c using any set override.
func (c *Config) ApplyOverrides(o Overrides) error {
	if len(o.ClassCounts) > 0 {
		c.Loss.ClassCounts = append([]int(nil), o.ClassCounts...)
	}
	if o.Beta != nil {
		c.Loss.Beta = *o.Beta
	}
	if o.Gamma != nil {
		c.Loss.Gamma = *o.Gamma
	}
	if o.Reduction != "" {
		r, err := loss.ParseReduction(o.Reduction)
		if err != nil {
			return err
		}
		c.Loss.Reduction = r
	}
	if o.Engine != "" {
		c.Train.Engine = o.Engine
	}
	if o.Optimizer != "" {
		c.Train.Optimizer = o.Optimizer
	}
	if o.LearningRate > 0 {
		c.Train.LearningRate = o.LearningRate
	}
	if o.Epochs > 0 {
		c.Train.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Train.BatchSize = o.BatchSize
	}
	if o.Seed != 0 {
		c.Train.Seed = o.Seed
	}
	if o.DataPath != "" {
		c.Data.Path = o.DataPath
	}
	if o.CSVLog != "" {
		c.Train.CSVLog = o.CSVLog
	}
	if o.LogEvery > 0 {
		c.Train.LogEvery = o.LogEvery
	}
	return nil
}

// Validate verifies the config is runnable. Loss settings are checked by
// constructing the loss when class counts are known.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	engine, err := train.ParseEngine(c.Train.Engine)
	if err != nil {
		return err
	}
	if engine == train.EngineGraph && c.Loss.ProbabilityFloor > 0 {
		return errors.Errorf("probability_floor %g is not supported by the graph engine", c.Loss.ProbabilityFloor)
	}
	switch c.Train.Optimizer {
	case "sgd", "adam":
	default:
		return errors.Errorf("optimizer must be sgd or adam (got %q)", c.Train.Optimizer)
	}
	switch c.Train.Scheduler {
	case "", "none", "step", "exponential", "plateau":
	default:
		return errors.Errorf("scheduler must be none, step, exponential or plateau (got %q)", c.Train.Scheduler)
	}
	if c.Train.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.Train.LearningRate)
	}
	if c.Train.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Train.Epochs)
	}
	if c.Train.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.Train.BatchSize)
	}
	if c.Data.ValidationSplit < 0 || c.Data.ValidationSplit >= 1 {
		return errors.Errorf("validation_split must be in [0, 1) (got %g)", c.Data.ValidationSplit)
	}

	if c.Data.Path == "" {
		if len(c.Loss.ClassCounts) == 0 {
			return errors.New("class_counts are required for synthetic data")
		}
		if c.Data.Features <= 0 {
			return errors.Errorf("features must be > 0 (got %d)", c.Data.Features)
		}
		if c.Data.Spread <= 0 {
			return errors.Errorf("spread must be > 0 (got %g)", c.Data.Spread)
		}
	} else if c.Data.LabelColumn < -1 {
		return errors.Errorf("label_column must be >= -1 (got %d)", c.Data.LabelColumn)
	}

	if len(c.Loss.ClassCounts) > 0 {
		if _, err := c.NewLoss(c.Loss.ClassCounts); err != nil {
			return errors.Wrap(err, "loss")
		}
	}

	if c.Train.LogEvery <= 0 {
		c.Train.LogEvery = 1
	}
	return nil
}

// NewLoss builds the loss for the given class counts using the loss settings.
func (c *Config) NewLoss(counts []int) (*loss.CBFocalLoss, error) {
	return loss.NewCBFocalLoss(counts,
		loss.WithBeta(c.Loss.Beta),
		loss.WithGamma(c.Loss.Gamma),
		loss.WithReduction(c.Loss.Reduction),
		loss.WithStableLogSoftmax(c.Loss.StableLogSoftmax),
		loss.WithProbabilityFloor(c.Loss.ProbabilityFloor),
	)
}

// NewOptimizer builds the configured optimizer.
func (c *Config) NewOptimizer() opt.Optimizer {
	if c.Train.Optimizer == "sgd" {
		return &opt.SGD{LearningRate: c.Train.LearningRate}
	}
	return opt.NewAdam(c.Train.LearningRate)
}

// NewScheduler builds the configured scheduler around o, or nil for none.
func (c *Config) NewScheduler(o opt.Optimizer) opt.Scheduler {
	switch c.Train.Scheduler {
	case "step":
		return opt.NewStepLR(o, c.Train.StepSize, c.Train.LRGamma)
	case "exponential":
		return opt.NewExponentialLR(o, c.Train.LRGamma)
	case "plateau":
		return opt.NewReduceLROnPlateau(o, c.Train.LRGamma, c.Train.Patience, 1e-4, 1e-6)
	}
	return nil
}
