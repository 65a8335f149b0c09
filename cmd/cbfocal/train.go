package main

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/FlavioCFOliveira/cbfocal/internal/config"
	"github.com/FlavioCFOliveira/cbfocal/internal/train"
)

// loadData reads the configured CSV or draws the synthetic dataset.
func loadData(cfg *config.Config) (*train.Dataset, error) {
	if cfg.Data.Path == "" {
		return train.Synthetic(cfg.Loss.ClassCounts, cfg.Data.Features, cfg.Data.Spread, cfg.Train.Seed), nil
	}
	ds, err := train.LoadCSV(cfg.Data.Path, cfg.Data.LabelColumn, cfg.Data.HasHeader)
	if err != nil {
		return nil, errors.Wrap(err, "load data")
	}
	if cfg.Data.Normalize {
		ds.Normalize()
	}
	return ds, nil
}

func runTrain(ctx context.Context, cfg *config.Config) (*train.History, error) {
	ds, err := loadData(cfg)
	if err != nil {
		return nil, err
	}

	trainSet, valSet := ds, (*train.Dataset)(nil)
	if cfg.Data.ValidationSplit > 0 {
		trainSet, valSet = ds.Shuffled(cfg.Train.Seed).Split(1 - cfg.Data.ValidationSplit)
	}

	counts := cfg.Loss.ClassCounts
	if cfg.Data.Path != "" && len(counts) == 0 {
		counts = trainSet.ClassCounts()
	}
	if ds.NumClasses > len(counts) {
		return nil, errors.Errorf("data has %d classes, class_counts has %d", ds.NumClasses, len(counts))
	}
	l, err := cfg.NewLoss(counts)
	if err != nil {
		return nil, errors.Wrap(err, "loss")
	}
	engine, err := train.ParseEngine(cfg.Train.Engine)
	if err != nil {
		return nil, err
	}

	optimizer := cfg.NewOptimizer()
	model := train.NewClassifier(trainSet.NumFeatures(), l.NumClasses(), cfg.Train.Seed)
	trainer, err := train.NewTrainer(model, l, optimizer, engine)
	if err != nil {
		return nil, err
	}
	trainer.Shuffle = cfg.Train.Shuffle
	trainer.Seed = cfg.Train.Seed
	trainer.AddCallback(train.Logger{Interval: cfg.Train.LogEvery})
	if s := cfg.NewScheduler(optimizer); s != nil {
		trainer.AddCallback(train.NewSchedulerCallback(s))
	}
	if cfg.Train.EarlyStopping > 0 {
		trainer.AddCallback(train.NewEarlyStopping(cfg.Train.EarlyStopping, 1e-4))
	}
	if cfg.Train.CSVLog != "" {
		trainer.AddCallback(train.NewCSVLogger(cfg.Train.CSVLog, false))
	}
	if cfg.Train.Checkpoint != "" {
		trainer.AddCallback(train.NewModelCheckpoint(cfg.Train.Checkpoint))
	}

	log.Printf("train: samples=%d features=%d classes=%d counts=%v weights=%.6g engine=%s reduction=%s gamma=%g stable=%t floor=%g",
		trainSet.Len(), trainSet.NumFeatures(), l.NumClasses(), l.Counts(), l.Weights(), engine, l.Reduction(), l.Gamma(),
		l.StableLogSoftmax(), l.ProbabilityFloor())

	start := time.Now()
	hist, err := trainer.Fit(ctx, trainSet, cfg.Train.Epochs, cfg.Train.BatchSize)
	if err != nil {
		return hist, err
	}
	last := len(hist.Loss) - 1
	log.Printf("train: done epochs=%d loss=%.6f accuracy=%.4f elapsed=%s",
		last+1, hist.Loss[last], hist.Accuracy[last], time.Since(start).Round(time.Millisecond))

	if valSet != nil && valSet.Len() > 0 {
		valLoss, valAcc, err := trainer.Evaluate(valSet)
		if err != nil {
			return hist, errors.Wrap(err, "validation")
		}
		log.Printf("train: validation samples=%d loss=%.6f accuracy=%.4f", valSet.Len(), valLoss, valAcc)
	}
	return hist, nil
}
