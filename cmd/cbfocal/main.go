// Command cbfocal computes class-balanced focal loss weights and values and
// trains a linear classifier with the loss on imbalanced data.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/FlavioCFOliveira/cbfocal/internal/config"
	"github.com/FlavioCFOliveira/cbfocal/internal/loss"
	"github.com/FlavioCFOliveira/cbfocal/internal/train"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatalf("cbfocal: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cbfocal",
		Short:         "Class-balanced focal loss tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newWeightsCmd(), newEvalCmd(), newTrainCmd())
	return root
}

// lossFlags registers the shared loss hyper-parameters.
func lossFlags(f *pflag.FlagSet, beta, gamma *float64) {
	f.Float64Var(beta, "beta", loss.DefaultBeta, "effective-number discount in [0, 1)")
	f.Float64Var(gamma, "gamma", loss.DefaultGamma, "focusing exponent")
}

func newWeightsCmd() *cobra.Command {
	var (
		counts []int
		beta   float64
	)
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Print the effective-number weight of every class",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := loss.ClassWeights(counts, beta)
			if err != nil {
				return err
			}
			for c, v := range w {
				fmt.Fprintf(cmd.OutOrStdout(), "class=%d count=%d weight=%.8f\n", c, counts[c], v)
			}
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&counts, "counts", nil, "per-class sample counts")
	cmd.Flags().Float64Var(&beta, "beta", loss.DefaultBeta, "effective-number discount in [0, 1)")
	cmd.MarkFlagRequired("counts")
	return cmd
}

func newEvalCmd() *cobra.Command {
	var (
		path      string
		labelCol  int
		hasHeader bool
		counts    []int
		beta      float64
		gamma     float64
		reduction string
		stable    bool
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Compute the loss of a CSV of class scores and labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := train.LoadCSV(path, labelCol, hasHeader)
			if err != nil {
				return err
			}
			r, err := loss.ParseReduction(reduction)
			if err != nil {
				return err
			}
			classes := ds.NumFeatures()
			if ds.NumClasses > classes {
				return fmt.Errorf("label %d has no score column (%d columns)", ds.NumClasses-1, classes)
			}
			if len(counts) == 0 {
				ds.NumClasses = classes
				counts = ds.ClassCounts()
			}
			if len(counts) != classes {
				return fmt.Errorf("%d class counts for %d score columns", len(counts), classes)
			}
			l, err := loss.NewCBFocalLoss(counts,
				loss.WithBeta(beta),
				loss.WithGamma(gamma),
				loss.WithReduction(r),
				loss.WithStableLogSoftmax(stable),
			)
			if err != nil {
				return err
			}
			out, err := l.Compute(ds.Features, ds.Labels)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for i := 0; i < out.Len(); i++ {
				fmt.Fprintf(w, "%.10g\n", out.AtVec(i))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&path, "scores", "", "CSV file with one score column per class and a label column")
	f.IntVar(&labelCol, "label-column", -1, "label column index, negative counts from the end")
	f.BoolVar(&hasHeader, "header", false, "skip the first CSV line")
	f.IntSliceVar(&counts, "counts", nil, "per-class training counts (default: label counts of the file)")
	lossFlags(f, &beta, &gamma)
	f.StringVar(&reduction, "reduction", loss.ReductionMean.String(), "none, mean or sum")
	f.BoolVar(&stable, "stable", false, "use the fused log-softmax")
	cmd.MarkFlagRequired("scores")
	return cmd
}

func newTrainCmd() *cobra.Command {
	var (
		configPath string
		o          config.Overrides
		beta       float64
		gamma      float64
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a linear softmax classifier with the focal loss",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("beta") {
				o.Beta = &beta
			}
			if cmd.Flags().Changed("gamma") {
				o.Gamma = &gamma
			}
			if err := cfg.ApplyOverrides(o); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			_, err := runTrain(cmd.Context(), cfg)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML config file")
	f.IntSliceVar(&o.ClassCounts, "counts", nil, "per-class counts (synthetic data)")
	lossFlags(f, &beta, &gamma)
	f.StringVar(&o.Reduction, "reduction", "", "none, mean or sum")
	f.StringVar(&o.Engine, "engine", "", "native or graph")
	f.StringVar(&o.Optimizer, "optimizer", "", "sgd or adam")
	f.Float64Var(&o.LearningRate, "lr", 0, "learning rate")
	f.IntVar(&o.Epochs, "epochs", 0, "number of epochs")
	f.IntVar(&o.BatchSize, "batch-size", 0, "batch size")
	f.Uint64Var(&o.Seed, "seed", 0, "random seed")
	f.StringVar(&o.DataPath, "data", "", "training CSV (default: synthetic data)")
	f.StringVar(&o.CSVLog, "csv-log", "", "write per-epoch metrics to this CSV file")
	f.IntVar(&o.LogEvery, "log-every", 0, "print metrics every n epochs")
	return cmd
}
