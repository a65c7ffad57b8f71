package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"miqa/pkg/telemetry"
	"miqa/pkg/training"
	"miqa/pkg/volume"
)

func newTrainCommand(ctx *commandContext) *cobra.Command {
	var (
		folds        string
		vfold        int
		nfolds       int
		schema       string
		onlyEvaluate bool
		trainFlag    bool
		all          bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train or evaluate the quality model on fold manifests",
		Long: "Train the model holding one fold out for validation, evaluate the saved\n" +
			"best model with --evaluate, or train and then evaluate every fold with --all.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.setup()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("evaluate") && cmd.Flags().Changed("train") {
				return errors.New("--evaluate and --train are mutually exclusive")
			}
			if trainFlag {
				onlyEvaluate = false
			}

			if schema != "" {
				cfg.Model.Schema = schema
			}
			opts, err := cfg.TrainingOptions()
			if err != nil {
				return err
			}
			if folds != "" {
				opts.FoldsPrefix = folds
			}
			if cmd.Flags().Changed("vfold") {
				opts.ValidationFold = vfold
			}
			if cmd.Flags().Changed("nfolds") {
				opts.FoldCount = nfolds
			}
			opts.OnlyEvaluate = onlyEvaluate
			if strings.TrimSpace(opts.FoldsPrefix) == "" {
				return errors.New("no fold manifests: set --folds or data.foldsPrefix")
			}

			loader := volume.NewFileLoader()
			driver := training.NewDriver(opts, cfg.Factory(), loader)
			driver.Logger = logger
			driver.Metrics = telemetry.New()
			driver.Progress = progress()
			driver.OnState = func(s training.State) {
				logger.Debug("training state", "state", s.String())
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "================================")
			fmt.Fprintln(out, "MIQA TILED QUALITY CLASSIFIER")
			fmt.Fprintf(out, "schema %s, folds %s0..%d\n", opts.Schema.Version, opts.FoldsPrefix, opts.FoldCount-1)
			fmt.Fprintln(out, "================================")

			start := time.Now()
			var summaries []*training.Summary
			if all {
				fmt.Fprintf(out, "Training %d folds\n", opts.FoldCount)
				summaries, err = training.CrossValidate(cmd.Context(), driver)
			} else {
				var s *training.Summary
				s, err = driver.Run(cmd.Context())
				summaries = []*training.Summary{s}
			}
			if err != nil {
				return err
			}

			for _, s := range summaries {
				printSummary(out, s)
			}
			fmt.Fprintf(out, "\nCompleted in %.2f seconds\n", time.Since(start).Seconds())

			if path := cfg.Output.MetricsFile; path != "" {
				if err := driver.Metrics.WriteTextfile(path); err != nil {
					return fmt.Errorf("write metrics: %w", err)
				}
				fmt.Fprintf(out, "Metrics written to %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&folds, "folds", "f", "", "Prefix to fold CSVs")
	cmd.Flags().IntVarP(&vfold, "vfold", "v", 2, "Which fold to use for validation")
	cmd.Flags().IntVar(&nfolds, "nfolds", 3, "Number of folds")
	cmd.Flags().StringVar(&schema, "schema", "", "Output schema version (miqaT1 or miqaMix)")
	cmd.Flags().BoolVarP(&onlyEvaluate, "evaluate", "e", false, "Evaluate the saved model without training")
	cmd.Flags().BoolVarP(&trainFlag, "train", "t", false, "Train the model (default)")
	cmd.Flags().BoolVar(&all, "all", false, "Train every fold, then evaluate every fold")
	return cmd
}

func printSummary(out io.Writer, s *training.Summary) {
	fmt.Fprintf(out, "\nRun %s: %d train / %d validation images, %d epochs, validation every %d\n",
		s.RunID, len(s.Split.Train), len(s.Split.Val), s.Schedule.Epochs, s.Schedule.ValInterval)
	if s.BestEpoch >= 0 {
		fmt.Fprintf(out, "Best validation R2 %.4f at epoch %d\n", s.BestMetric, s.BestEpoch)
	}
	if s.Validation != nil {
		fmt.Fprintf(out, "Validation RMSE %.4f, R2 %.4f over %d images\n", s.Validation.RMSE, s.Validation.R2, s.Validation.Count)
	}
	if s.Training != nil {
		fmt.Fprintf(out, "Training RMSE %.4f, R2 %.4f over %d images\n", s.Training.RMSE, s.Training.R2, s.Training.Count)
	}
	fmt.Fprintf(out, "Best model: %s\nFinal model: %s\n", s.BestPath, s.FinalPath)

	fmt.Fprintln(out, "Image size distribution:")
	for _, size := range training.SortedSizes(s.Sizes) {
		fmt.Fprintf(out, "  %s: %d\n", size, s.Sizes[size])
	}
}
