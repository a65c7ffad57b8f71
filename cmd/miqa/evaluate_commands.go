package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"miqa/pkg/config"
	"miqa/pkg/inference"
	"miqa/pkg/volume"
)

// engineFlags selects a model by checkpoint file or by registered name.
type engineFlags struct {
	modelFile string
	model     string
}

func (f *engineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.modelFile, "modelfile", "m", "", "Path to neural network model weights")
	cmd.Flags().StringVar(&f.model, "model", "", "Registered evaluation model name, e.g. MIQAT1-0")
}

func (f *engineFlags) engine(ctx *commandContext, cfg *config.Config, logger *slog.Logger) (*inference.Engine, error) {
	switch {
	case f.modelFile != "" && f.model != "":
		return nil, errors.New("--modelfile and --model are mutually exclusive")
	case f.modelFile != "":
		engine, err := inference.LoadEngine(f.modelFile, cfg.Factory(), volume.NewFileLoader())
		if err != nil {
			return nil, err
		}
		engine.Logger = logger
		return engine, nil
	case f.model != "":
		return ctx.registry(cfg, logger).Engine(f.model)
	}
	return nil, errors.New("set --modelfile or --model")
}

func newEvaluate1Command(ctx *commandContext) *cobra.Command {
	var flags engineFlags

	cmd := &cobra.Command{
		Use:   "evaluate1 IMAGE",
		Short: "Evaluate one image and print its labeled outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.setup()
			if err != nil {
				return err
			}
			engine, err := flags.engine(ctx, cfg, logger)
			if err != nil {
				return err
			}

			outcome, err := engine.Run(cmd.Context(), inference.SingleImage{Path: args[0]})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Evaluation of %s with %s\n", args[0], engine.Name)
			for _, name := range engine.Schema.Names() {
				fmt.Fprintf(out, "  %-24s %.4f\n", name, outcome.Result[name])
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// batchEvaluation is one image in the output of the evaluate command.
type batchEvaluation struct {
	ImagePath string             `json:"image_path"`
	Model     string             `json:"evaluation_model"`
	Results   inference.Result   `json:"results"`
	Scores    map[string]float64 `json:"scores,omitempty"`
}

func newEvaluateCommand(ctx *commandContext) *cobra.Command {
	var (
		flags  engineFlags
		scores bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate IMAGE...",
		Short: "Evaluate images with one model and print JSON results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.setup()
			if err != nil {
				return err
			}
			engine, err := flags.engine(ctx, cfg, logger)
			if err != nil {
				return err
			}

			byPath, err := engine.EvaluateMany(cmd.Context(), args)
			if err != nil {
				return err
			}

			paths := make([]string, 0, len(byPath))
			for path := range byPath {
				paths = append(paths, path)
			}
			sort.Strings(paths)

			evaluations := make([]batchEvaluation, 0, len(paths))
			for _, path := range paths {
				ev := batchEvaluation{ImagePath: path, Model: engine.Name, Results: byPath[path]}
				if scores {
					ev.Scores = inference.ReviewScores(engine.Schema, ev.Results)
				}
				evaluations = append(evaluations, ev)
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(evaluations)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&scores, "scores", false, "Include reviewer-facing scores")
	return cmd
}
