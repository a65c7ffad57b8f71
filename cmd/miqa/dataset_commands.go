package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"miqa/internal/models"
	"miqa/pkg/manifest"
)

// datasetFlags controls where a scanned dataset is written.
type datasetFlags struct {
	schema string
	folds  int
	prefix string
}

func (f *datasetFlags) register(cmd *cobra.Command, prefix string) {
	cmd.Flags().StringVar(&f.schema, "schema", "", "Output schema version (miqaT1 or miqaMix)")
	cmd.Flags().IntVar(&f.folds, "split", 0, "Also deal the records into this many fold CSVs")
	cmd.Flags().StringVar(&f.prefix, "prefix", prefix, "Prefix of the fold CSVs written by --split")
}

func (f *datasetFlags) resolveSchema(configured string) (models.Schema, error) {
	if f.schema != "" {
		configured = f.schema
	}
	return models.SchemaByVersion(configured)
}

// writeFolds writes records to prefix0.csv, prefix1.csv, ...
func (f *datasetFlags) writeFolds(out io.Writer, records []models.Record, schema models.Schema) error {
	folds, err := manifest.SplitFolds(records, f.folds)
	if err != nil {
		return err
	}
	for i, fold := range folds {
		path := manifest.FoldPath(f.prefix, i)
		if err := manifest.WriteFile(path, fold, schema); err != nil {
			return err
		}
		fmt.Fprintf(out, "Fold %d: %d records written to %s\n", i, len(fold), path)
	}
	return nil
}

func printTally(out io.Writer, tally manifest.Tally) {
	fmt.Fprintf(out, "Existing files: %d, non-existent files: %d\n", tally.Existing, tally.Missing)
	if n := len(tally.Problems) - tally.Missing; n > 0 {
		fmt.Fprintf(out, "Unreadable images: %d\n", n)
	}
}

func newPredictHDCommand(ctx *commandContext) *cobra.Command {
	var (
		flags  datasetFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "predicthd ROOT",
		Short: "Build the customized PredictHD manifest from its phenotype table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.setup()
			if err != nil {
				return err
			}
			root := cfg.Data.PredictHDRoot
			if len(args) == 1 {
				root = args[0]
			}
			schema, err := flags.resolveSchema(cfg.Model.Schema)
			if err != nil {
				return err
			}

			table := filepath.Join(root, manifest.PredictHDTable)
			logger.Info("reading phenotype table", "path", table)
			records, err := manifest.ReadFile(table, manifest.Options{Schema: schema, Root: root})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tally := manifest.Probe(records, nil)
			printTally(out, tally)

			full, err := filepath.Abs(output)
			if err != nil {
				return err
			}
			if err := manifest.WriteFile(full, records, schema); err != nil {
				return err
			}
			fmt.Fprintf(out, "CSV file written: %s\n", full)

			if flags.folds > 0 {
				return flags.writeFolds(out, records, schema)
			}
			return nil
		},
	}
	flags.register(cmd, "predicthd")
	cmd.Flags().StringVarP(&output, "out", "o", "bids_image_qc_information-customized.csv", "Manifest to write")
	return cmd
}

func newNCANDACommand(ctx *commandContext) *cobra.Command {
	var (
		flags  datasetFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "ncanda ROOT",
		Short: "Scan an NCANDA tree of usable and unusable images into a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.setup()
			if err != nil {
				return err
			}
			schema, err := flags.resolveSchema(cfg.Model.Schema)
			if err != nil {
				return err
			}

			records, err := manifest.ScanNCANDA(args[0], schema)
			if err != nil {
				return err
			}
			logger.Info("scanned NCANDA images", "root", args[0], "images", len(records))

			out := cmd.OutOrStdout()
			printTally(out, manifest.Probe(records, nil))

			if err := manifest.WriteFile(output, records, schema); err != nil {
				return err
			}
			fmt.Fprintf(out, "CSV file written: %s\n", output)

			if flags.folds > 0 {
				return flags.writeFolds(out, records, schema)
			}
			return nil
		},
	}
	flags.register(cmd, "ncanda")
	cmd.Flags().StringVarP(&output, "out", "o", "ncanda0.csv", "Manifest to write")
	return cmd
}
