package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"miqa/pkg/queue"
	"miqa/pkg/results"
	"miqa/pkg/telemetry"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Evaluate queued images and store the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.setup()
			if err != nil {
				return err
			}
			wait, err := cfg.QueueWait()
			if err != nil {
				return err
			}

			store, err := results.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			source, err := queue.NewRedisSource(cmd.Context(), cfg.RedisOptions())
			if err != nil {
				return err
			}
			defer source.Close()

			registry := ctx.registry(cfg, logger)
			registry.Metrics = telemetry.New()

			worker := queue.NewWorker(source, registry, store)
			worker.ScanTypes = cfg.ScanTypes
			worker.BatchSize = cfg.Queue.BatchSize
			worker.Wait = wait
			worker.Logger = logger
			return worker.Run(cmd.Context())
		},
	}

	cmd.AddCommand(newEnqueueCommand(ctx))
	return cmd
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var scanType, model string

	cmd := &cobra.Command{
		Use:   "enqueue IMAGE...",
		Short: "Queue images for evaluation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.setup()
			if err != nil {
				return err
			}
			if model == "" {
				if _, ok := cfg.ScanTypes[scanType]; !ok {
					return fmt.Errorf("no evaluation model for scan type %q", scanType)
				}
			}

			source, err := queue.NewRedisSource(cmd.Context(), cfg.RedisOptions())
			if err != nil {
				return err
			}
			defer source.Close()

			out := cmd.OutOrStdout()
			for _, path := range args {
				job := queue.NewJob(path, scanType)
				job.Model = model
				if err := source.Enqueue(cmd.Context(), job); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%s\n", job.ID, path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scanType, "scan-type", "T1", "Scan type used to pick the evaluation model")
	cmd.Flags().StringVar(&model, "model", "", "Evaluation model, overriding the scan type")
	return cmd
}
