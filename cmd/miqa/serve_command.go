package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"miqa/pkg/queue"
	"miqa/pkg/results"
	"miqa/pkg/server"
	"miqa/pkg/telemetry"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		addr  string
		async bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve evaluations over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.setup()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			store, err := results.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			metrics := telemetry.New()
			registry := ctx.registry(cfg, logger)
			registry.Metrics = metrics

			srv := server.New(registry, store)
			srv.ScanTypes = cfg.ScanTypes
			srv.Metrics = metrics
			srv.Logger = logger

			if async {
				source, err := queue.NewRedisSource(cmd.Context(), cfg.RedisOptions())
				if err != nil {
					return err
				}
				defer source.Close()
				srv.Queue = source
			}

			if err := os.MkdirAll(registry.Dir, 0o755); err != nil {
				return fmt.Errorf("create models directory: %w", err)
			}

			group, gctx := errgroup.WithContext(cmd.Context())
			group.Go(func() error {
				return srv.ListenAndServe(gctx, addr)
			})
			if cfg.Server.Watch {
				group.Go(func() error {
					return server.WatchModels(gctx, registry.Dir, registry, logger, nil)
				})
			}
			return group.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, defaults to server.addr")
	cmd.Flags().BoolVar(&async, "async", false, "Accept asynchronous requests through the Redis queue")
	return cmd
}
