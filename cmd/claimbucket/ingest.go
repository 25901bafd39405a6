package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/warp/claim-bucketing/ingest"
)

func ingestCmd(configPath *string) *cobra.Command {
	var consumer string

	cmd := &cobra.Command{
		Use:   "ingest [claims.jsonl]",
		Short: "Submit claims from a JSON-lines file",
		Long: `Submit claims from a JSON-lines file, one claim per line.

Progress is checkpointed per line under the consumer name (the absolute
file path unless --consumer is given), so rerunning the same file resumes
after the last processed line. Buckets committed during the run are
generated by the workers while the file is read; requests still queued at
exit stay GENERATING and are recovered by the next serve sweep.

Examples:
  claimbucket ingest ./inbox/claims.jsonl
  claimbucket ingest ./inbox/claims.jsonl --consumer clearinghouse-a`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			path := args[0]
			if consumer == "" {
				abs, err := filepath.Abs(path)
				if err != nil {
					return err
				}
				consumer = "file:" + abs
			}
			return runIngest(ctx, *configPath, path, consumer)
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", "", "checkpoint name (default: file:<absolute path>)")
	return cmd
}

func runIngest(ctx context.Context, configPath, path, consumer string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.engine.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer a.engine.Stop()

	res, err := ingest.NewRunner(a.engine.Aggregator, a.store, a.logger).Run(ctx, consumer, f)
	fmt.Printf("%s: lines %d..%d admitted=%d duplicate=%d rejected=%d\n",
		consumer, res.Start+1, res.Position, res.Admitted, res.Duplicate, res.Rejected)
	return err
}
