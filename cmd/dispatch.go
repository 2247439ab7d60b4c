/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nuomoria/postbox/model"
)

type batchRunner interface {
	RunBatch(ctx context.Context, batchSize int) (*model.BatchResult, error)
}

// runDispatch performs one run and writes its summary as JSON to out.
func runDispatch(ctx context.Context, runner batchRunner, batchSize int, out io.Writer) error {
	result, err := runner.RunBatch(ctx, batchSize)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// dispatchCommands runs a single dispatcher batch. Send failures are reported in the summary;
// only a run-level failure exits non-zero.
func dispatchCommands(p *postboxInstance) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "run one outbox dispatch batch and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := runDispatch(ctx, p.postbox, batchSize, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("dispatch failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "messages to claim (0 uses outbox.batch_size)")
	return cmd
}
