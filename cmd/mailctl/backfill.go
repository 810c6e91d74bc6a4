// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcem/mailintake/internal/app"
	"github.com/bcem/mailintake/internal/backfill"
)

var (
	backfillAccounts []string
	backfillAll      bool
	backfillSince    time.Duration
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Import historical mail",
	Long: `Walks mailboxes forward from --since ago through the normal import
pipeline. Already imported messages are skipped and the regular sync
watermark is left untouched, so backfill can run alongside the worker.`,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().StringSliceVar(&backfillAccounts, "account", nil, "mailbox account IDs")
	backfillCmd.Flags().BoolVar(&backfillAll, "all", false, "backfill every connected account")
	backfillCmd.Flags().DurationVar(&backfillSince, "since", 168*time.Hour, "lookback duration (e.g. 720h for 30 days)")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	if (len(backfillAccounts) == 0) == !backfillAll {
		return errors.New("exactly one of --account or --all is required")
	}

	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		ids := backfillAccounts
		if backfillAll {
			accounts, err := a.Store.ListConnectedAccounts(ctx)
			if err != nil {
				return err
			}
			for _, acct := range accounts {
				ids = append(ids, acct.ID)
			}
		}

		runner := backfill.NewRunner(backfill.RunnerConfig{
			Importer: a.Worker,
			Locker:   a.Locker,
			LockTTL:  a.Config.JobTimeout,
		})
		result, err := runner.Run(ctx, backfill.BackfillRequest{
			AccountIDs: ids,
			Since:      backfillSince,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	})
}
