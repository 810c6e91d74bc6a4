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
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/bcem/mailintake/internal/app"
)

var (
	pollAccount string
	pollAll     bool
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one ingestion pass",
	Long: `Polls one mailbox (--account) or every connected mailbox (--all) once
and prints the result as JSON. Both take the same per-account locks as the
worker, so they are safe to run while it is up.`,
	RunE: runPoll,
}

func init() {
	pollCmd.Flags().StringVar(&pollAccount, "account", "", "mailbox account ID")
	pollCmd.Flags().BoolVar(&pollAll, "all", false, "poll every connected account")
	rootCmd.AddCommand(pollCmd)
}

func runPoll(cmd *cobra.Command, args []string) error {
	if (pollAccount == "") == !pollAll {
		return errors.New("exactly one of --account or --all is required")
	}

	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if pollAll {
			summary, err := a.Scheduler.RunOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		}

		result, err := a.Scheduler.PollAccount(ctx, pollAccount)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	})
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
