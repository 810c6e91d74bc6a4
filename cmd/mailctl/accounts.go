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

	"github.com/spf13/cobra"

	"github.com/bcem/mailintake/internal/app"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List connected mailbox accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			accounts, err := a.Store.ListConnectedAccounts(ctx)
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				cmd.Println("No connected accounts.")
				return nil
			}
			for _, acct := range accounts {
				lastSync := "never"
				if acct.LastSyncAt != nil {
					lastSync = acct.LastSyncAt.Format("2006-01-02 15:04:05Z07:00")
				}
				cmd.Printf("%s  %-40s  firm=%s  last_sync=%s\n", acct.ID, acct.EmailAddress, acct.FirmID, lastSync)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)
}
