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

	"github.com/spf13/cobra"

	"github.com/bcem/mailintake/internal/app"
	"github.com/bcem/mailintake/internal/models"
)

var (
	sendAccount string
	sendTo      []string
	sendCc      []string
	sendSubject string
	sendBody    string
	sendReplyTo string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message from a connected mailbox",
	Long: `Sends an HTML message through the provider using the account's stored
tokens. With --reply-to the message is sent as a reply to that provider
message and lands in the same conversation.`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendAccount, "account", "", "mailbox account ID (required)")
	sendCmd.Flags().StringSliceVar(&sendTo, "to", nil, "recipient addresses (required)")
	sendCmd.Flags().StringSliceVar(&sendCc, "cc", nil, "cc addresses")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "message subject")
	sendCmd.Flags().StringVar(&sendBody, "body", "", "HTML body")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "provider ID of the message being answered")
	_ = sendCmd.MarkFlagRequired("account")
	_ = sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		account, err := a.Store.GetAccount(ctx, sendAccount)
		if err != nil {
			return err
		}
		if !account.Connected() {
			return errors.New("mailbox needs reconnection: " + account.StatusReason)
		}

		err = a.Graph.SendMessage(ctx, account, models.OutboundMessage{
			To:        toAddresses(sendTo),
			Cc:        toAddresses(sendCc),
			Subject:   sendSubject,
			BodyHTML:  sendBody,
			ReplyToID: sendReplyTo,
		})
		if err != nil {
			return err
		}
		cmd.Println("Message sent.")
		return nil
	})
}

func toAddresses(in []string) []models.EmailAddress {
	out := make([]models.EmailAddress, 0, len(in))
	for _, a := range in {
		out = append(out, models.EmailAddress{Address: a})
	}
	return out
}
