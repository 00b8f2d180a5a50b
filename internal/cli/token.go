// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-funneltrack/eventstore"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an ingest token for POST /events",
	Long: `Token signs a JWT with JWT_SECRET for a client application. The token may be
restricted to a list of form types; without --form it may append events of any form.`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("client", "", "Client application id (token subject)")
	tokenCmd.Flags().StringSlice("form", nil, "Allowed form type (repeatable)")
	tokenCmd.Flags().Duration("expiry", 0, "Token lifetime (default 24h)")
}

func runToken(cmd *cobra.Command, _ []string) error {
	clientID, _ := cmd.Flags().GetString("client")
	if clientID == "" {
		return fmt.Errorf("client id is required (use --client)")
	}
	forms, _ := cmd.Flags().GetStringSlice("form")
	expiry, _ := cmd.Flags().GetDuration("expiry")
	if expiry <= 0 {
		expiry = cfg.TokenExpiry
	}

	token, err := eventstore.NewJWTAuth(cfg.JWTSecret).GenerateToken(clientID, forms, expiry)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	logger.Debug("Generated ingest token", "client_id", clientID, "forms", forms, "expiry", expiry)
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
