// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the eiam-authz command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eiamhq/eiam/pkg/logger"
)

// NewRootCmd creates the root command for the eiam-authz CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "eiam-authz",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "eiam-authz is the OAuth 2.0 and OpenID Connect authorization server of eiam",
		Long: `eiam-authz validates authorization requests, authenticates clients at the
token service endpoints, records user consent and issues implicit flow tokens
and authorization codes for the clients registered with it.`,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// The logger was built before flags were parsed.
			if err := viper.BindPFlag("debug", cmd.Flags().Lookup("debug")); err != nil {
				logger.Errorw("failed to bind debug flag", "error", err)
			}
			logger.Initialize()
		},
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorw("error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
