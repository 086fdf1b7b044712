// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eiamhq/eiam/pkg/authserver"
	"github.com/eiamhq/eiam/pkg/logger"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Run the authorization server until interrupted.

Configuration is read from --config (YAML, JSON or TOML) and overridden by
EIAM_ prefixed environment variables, e.g. EIAM_ISSUER.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			srv, err := authserver.New(ctx, *cfg)
			if err != nil {
				return fmt.Errorf("failed to create authorization server: %w", err)
			}
			defer func() {
				if err := srv.Close(); err != nil {
					logger.Warnw("failed to release server resources", "error", err)
				}
			}()

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the server configuration file")

	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the server configuration without starting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: issuer %s, %d static clients\n", cfg.Issuer, len(cfg.Clients.Static))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the server configuration file")

	return cmd
}

// loadConfig reads, resolves and validates the configuration at path.
func loadConfig(path string) (*authserver.Config, error) {
	rc, err := authserver.LoadRunConfig(path)
	if err != nil {
		return nil, err
	}
	cfg, err := rc.ToConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve configuration: %w", err)
	}
	return cfg, nil
}
