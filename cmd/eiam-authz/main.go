// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the eiam authorization server.
package main

import (
	"os"

	"github.com/eiamhq/eiam/cmd/eiam-authz/app"
	"github.com/eiamhq/eiam/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
