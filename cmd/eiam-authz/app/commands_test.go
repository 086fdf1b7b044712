// SPDX-FileCopyrightText: Copyright 2025 The eiam Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eiamhq/eiam/pkg/versions"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) { //nolint:paralleltest // Root command binds global viper flags

	t.Run("text", func(t *testing.T) {
			out, err := execute(t, "version")
		require.NoError(t, err)
		assert.Contains(t, out, "eiam-authz "+versions.GetVersionInfo().Version)
		assert.Contains(t, out, "Platform: ")
	})

	t.Run("json", func(t *testing.T) {
			out, err := execute(t, "version", "--json")
		require.NoError(t, err)

		var info versions.VersionInfo
		require.NoError(t, json.Unmarshal([]byte(out), &info))
		assert.Equal(t, versions.GetVersionInfo(), info)
	})
}

func TestCheckConfigCommand(t *testing.T) { //nolint:paralleltest // Root command binds global viper flags

	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`
issuer: https://auth.example.com/
clients:
  static:
    - client_id: web
      redirect_uris: ["https://app.example.com/cb"]
      scopes: ["openid", "profile"]
      grant_types: ["implicit"]
      auth_methods: ["none"]
`), 0o600))

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte(`
issuer: not-a-url
`), 0o600))

	t.Run("valid", func(t *testing.T) {
			out, err := execute(t, "check-config", "--config", valid)
		require.NoError(t, err)
		assert.Contains(t, out, "configuration OK: issuer https://auth.example.com, 1 static clients")
	})

	t.Run("invalid", func(t *testing.T) {
			_, err := execute(t, "check-config", "--config", invalid)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "issuer must be an absolute URL")
	})

	t.Run("missing file", func(t *testing.T) {
			_, err := execute(t, "check-config", "--config", filepath.Join(dir, "nope.yaml"))
		require.Error(t, err)
	})
}
