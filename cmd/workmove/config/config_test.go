// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadFirstRunWritesDefault verifies a missing config file is
// created with defaults.
func TestLoadFirstRunWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workmove.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.podio.com", cfg.API.BaseURL)
	assert.Equal(t, "https://api.podio.com/oauth/token", cfg.API.TokenURL)
	assert.Equal(t, 500, cfg.Jobs.PageSize)
	assert.Equal(t, 5, cfg.Jobs.Concurrency)
	assert.Equal(t, 8080, cfg.Server.Port)

	_, err = os.Stat(path)
	assert.NoError(t, err, "default config file written")
}

// TestLoadPartialFileKeepsDefaults verifies unspecified keys retain
// default values.
func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workmove.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0640))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Jobs.PageSize, "defaults survive partial files")
}

// TestLoadEnvOverrides verifies environment identity overrides.
func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workmove.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  client_id: from-file\n"), 0640))

	t.Setenv(EnvClientID, "from-env")
	t.Setenv(EnvUsername, "alice")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.ClientID)
	assert.Equal(t, "alice", cfg.Auth.Username)
}

// TestLoadMalformedFile verifies the parse error surfaces.
func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workmove.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [not a map"), 0640))

	_, err := Load(path)
	assert.Error(t, err)
}
