// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AutoPromptix/cmd/autopromptix/config"
	"github.com/AleutianAI/AutoPromptix/pkg/logging"
	"github.com/AleutianAI/AutoPromptix/pkg/ux"
)

// resetGlobals restores the package state commands mutate.
func resetGlobals(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		cfg = config.AutoPromptixConfig{}
		logger = logging.Discard()
		printer = ux.NewPrinter(os.Stdout, ux.PersonalityMachine)
		shutdown = nil
		configPath, personalityLevel, logLevel = "", "", ""
		mockAddr, mockScript, mockRate = "", "", -1
	})
}

func TestHTTPBase(t *testing.T) {
	tests := map[string]string{
		"ws://localhost:8000":   "http://localhost:8000",
		"wss://api.example.com": "https://api.example.com",
		"http://already.test":   "http://already.test",
		"":                      "",
	}
	for in, want := range tests {
		assert.Equal(t, want, httpBase(in), in)
	}
}

func TestSetup_LoadsConfig(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  base_url: ws://svc.test:9000\n"), 0o600))

	configPath = path
	personalityLevel = "machine"
	logLevel = "debug"

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())

	require.NoError(t, setup(cmd, nil))
	defer teardown()

	assert.Equal(t, "ws://svc.test:9000", cfg.Service.BaseURL)
	assert.Equal(t, config.DefaultConfig().Service.StopGrace, cfg.Service.StopGrace)
	assert.True(t, printer.Machine())
	assert.NotNil(t, shutdown)
}

func TestSetup_RejectsBadLogLevel(t *testing.T) {
	resetGlobals(t)
	configPath = filepath.Join(t.TempDir(), "config.yaml")
	logLevel = "loud"

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	assert.Error(t, setup(cmd, nil))
}

func TestMockServerConfig(t *testing.T) {
	resetGlobals(t)
	cfg = config.DefaultConfig()
	mockRate = -1

	addr, mcfg, err := mockServerConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg.Mock.Addr, addr)
	assert.Equal(t, cfg.Mock.EventsPerSecond, mcfg.EventsPerSecond)
	assert.Nil(t, mcfg.Script)

	script := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(script, []byte("name: quick\nsteps:\n  - type: complete\n"), 0o600))
	mockAddr, mockRate, mockScript = "127.0.0.1:0", 0, script

	addr, mcfg, err = mockServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", addr)
	assert.Zero(t, mcfg.EventsPerSecond)
	require.NotNil(t, mcfg.Script)
	assert.Equal(t, "quick", mcfg.Script.Name)

	mockScript = filepath.Join(t.TempDir(), "missing.yaml")
	_, _, err = mockServerConfig()
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Equal(t, "autopromptix dev\n", out.String())
}
