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
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AutoPromptix/cmd/autopromptix/config"
	"github.com/AleutianAI/AutoPromptix/pkg/logging"
	"github.com/AleutianAI/AutoPromptix/pkg/telemetry"
	"github.com/AleutianAI/AutoPromptix/pkg/ux"
)

// --- Global State ---
var (
	cfg      config.AutoPromptixConfig
	logger   = logging.Discard()
	printer  = ux.NewPrinter(os.Stdout, ux.PersonalityMachine)
	shutdown func(context.Context) error
)

// --- Global Command Variables ---
var (
	configPath       string
	personalityLevel string // UX personality level (full/standard/minimal/machine)
	logLevel         string

	// optimize
	optInput        string
	optExpected     string
	optProduct      string
	optExclude      string
	optMutators     []string
	optURL          string
	optReadyTimeout time.Duration
	optJSON         bool

	// mock-server
	mockAddr   string
	mockScript string
	mockRate   float64
	mockWatch  bool

	// chat-session
	sessionName string
	sessionURL  string

	rootCmd = &cobra.Command{
		Use:   "autopromptix",
		Short: "Optimize prompts against an AutoPromptix optimization service",
		Long: `AutoPromptix sends a prompt to an optimization service, streams the
variants it generates and scores, and reports the best one.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	optimizeCmd = &cobra.Command{
		Use:   "optimize",
		Short: "Run one optimization and report the best variant",
		Long: `Run one optimization. Ctrl+C stops the run and keeps the partial
results; a second Ctrl+C aborts immediately.`,
		Example: `  autopromptix optimize --input "Write a launch plan" --expected "clear milestones" --product Acme
  autopromptix optimize --input "Pitch to investors" --mutators "mention pricing" --json`,
		RunE: runOptimize, // Defined in cmd_optimize.go
	}

	mockServerCmd = &cobra.Command{
		Use:   "mock-server",
		Short: "Serve a local mock optimization service",
		RunE:  runMockServer, // Defined in cmd_mock.go
	}

	chatSessionCmd = &cobra.Command{
		Use:   "chat-session",
		Short: "Create a chat session and print its id",
		RunE:  runChatSession, // Defined in cmd_session.go
	}

	versionCmd = &cobra.Command{
		Use:               "version",
		Short:             "Print the version",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autopromptix %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.autopromptix/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "", "output style: full, standard, minimal or machine")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")

	optimizeCmd.Flags().StringVar(&optInput, "input", "", "prompt to optimize (required)")
	optimizeCmd.Flags().StringVar(&optExpected, "expected", "", "what a good answer looks like (required)")
	optimizeCmd.Flags().StringVar(&optProduct, "product", "", "product name (required)")
	optimizeCmd.Flags().StringVar(&optExclude, "exclude", "", "comma-separated keywords the output must avoid")
	optimizeCmd.Flags().StringArrayVar(&optMutators, "mutators", nil, "custom mutation instruction; newline-separated, repeatable")
	optimizeCmd.Flags().StringVar(&optURL, "url", "", "service base URL (overrides service.base_url)")
	optimizeCmd.Flags().DurationVar(&optReadyTimeout, "ready-timeout", 0, "how long to wait for the service to accept the connection")
	optimizeCmd.Flags().BoolVar(&optJSON, "json", false, "print the final snapshot as JSON on stdout")

	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "", "listen address (overrides mock.addr)")
	mockServerCmd.Flags().StringVar(&mockScript, "script", "", "YAML script to play instead of the built-in optimizer")
	mockServerCmd.Flags().Float64Var(&mockRate, "rate", -1, "events per second for the built-in optimizer, 0 for unpaced")
	mockServerCmd.Flags().BoolVar(&mockWatch, "watch", false, "reload --script when the file changes")

	chatSessionCmd.Flags().StringVar(&sessionName, "name", "", "display name for the session (required)")
	chatSessionCmd.Flags().StringVar(&sessionURL, "url", "", "backend base URL, http or https")
	_ = chatSessionCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(optimizeCmd, mockServerCmd, chatSessionCmd, versionCmd)
}

// setup loads the config and builds the logger, printer and telemetry
// shared by every command.
func setup(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg = loaded

	levelName := cfg.Logging.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		JSON:    cfg.Logging.JSON,
		Service: "autopromptix",
	})

	style := cfg.UX.Personality
	if personalityLevel != "" {
		style = personalityLevel
	}
	printer = ux.NewPrinter(cmd.OutOrStdout(), ux.ResolvePersonality(style, os.Stdout))

	shutdown, err = telemetry.Init(cmd.Context(), cfg.Telemetry.Telemetry(version))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	logger.Debug("Configuration loaded", "path", path, "personality", string(printer.Level()))
	return nil
}

// teardown flushes telemetry and closes the logger. Safe to call when
// setup never ran.
func teardown() {
	if shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := shutdown(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
		cancel()
	}
	_ = logger.Close()
}
