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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AutoPromptix/services/mockoptimizer"
)

// mockServerConfig resolves mock-server flags against the config file.
func mockServerConfig() (addr string, mcfg mockoptimizer.Config, err error) {
	addr = cfg.Mock.Addr
	if mockAddr != "" {
		addr = mockAddr
	}

	mcfg = mockoptimizer.Config{
		EventsPerSecond: cfg.Mock.EventsPerSecond,
		Logger:          logger,
	}
	if mockRate >= 0 {
		mcfg.EventsPerSecond = mockRate
	}
	if mockScript != "" {
		mcfg.Script, err = mockoptimizer.LoadScript(mockScript)
		if err != nil {
			return "", mockoptimizer.Config{}, fmt.Errorf("load script: %w", err)
		}
	}
	return addr, mcfg, nil
}

func runMockServer(cmd *cobra.Command, _ []string) error {
	addr, mcfg, err := mockServerConfig()
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scriptName := "built-in"
	if mcfg.Script != nil {
		scriptName = mcfg.Script.Name
	}
	printer.Success(fmt.Sprintf("Mock optimizer on %s (script: %s)", addr, scriptName))
	printer.Muted(fmt.Sprintf("Point optimize at it with --url ws://%s", addr))

	srv := mockoptimizer.New(mcfg)
	if !mockWatch || mockScript == "" {
		return srv.ListenAndServe(ctx, addr)
	}

	watcher, err := mockoptimizer.NewScriptWatcher(mockScript, srv.SetScript, logger)
	if err != nil {
		return err
	}
	defer watcher.Close()
	printer.Muted("Reloading the script when " + mockScript + " changes")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
	g.Go(func() error { return watcher.Run(gctx) })
	return g.Wait()
}
