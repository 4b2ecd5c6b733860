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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AutoPromptix/pkg/logging"
	"github.com/AleutianAI/AutoPromptix/pkg/telemetry"
	"github.com/AleutianAI/AutoPromptix/pkg/ux"
	"github.com/AleutianAI/AutoPromptix/services/optimization/channel"
	"github.com/AleutianAI/AutoPromptix/services/optimization/protocol"
	"github.com/AleutianAI/AutoPromptix/services/optimization/session"
)

// errAborted ends a run on the second interrupt without waiting for it.
var errAborted = errors.New("optimization aborted")

// optimizeOptions is everything one optimize invocation needs.
type optimizeOptions struct {
	Form         protocol.Form
	BaseURL      string
	ReadyTimeout time.Duration
	StopGrace    time.Duration
	WriteTimeout time.Duration
	MetricsAddr  string
	JSON         bool
}

// optimizeIO carries the process surfaces so tests can replace them.
type optimizeIO struct {
	Printer *ux.Printer
	Out     io.Writer // receives --json output
	Logger  *logging.Logger
	Signals <-chan os.Signal
}

func runOptimize(cmd *cobra.Command, _ []string) error {
	opts := optimizeOptions{
		Form: protocol.Form{
			UserInput:       optInput,
			ExpectedOutput:  optExpected,
			ProductName:     optProduct,
			ExcludeKeywords: optExclude,
			CustomMutators:  strings.Join(optMutators, "\n"),
		},
		BaseURL:      cfg.Service.BaseURL,
		ReadyTimeout: cfg.Service.ReadyTimeout,
		StopGrace:    cfg.Service.StopGrace,
		WriteTimeout: cfg.Service.WriteTimeout,
		MetricsAddr:  cfg.Telemetry.MetricsAddr,
		JSON:         optJSON,
	}
	if optURL != "" {
		opts.BaseURL = optURL
	}
	if optReadyTimeout > 0 {
		opts.ReadyTimeout = optReadyTimeout
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	_, err := optimize(cmd.Context(), opts, optimizeIO{
		Printer: printer,
		Out:     cmd.OutOrStdout(),
		Logger:  logger,
		Signals: signals,
	})
	return err
}

// optimize runs one optimization to the end and reports it.
//
// # Description
//
// Starts a session.Controller and prints progress while it runs. The first
// signal stops the run; the run then drains trailing events and ends as
// stopped. A second signal returns errAborted immediately. When MetricsAddr
// is set and the prometheus exporter is active, /metrics is served for the
// duration of the run.
//
// # Outputs
//
//   - session.Snapshot: The final state. Partial for stopped and aborted runs.
//   - error: The request validation error, the transport error,
//     *session.ServiceError, or errAborted. nil for completed and stopped.
func optimize(ctx context.Context, opts optimizeOptions, env optimizeIO) (session.Snapshot, error) {
	req := protocol.NewOptimizationRequest(opts.Form)
	if err := req.Validate(); err != nil {
		return session.Snapshot{}, fmt.Errorf("invalid input: %w", err)
	}

	var onUpdate func(session.Snapshot)
	if !opts.JSON {
		onUpdate = newProgressReporter(env.Printer).Update
	}

	ctrl := session.New(session.Config{
		BaseURL:      opts.BaseURL,
		ReadyTimeout: opts.ReadyTimeout,
		StopGrace:    opts.StopGrace,
		Channel:      channel.Config{WriteTimeout: opts.WriteTimeout},
		Logger:       env.Logger,
		OnUpdate:     onUpdate,
	})

	if err := ctrl.Start(ctx, req); err != nil {
		snap := ctrl.Snapshot()
		return snap, report(opts, env, snap, err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	if opts.MetricsAddr != "" {
		serveMetrics(gctx, g, opts.MetricsAddr, env.Logger)
	}

	g.Go(func() error {
		defer cancelRun()
		interrupted := false
		for {
			select {
			case <-ctrl.Done():
				return nil

			case <-gctx.Done():
				_ = ctrl.Stop()
				<-ctrl.Done()
				return nil

			case <-env.Signals:
				if interrupted {
					return errAborted
				}
				interrupted = true
				if err := ctrl.Stop(); err == nil && !opts.JSON {
					env.Printer.Warning("Stopping. Press Ctrl+C again to abort.")
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		snap := ctrl.Snapshot()
		return snap, report(opts, env, snap, err)
	}

	snap, err := ctrl.Wait(context.Background())
	return snap, report(opts, env, snap, err)
}

// report prints the outcome and passes err through.
func report(opts optimizeOptions, env optimizeIO, snap session.Snapshot, err error) error {
	if opts.JSON {
		enc := json.NewEncoder(env.Out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(snap); encErr != nil {
			return errors.Join(err, fmt.Errorf("encode snapshot: %w", encErr))
		}
		return err
	}

	if snap.RunID != "" {
		renderResult(env.Printer, snap)
	}
	if err != nil {
		env.Printer.Error(describeError(err))
	}
	return err
}

// describeError turns a run error into one line for the terminal.
func describeError(err error) string {
	var se *session.ServiceError
	switch {
	case errors.As(err, &se):
		return "Optimization service error: " + se.Message
	case errors.Is(err, channel.ErrReadyTimeout):
		return "The optimization service did not accept the connection in time."
	case errors.Is(err, channel.ErrUnexpectedClose):
		return "The connection to the optimization service closed unexpectedly."
	case errors.Is(err, errAborted):
		return "Aborted. Results above are partial."
	default:
		return err.Error()
	}
}

// serveMetrics exposes /metrics until ctx ends.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, log *logging.Logger) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		log.Warn("metrics_addr is set but the prometheus exporter is not active", "addr", addr)
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		log.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
