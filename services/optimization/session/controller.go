// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session drives one optimization run end to end.
//
// # Description
//
// A Controller opens a channel to the optimization service, sends the
// initial request and folds every inbound event into the run's state and
// trial ledger. It owns the phase state machine:
//
//	idle -> connecting -> running -> completed | stopped | errored
//
// Terminal phases absorb: events that arrive afterwards still update the
// ledger, but never move the phase again.
//
// # Concurrency
//
// Each run has exactly one loop goroutine that decodes and applies events
// in arrival order. Stop and Snapshot may be called from any goroutine; a
// mutex serializes them with the loop. Start blocks only while waiting for
// the channel to become ready. Everything else returns immediately.
//
// # Channel Release
//
// Every run releases its channel exactly once. completed and errored
// release immediately. stopped keeps the channel open so trailing events
// are still merged, and releases on optimization_stopped, final_results,
// complete, channel end, or after StopGrace, whichever comes first.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AutoPromptix/pkg/logging"
	"github.com/AleutianAI/AutoPromptix/pkg/telemetry"
	"github.com/AleutianAI/AutoPromptix/services/optimization/channel"
	"github.com/AleutianAI/AutoPromptix/services/optimization/protocol"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultReadyTimeout bounds the wait for the channel to open.
	DefaultReadyTimeout = 5 * time.Second

	// DefaultStopGrace is how long a stopped run keeps listening for
	// trailing events before it releases the channel.
	DefaultStopGrace = 2 * time.Second

	// OptimizePath is the websocket route, followed by the run id.
	OptimizePath = "/ws/optimize/"
)

// Config configures a Controller.
type Config struct {
	// BaseURL is the service root, e.g. ws://localhost:8000. http and https
	// schemes are rewritten to ws and wss.
	BaseURL string

	// ReadyTimeout bounds Start's wait for readiness. Default: 5s.
	ReadyTimeout time.Duration

	// StopGrace bounds how long a stopped run waits for trailing events.
	// Default: 2s.
	StopGrace time.Duration

	// Channel configures each run's channel. A nil Logger inherits the
	// controller's run-scoped logger.
	Channel channel.Config

	// Logger receives controller logs. Default: logging.Default().
	Logger *logging.Logger

	// TracerProvider creates the session spans. Default: the global provider.
	TracerProvider trace.TracerProvider

	// OnUpdate, if set, is called on the run's goroutine after every applied
	// event and phase change with a fresh snapshot. It must not block for long.
	OnUpdate func(Snapshot)

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// =============================================================================
// Controller
// =============================================================================

// Controller runs optimization sessions, one at a time.
type Controller struct {
	cfg    Config
	log    *logging.Logger
	tracer trace.Tracer

	// startMu serializes Start calls.
	startMu sync.Mutex

	// mu guards run and every field of run.st.
	mu  sync.Mutex
	run *run
}

// run is everything owned by one Start call.
type run struct {
	id  string
	st  *state
	ch  *channel.Channel
	log *logging.Logger

	ctx  context.Context // carries the run span
	span trace.Span

	stopSent   bool
	stopSignal chan struct{} // closed by Stop
	released   bool
	err        error
	done       chan struct{} // closed once the run has released its channel
}

// New creates an idle Controller.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:    cfg,
		log:    cfg.Logger,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
}

// Start begins a new run and returns once the request has been sent.
//
// # Description
//
// Validates req, releases any prior run, and moves idle -> connecting. It
// opens <BaseURL>/ws/optimize/<runID>, waits for readiness, sends req and
// moves to running. From then on a loop goroutine applies inbound events.
//
// # Inputs
//
//   - ctx: Bounds the readiness wait and parents the run span. Cancelling
//     it after Start returns does not affect the run.
//   - req: The initial request. Build it with protocol.NewOptimizationRequest.
//
// # Outputs
//
//   - error: A validation error (phase stays as it was), or the transport
//     error that moved the run to errored.
//
// # Limitations
//
//   - There is no reconnect. A failed run must be started again.
func (c *Controller) Start(ctx context.Context, req protocol.OptimizationRequest) error {
	if req.Type == "" {
		req.Type = protocol.TypeOptimizationRequest
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("session: invalid request: %w", err)
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	r := c.newRun()
	endpoint, err := Endpoint(c.cfg.BaseURL, r.id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.run
	c.mu.Unlock()
	if prev != nil {
		c.supersede(prev)
	}

	r.ctx, r.span = startRunSpan(ctx, c.tracer, r.id)
	r.log = r.log.With(telemetry.TraceAttrs(r.ctx)...)
	recordRunStarted(r.ctx)

	c.mu.Lock()
	c.run = r
	r.st.phase = PhaseConnecting
	r.st.startedAt = c.cfg.Now()
	snap := r.st.snapshot()
	c.mu.Unlock()
	c.notify(snap)

	r.log.Info("Starting optimization run",
		"input_bytes", len(req.UserInput),
		"exclude_keywords", len(req.ExcludeKeywords),
		"custom_mutators", len(req.CustomMutators),
	)

	if err := r.ch.Open(r.ctx, endpoint); err != nil {
		c.failStart(r, err)
		return err
	}

	readyCtx, readySpan := c.tracer.Start(trace.ContextWithSpan(ctx, r.span), "session.AwaitReady")
	began := time.Now()
	err = r.ch.AwaitReady(readyCtx, c.cfg.ReadyTimeout)
	recordReady(r.ctx, time.Since(began), err == nil)
	if err != nil {
		readySpan.RecordError(err)
		readySpan.SetStatus(codes.Error, "channel not ready")
		readySpan.End()
		c.failStart(r, err)
		return err
	}
	readySpan.End()

	if err := r.ch.Send(req); err != nil {
		c.failStart(r, err)
		return err
	}

	c.mu.Lock()
	r.st.phase = PhaseRunning
	snap = r.st.snapshot()
	c.mu.Unlock()
	r.span.AddEvent("running")
	c.notify(snap)

	go c.loop(r)
	return nil
}

func (c *Controller) newRun() *run {
	id := protocol.NewSessionID(c.cfg.Now())
	log := c.log.With("run_id", id)

	chCfg := c.cfg.Channel
	if chCfg.Logger == nil {
		chCfg.Logger = log
	}
	return &run{
		id:         id,
		st:         newState(id),
		ch:         channel.New(chCfg),
		log:        log,
		stopSignal: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Endpoint builds the websocket URL for a run.
func Endpoint(baseURL, runID string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
	default:
		return "", fmt.Errorf("session: base url %q must use ws, wss, http or https", baseURL)
	}
	return base + OptimizePath + runID, nil
}

// supersede releases a prior run before a new one takes its place.
func (c *Controller) supersede(prev *run) {
	c.mu.Lock()
	if !prev.st.phase.Terminal() && prev.st.phase != PhaseIdle {
		prev.st.phase = PhaseStopped
		prev.st.endedAt = c.cfg.Now()
	}
	c.mu.Unlock()

	_ = prev.ch.Close()
	<-prev.done
	prev.log.Info("Prior run released for new start")
}

// failStart moves a run that never reached running to errored.
func (c *Controller) failStart(r *run, err error) {
	c.mu.Lock()
	r.st.phase = PhaseErrored
	r.st.errorMessage = err.Error()
	r.st.endedAt = c.cfg.Now()
	r.err = err
	snap := r.st.snapshot()
	c.mu.Unlock()

	r.log.Error("Optimization run failed to start", "error", err)
	c.notify(snap)
	c.release(r)
}

// =============================================================================
// Event Loop
// =============================================================================

// loop applies inbound frames in arrival order until the run releases.
func (c *Controller) loop(r *run) {
	msgs := r.ch.Messages()
	stopSignal := r.stopSignal
	var grace <-chan time.Time

	for {
		select {
		case raw, ok := <-msgs:
			if !ok {
				c.channelEnded(r)
				c.release(r)
				return
			}
			if c.handle(r, raw) {
				c.release(r)
				return
			}

		case <-stopSignal:
			stopSignal = nil
			timer := time.NewTimer(c.cfg.StopGrace)
			defer timer.Stop()
			grace = timer.C
			c.mu.Lock()
			snap := r.st.snapshot()
			c.mu.Unlock()
			c.notify(snap)

		case <-grace:
			r.log.Debug("Stop grace elapsed, releasing channel")
			c.release(r)
			return
		}
	}
}

// handle decodes and applies one frame. It reports whether the run should
// release its channel.
func (c *Controller) handle(r *run, raw []byte) bool {
	ev, err := protocol.Decode(raw)
	if err != nil {
		c.mu.Lock()
		r.st.decodeErrors++
		c.mu.Unlock()
		recordDecodeError(r.ctx)
		r.log.Warn("Dropping malformed event", "error", err, "bytes", len(raw))
		return false
	}
	if ev == nil {
		r.log.Debug("Ignoring unknown event kind", "bytes", len(raw))
		return false
	}

	c.mu.Lock()
	release := c.apply(r, ev)
	r.st.eventsApplied++
	snap := r.st.snapshot()
	c.mu.Unlock()

	recordEvent(r.ctx, string(ev.Kind()))
	r.span.AddEvent(string(ev.Kind()), trace.WithAttributes(
		attribute.String("session.phase", string(snap.Phase)),
	))
	c.notify(snap)
	return release
}

// apply folds one event into the run state. The caller holds c.mu.
func (c *Controller) apply(r *run, ev protocol.Event) (release bool) {
	st := r.st

	switch e := ev.(type) {
	case protocol.StatusEvent:
		st.status = Status{Message: e.Message, Step: e.Step}

	case protocol.AnalysisEvent:
		a := e.Analysis
		st.analysis = &a

	case protocol.MutationsEvent:
		st.mutationPlan = append([]protocol.Mutation(nil), e.Mutations...)
		st.ledger.Expect(e.Names())

	case protocol.EvaluationStartEvent:
		st.currentEvaluation = &Progress{Index: e.Index, Total: e.Total, Message: e.Message}

	case protocol.LLMResponseEvent:
		st.ledger.Upsert(e.Update)

	case protocol.EvaluationResultEvent:
		t := st.ledger.Upsert(e.Update)
		st.currentEvaluation = nil
		st.recordEvaluation(t)

	case protocol.FinalResultsEvent:
		res := st.ledger.Finalize(e.Final)
		if st.phase == PhaseRunning {
			st.phase = PhaseCompleted
			st.final = &res
			st.endedAt = c.cfg.Now()
			r.log.Info("Optimization run completed",
				"trials", len(res.AllTrials),
				"best_variant", res.BestVariant,
				"best_score", res.BestScoreLabel(),
			)
		}
		release = true

	case protocol.StoppedEvent:
		if st.phase == PhaseRunning {
			st.phase = PhaseStopped
			st.endedAt = c.cfg.Now()
			r.log.Info("Optimization run stopped by service")
		}
		release = true

	case protocol.ErrorEvent:
		msg := e.Message
		if msg == "" {
			msg = defaultServiceMessage
		}
		if !st.phase.Terminal() {
			st.phase = PhaseErrored
			st.errorMessage = msg
			st.endedAt = c.cfg.Now()
			r.err = &ServiceError{Message: msg}
			r.log.Error("Optimization service reported an error", "message", msg)
		} else {
			r.log.Warn("Service error after run ended", "phase", string(st.phase), "message", msg)
		}
		release = true

	case protocol.CompleteEvent:
		if st.phase == PhaseRunning {
			res := st.ledger.Result()
			st.phase = PhaseCompleted
			st.final = &res
			st.endedAt = c.cfg.Now()
			r.log.Info("Optimization stream completed without final results", "trials", len(res.AllTrials))
		}
		release = true
	}
	return release
}

// channelEnded handles the inbound stream closing.
func (c *Controller) channelEnded(r *run) {
	c.mu.Lock()
	if r.st.phase != PhaseRunning {
		c.mu.Unlock()
		return
	}
	err := r.ch.Err()
	if err == nil {
		err = channel.ErrUnexpectedClose
	}
	r.st.phase = PhaseErrored
	r.st.errorMessage = err.Error()
	r.st.endedAt = c.cfg.Now()
	r.err = err
	snap := r.st.snapshot()
	c.mu.Unlock()

	r.log.Error("Optimization channel ended while running", "error", err)
	c.notify(snap)
}

// release closes the channel and ends the run. It runs at most once per run.
func (c *Controller) release(r *run) {
	c.mu.Lock()
	if r.released {
		c.mu.Unlock()
		return
	}
	r.released = true
	phase := r.st.phase
	if r.st.endedAt.IsZero() {
		r.st.endedAt = c.cfg.Now()
	}
	duration := r.st.endedAt.Sub(r.st.startedAt)
	trials, scored := r.st.ledger.Len(), r.st.ledger.Scored()
	err := r.err
	c.mu.Unlock()

	_ = r.ch.Close()

	setRunSpanResult(r.span, phase, trials, scored)
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.End()
	recordRunEnded(r.ctx, phase, duration)

	r.log.Debug("Optimization channel released", "phase", string(phase), "trials", trials, "scored", scored)
	close(r.done)
}

func (c *Controller) notify(s Snapshot) {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(s)
	}
}

// =============================================================================
// Control and Queries
// =============================================================================

// Stop cancels the running run.
//
// # Description
//
// Stop is client-authoritative: the phase moves to stopped immediately and
// Stop never waits for the service. A stop_optimization message is sent at
// most once, and only while the channel is open. Events that arrive after
// Stop are still merged into the ledger.
//
// # Outputs
//
//   - error: ErrNotRunning outside the running phase. Nothing changes then.
func (c *Controller) Stop() error {
	c.mu.Lock()
	r := c.run
	if r == nil || r.st.phase != PhaseRunning {
		c.mu.Unlock()
		return ErrNotRunning
	}
	r.st.phase = PhaseStopped
	r.st.stopRequested = true
	r.st.endedAt = c.cfg.Now()
	send := !r.stopSent
	r.stopSent = true
	c.mu.Unlock()

	if send && r.ch.State() == channel.StateOpen {
		if err := r.ch.Send(protocol.NewStopMessage()); err != nil {
			r.log.Warn("Stop request not delivered", "error", err)
		}
	}
	r.log.Info("Optimization run stopped by user")
	close(r.stopSignal)
	return nil
}

// Snapshot returns a deep copy of the current run's state. Before the first
// Start it reports the idle phase.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return newState("").snapshot()
	}
	return c.run.st.snapshot()
}

// Phase returns the current run's phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return PhaseIdle
	}
	return c.run.st.phase
}

// Done is closed once the current run has released its channel. Before the
// first Start it returns a closed channel.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.run.done
}

// Wait blocks until the current run has released its channel.
//
// # Outputs
//
//   - Snapshot: The final state of the run.
//   - error: *ServiceError for an error event, the transport error for a
//     channel failure, nil for completed and stopped runs, ErrNoRun before
//     any Start, or ctx.Err() if ctx ends first.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return c.Snapshot(), ErrNoRun
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return r.st.snapshot(), r.err
}

// IsServiceError reports whether err came from an error event.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}
