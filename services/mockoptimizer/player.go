// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mockoptimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AutoPromptix/pkg/logging"
	"github.com/AleutianAI/AutoPromptix/services/optimization/protocol"
)

const (
	requestTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
	closeTimeout   = 2 * time.Second
)

// errClientGone ends the read side when the client disconnects.
var errClientGone = errors.New("client disconnected")

// player drives one optimization connection.
type player struct {
	conn            *websocket.Conn
	log             *logging.Logger
	fixed           *Script
	eventsPerSecond float64

	stopOnce sync.Once
	stop     chan struct{}
}

// serve reads the request, then runs the reader and the script writer side
// by side until the script ends or the client goes away.
func (p *player) serve(ctx context.Context) error {
	req, err := p.readRequest()
	if err != nil {
		var bad *badRequestError
		if errors.As(err, &bad) {
			p.log.Warn("Rejecting optimization request", "reason", bad.reason)
			_ = p.send(Step{Type: string(protocol.KindError), Message: "invalid optimization request: " + bad.reason})
			p.closeNormal()
			return nil
		}
		return err
	}

	script := p.fixed
	if script == nil {
		script = DefaultScript(req)
		script.EventsPerSecond = p.eventsPerSecond
	}
	p.log.Info("Playing script", "script", script.Name, "steps", len(script.Steps))

	p.stop = make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.readLoop()
	})
	g.Go(func() error {
		defer p.closeNormal()
		return p.play(gctx, script)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errClientGone) {
		return err
	}
	return nil
}

type badRequestError struct {
	reason string
}

func (e *badRequestError) Error() string { return e.reason }

func (p *player) readRequest() (protocol.OptimizationRequest, error) {
	var req protocol.OptimizationRequest

	_ = p.conn.SetReadDeadline(time.Now().Add(requestTimeout))
	_, raw, err := p.conn.ReadMessage()
	if err != nil {
		return req, fmt.Errorf("read request: %w", err)
	}
	_ = p.conn.SetReadDeadline(time.Time{})

	if err := json.Unmarshal(raw, &req); err != nil {
		return req, &badRequestError{reason: "not json"}
	}
	if req.Type != protocol.TypeOptimizationRequest {
		return req, &badRequestError{reason: fmt.Sprintf("unexpected message type %q", req.Type)}
	}
	if err := req.Validate(); err != nil {
		return req, &badRequestError{reason: "missing or oversized fields"}
	}
	return req, nil
}

// readLoop watches for stop_optimization until the connection ends.
func (p *player) readLoop() error {
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return errClientGone
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		if msg.Type == protocol.TypeStopOptimization {
			p.log.Info("Stop requested by client")
			p.stopOnce.Do(func() { close(p.stop) })
		}
	}
}

// play sends the script's steps, paced by its rate, then handles stop.
func (p *player) play(ctx context.Context, script *Script) error {
	limit := rate.Inf
	if script.EventsPerSecond > 0 {
		limit = rate.Limit(script.EventsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	for _, step := range script.Steps {
		select {
		case <-p.stop:
			return p.sendAll(script.stopReply())
		default:
		}

		res := limiter.Reserve()
		if d := res.Delay(); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-p.stop:
				timer.Stop()
				res.Cancel()
				return p.sendAll(script.stopReply())
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		if err := p.send(step); err != nil {
			return err
		}
	}

	if !script.Hold {
		return nil
	}
	select {
	case <-p.stop:
		return p.sendAll(script.stopReply())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *player) sendAll(steps []Step) error {
	for _, step := range steps {
		if err := p.send(step); err != nil {
			return err
		}
	}
	return nil
}

func (p *player) send(step Step) error {
	frame, err := step.Frame()
	if err != nil {
		return fmt.Errorf("encode step %q: %w", step.Type, err)
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write step %q: %w", step.Type, err)
	}
	return nil
}

// closeNormal sends a normal closure and bounds how long the reader waits
// for the client's reply.
func (p *player) closeNormal() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	_ = p.conn.SetReadDeadline(time.Now().Add(closeTimeout))
}
