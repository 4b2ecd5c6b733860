// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mockoptimizer is a scripted stand-in for the remote prompt
// optimization service.
//
// # Description
//
// The server speaks the same websocket protocol as the real service. Each
// connection to /ws/optimize/:session_id waits for an optimization_request
// and then plays a Script: either a fixed script loaded from YAML, or the
// default script derived from the request, which walks through analysis,
// smart mutations, evaluation and final results.
//
// It also serves the chat-session bootstrap endpoint and a health check so
// the CLI and integration tests can run without a real backend.
//
// # Endpoints
//
//	GET  /health
//	POST /api/chat/session
//	GET  /api/chat/session/:session_id
//	GET  /ws/optimize/:session_id
package mockoptimizer

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AutoPromptix/pkg/logging"
	"github.com/AleutianAI/AutoPromptix/pkg/validation"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Server.
type Config struct {
	// Script, if set, is played on every connection instead of the default
	// script.
	Script *Script

	// EventsPerSecond paces the default script. 0 means unpaced. A fixed
	// Script uses its own rate.
	EventsPerSecond float64

	// Logger receives server logs. Default: logging.Default().
	Logger *logging.Logger
}

// =============================================================================
// Chat Sessions
// =============================================================================

// ChatSession is the bootstrap record handed to chat clients.
type ChatSession struct {
	SessionID     string     `json:"session_id"`
	CustomerName  string     `json:"customer_name"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at"`
}

type createSessionRequest struct {
	CustomerName string `json:"customer_name" validate:"required,max=256"`
}

// =============================================================================
// Server
// =============================================================================

// Server is the mock optimization service.
type Server struct {
	cfg      Config
	log      *logging.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]ChatSession
	script   *Script

	wg sync.WaitGroup
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]ChatSession),
		script:   cfg.Script,
	}
}

// Script returns the script played on new connections, or nil for the
// default script.
func (s *Server) Script() *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.script
}

// SetScript replaces the script for connections opened from now on.
// Connections already playing keep their script.
func (s *Server) SetScript(script *Script) {
	s.mu.Lock()
	s.script = script
	s.mu.Unlock()
}

// Router builds the gin engine with every endpoint registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("autopromptix-mock"))

	router.GET("/health", s.handleHealth)

	api := router.Group("/api/chat")
	{
		api.POST("/session", s.handleCreateSession)
		api.GET("/session/:session_id", s.handleGetSession)
	}

	router.GET("/ws/optimize/:session_id", s.handleOptimize)
	return router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully and waits for open optimization connections to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("Mock optimizer listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.wg.Wait()
	s.log.Info("Mock optimizer stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "customer_name is required"})
		return
	}

	sess := ChatSession{
		SessionID:    uuid.NewString(),
		CustomerName: req.CustomerName,
		Status:       "active",
		CreatedAt:    time.Now().UTC(),
	}
	s.mu.Lock()
	s.sessions[sess.SessionID] = sess
	s.mu.Unlock()

	s.log.Info("Created chat session", "session_id", sess.SessionID)
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("session_id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleOptimize(c *gin.Context) {
	runID, err := validation.SanitizeRunID(c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("Failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	s.wg.Add(1)
	defer s.wg.Done()

	log := s.log.With("run_id", runID)
	log.Info("Optimization client connected")

	p := &player{conn: ws, log: log, fixed: s.Script(), eventsPerSecond: s.cfg.EventsPerSecond}
	if err := p.serve(c.Request.Context()); err != nil {
		log.Warn("Optimization connection ended with error", "error", err)
		return
	}
	log.Info("Optimization client finished")
}
