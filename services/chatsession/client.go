// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatsession bootstraps a chat session with the AutoPromptix
// backend.
//
// # Description
//
// The backend hands out a session identifier in exchange for a display
// name. The identifier is a precondition for the chat protocol, which this
// module does not implement. The exchange is a single request/response:
//
//	POST /api/chat/session   {"customer_name": "..."}
//	200  {"session_id": "...", "customer_name": "...", "status": "active", ...}
package chatsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AutoPromptix/pkg/logging"
)

// =============================================================================
// Interfaces
// =============================================================================

// HTTPClient sends HTTP requests. *http.Client satisfies it.
//
// # Assumptions
//
//   - Caller closes the response body.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

// =============================================================================
// Types
// =============================================================================

// DefaultTimeout bounds one bootstrap request.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 * 1024

// Session is the backend's chat session record.
type Session struct {
	SessionID     string     `json:"session_id"`
	CustomerName  string     `json:"customer_name"`
	Status        string     `json:"status"`
	CreatedAt     Timestamp  `json:"created_at"`
	LastMessageAt *Timestamp `json:"last_message_at"`
}

// CreateRequest is the body of POST /api/chat/session.
type CreateRequest struct {
	CustomerName string `json:"customer_name" validate:"required,max=256"`
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("chat session: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat session: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the backend root, e.g. http://localhost:8000.
	BaseURL string `validate:"required,url"`

	// HTTPClient sends requests. Default: an *http.Client with DefaultTimeout.
	HTTPClient HTTPClient

	// Logger receives request logs. Default: logging.Default().
	Logger *logging.Logger
}

// Client exchanges display names for chat session identifiers.
type Client struct {
	baseURL  string
	http     HTTPClient
	log      *logging.Logger
	validate *validator.Validate
}

// New creates a Client.
//
// # Outputs
//
//   - error: When BaseURL is missing or not a URL.
func New(cfg Config) (*Client, error) {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("chat session: invalid config: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     cfg.HTTPClient,
		log:      cfg.Logger,
		validate: v,
	}, nil
}

// CreateSession registers displayName and returns the new session.
//
// # Description
//
// Trims displayName, validates it, and posts it to /api/chat/session.
//
// # Outputs
//
//   - *Session: The created session.
//   - error: A validation error for a blank name, *HTTPError for a non-2xx
//     response, or the transport or decode error.
func (c *Client) CreateSession(ctx context.Context, displayName string) (*Session, error) {
	req := CreateRequest{CustomerName: strings.TrimSpace(displayName)}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("chat session: invalid name: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("chat session: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/session", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chat session: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat session: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var sess Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, fmt.Errorf("chat session: decode response: %w", err)
	}
	if sess.SessionID == "" {
		return nil, fmt.Errorf("chat session: response has no session_id")
	}

	c.log.Info("Chat session created", "session_id", sess.SessionID)
	return &sess, nil
}
