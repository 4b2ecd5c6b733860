// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatsession

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AutoPromptix/services/mockoptimizer"
)

// =============================================================================
// Test Helpers
// =============================================================================

// mockHTTPClient records the request and returns a canned response.
type mockHTTPClient struct {
	status int
	body   string
	err    error

	gotReq  *http.Request
	gotBody string
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.gotReq = req
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		m.gotBody = string(raw)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.status,
		Body:       io.NopCloser(strings.NewReader(m.body)),
		Header:     make(http.Header),
	}, nil
}

func newClient(t *testing.T, m *mockHTTPClient) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: "http://backend.test/", HTTPClient: m})
	require.NoError(t, err)
	return c
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestCreateSession_Success(t *testing.T) {
	m := &mockHTTPClient{
		status: http.StatusOK,
		body:   `{"session_id":"s-1","customer_name":"Dana","status":"active","created_at":"2025-01-02T03:04:05Z","last_message_at":null}`,
	}
	c := newClient(t, m)

	sess, err := c.CreateSession(context.Background(), "  Dana ")
	require.NoError(t, err)

	assert.Equal(t, "s-1", sess.SessionID)
	assert.Equal(t, "Dana", sess.CustomerName)
	assert.Equal(t, "active", sess.Status)
	assert.Equal(t, 2025, sess.CreatedAt.Year())
	assert.Nil(t, sess.LastMessageAt)

	require.NotNil(t, m.gotReq)
	assert.Equal(t, http.MethodPost, m.gotReq.Method)
	assert.Equal(t, "http://backend.test/api/chat/session", m.gotReq.URL.String())
	assert.Equal(t, "application/json", m.gotReq.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"customer_name":"Dana"}`, m.gotBody)
}

func TestCreateSession_OffsetlessTimestamps(t *testing.T) {
	m := &mockHTTPClient{
		status: http.StatusOK,
		body:   `{"session_id":"s-2","customer_name":"Dana","status":"active","created_at":"2025-10-18T12:34:56.123456","last_message_at":"2025-10-18T12:40:00"}`,
	}
	c := newClient(t, m)

	sess, err := c.CreateSession(context.Background(), "Dana")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, 10, 18, 12, 34, 56, 123456000, time.UTC), sess.CreatedAt.Time)
	require.NotNil(t, sess.LastMessageAt)
	assert.Equal(t, time.Date(2025, 10, 18, 12, 40, 0, 0, time.UTC), sess.LastMessageAt.Time)
}

func TestCreateSession_BlankName(t *testing.T) {
	m := &mockHTTPClient{status: http.StatusOK}
	c := newClient(t, m)

	_, err := c.CreateSession(context.Background(), "   ")

	assert.Error(t, err)
	assert.Nil(t, m.gotReq, "no request should be sent for a blank name")
}

func TestCreateSession_HTTPError(t *testing.T) {
	c := newClient(t, &mockHTTPClient{status: http.StatusInternalServerError, body: "boom\n"})

	_, err := c.CreateSession(context.Background(), "Dana")

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, "boom", httpErr.Body)
	assert.Contains(t, err.Error(), "500")
}

func TestCreateSession_TransportError(t *testing.T) {
	sentinel := errors.New("connection refused")
	c := newClient(t, &mockHTTPClient{err: sentinel})

	_, err := c.CreateSession(context.Background(), "Dana")
	assert.ErrorIs(t, err, sentinel)
}

func TestCreateSession_BadResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "<html>"},
		{name: "no session id", body: `{"customer_name":"Dana"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, &mockHTTPClient{status: http.StatusOK, body: tt.body})
			_, err := c.CreateSession(context.Background(), "Dana")
			assert.Error(t, err)
		})
	}
}

func TestCreateSession_AgainstMockServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(mockoptimizer.New(mockoptimizer.Config{}).Router())
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	sess, err := c.CreateSession(context.Background(), "Dana")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, "Dana", sess.CustomerName)
}
