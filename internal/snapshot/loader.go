// Package snapshot reads the authoritative list of sessions the agent can see:
// everything waiting in the queue plus the active sessions assigned to the
// agent. It is the only source of what existed before the console started
// watching the push channel.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cuts-ae/support/internal/metrics"
	"github.com/cuts-ae/support/internal/protocol"
	"github.com/cuts-ae/support/internal/session"
)

// SessionsPath is the snapshot endpoint relative to the API base URL.
const SessionsPath = "/api/v1/chat/sessions"

// maxBody bounds the snapshot response read into memory.
const maxBody = 8 << 20

// ErrUnauthorized is returned when the API rejects the credential.
var ErrUnauthorized = errors.New("snapshot: unauthorized")

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("snapshot: unexpected status %d: %s", e.Code, e.Body)
}

// Loader fetches session snapshots over HTTP.
type Loader struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewLoader creates a Loader for the API at baseURL. timeout bounds each
// request; zero leaves it to the caller's context.
func NewLoader(baseURL, token string, timeout time.Duration) *Loader {
	return &Loader{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch returns waiting sessions and the active sessions assigned to agentID.
// Every error is retryable from the caller's point of view.
func (l *Loader) Fetch(ctx context.Context, agentID string) ([]session.Session, error) {
	start := time.Now()
	sessions, err := l.fetch(ctx, agentID)
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SnapshotFailures.Inc()
		return nil, err
	}
	return sessions, nil
}

func (l *Loader) fetch(ctx context.Context, agentID string) ([]session.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+SessionsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	raw, err := decodeList(body)
	if err != nil {
		return nil, err
	}
	return Filter(raw, agentID), nil
}

// decodeList accepts a bare JSON array or an object wrapping it under
// "sessions" or "data". Records are decoded one by one so a single bad entry
// does not fail the whole snapshot.
func decodeList(body []byte) ([]session.Session, error) {
	var items []json.RawMessage
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Sessions []json.RawMessage `json:"sessions"`
			Data     []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("snapshot: decode: %w", err)
		}
		items = wrapped.Sessions
		if items == nil {
			items = wrapped.Data
		}
	} else if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}

	out := make([]session.Session, 0, len(items))
	for _, item := range items {
		var rec protocol.SessionRecord
		if err := json.Unmarshal(item, &rec); err != nil || rec.ID == "" {
			log.Printf("snapshot: skipping malformed record: %s", truncate(string(item), 120))
			continue
		}
		s, err := session.FromRecord(rec)
		if err != nil {
			log.Printf("snapshot: skipping record %s: %v", rec.ID, err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Filter keeps waiting sessions and active sessions assigned to agentID.
func Filter(all []session.Session, agentID string) []session.Session {
	out := make([]session.Session, 0, len(all))
	for _, s := range all {
		if s.Status == session.StatusWaiting || s.AssignedTo(agentID) {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
