// Package memapi is the JSON/HTTPS client for the memory service. It owns
// the wire shapes, authentication and the status-code taxonomy; policy
// about retries and degradation belongs to its callers.
package memapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/memrelay/memrelay/internal/conversation"
	"github.com/memrelay/memrelay/internal/credstore"
	"github.com/memrelay/memrelay/internal/version"
)

// ErrNoCredential reports that an authenticated call was attempted before
// registration produced an API key.
var ErrNoCredential = errors.New("no api credential available")

const (
	authHeader     = "X-API-Key"
	defaultTimeout = 30 * time.Second
	errBodyLimit   = 4 << 10
)

// StatusError is a non-2xx response from the service, carrying the decoded
// detail message when one was present.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("memory service status %d", e.StatusCode)
	}
	return fmt.Sprintf("memory service status %d: %s", e.StatusCode, e.Detail)
}

// Client talks to one memory service deployment. The base URL and API key
// are read from the credential holder on every call, so a registration
// completing mid-run takes effect immediately.
type Client struct {
	httpClient *http.Client
	creds      *credstore.Holder
	logger     zerolog.Logger
}

func NewClient(creds *credstore.Holder, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
		logger:     logger.With().Str("component", "memapi").Logger(),
	}
}

type RegisterRequest struct {
	Fingerprint string `json:"fingerprint"`
	Hostname    string `json:"hostname"`
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	Client      string `json:"client"`
	Version     string `json:"version"`
}

type RegisterResponse struct {
	APIKey    string `json:"api_key"`
	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id"`
}

type wireMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
}

type flushRequest struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []wireMessage `json:"messages"`
}

type FlushResponse struct {
	ExtractedCount int `json:"extracted_count"`
}

type searchRequest struct {
	Query     string `json:"query"`
	ProjectID string `json:"project_id"`
	Limit     int    `json:"limit"`
}

// MemoryItem mirrors the service's memory shape. Score is a pointer so an
// absent field stays distinguishable from a genuine zero; the recall layer
// applies defaults.
type MemoryItem struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Score    *float64 `json:"score"`
}

type SearchResponse struct {
	Data           []MemoryItem `json:"data"`
	RemainingQuota *int         `json:"remaining_quota"`
}

type ListResponse struct {
	Data  []MemoryItem `json:"data"`
	Total int          `json:"total"`
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Register performs the unauthenticated credential bootstrap.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var out RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/agents/auto-register", req, &out, false); err != nil {
		return RegisterResponse{}, err
	}
	return out, nil
}

// FlushConversation ships one drained batch. Token counts are estimated
// per message; the service uses them for quota accounting only.
func (c *Client) FlushConversation(ctx context.Context, batch *conversation.Batch) (FlushResponse, error) {
	req := flushRequest{
		ConversationID: batch.ConversationID,
		Messages:       make([]wireMessage, 0, len(batch.Turns)),
	}
	for _, t := range batch.Turns {
		req.Messages = append(req.Messages, wireMessage{
			Role:      string(t.Role),
			Content:   t.Content,
			Tokens:    conversation.EstimateTokens(t.Content),
			Timestamp: t.Timestamp,
		})
	}

	var out FlushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/conversations/flush", req, &out, true); err != nil {
		return FlushResponse{}, err
	}
	return out, nil
}

// SearchMemories runs a semantic recall query scoped to the credential's
// project.
func (c *Client) SearchMemories(ctx context.Context, query string, limit int) (SearchResponse, error) {
	req := searchRequest{
		Query:     query,
		ProjectID: c.projectID(),
		Limit:     limit,
	}
	var out SearchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/memories/search", req, &out, true); err != nil {
		return SearchResponse{}, err
	}
	return out, nil
}

// ListMemories pages through stored memories for the operator surface.
func (c *Client) ListMemories(ctx context.Context, limit, offset int) (ListResponse, error) {
	q := url.Values{}
	q.Set("project_id", c.projectID())
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var out ListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/memories?"+q.Encode(), nil, &out, true); err != nil {
		return ListResponse{}, err
	}
	return out, nil
}

// DeleteMemory removes one stored memory by id.
func (c *Client) DeleteMemory(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("memory id required")
	}
	var out deleteResponse
	return c.do(ctx, http.MethodDelete, "/v1/memories/"+id, nil, &out, true)
}

func (c *Client) projectID() string {
	if p := c.creds.Current().ProjectID; p != "" {
		return p
	}
	return credstore.DefaultProjectID
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, authed bool) error {
	rec := c.creds.Current()
	base := strings.TrimRight(strings.TrimSpace(rec.APIBaseURL), "/")
	if base == "" {
		return errors.New("api base url not configured")
	}
	if authed && !rec.HasKey() {
		return ErrNoCredential
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.ClientName+"/"+version.Version)
	if authed {
		req.Header.Set(authHeader, rec.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return c.statusError(res)
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// statusError shapes a non-2xx response. The service sends {"detail": …}
// on errors; anything else is kept as raw trimmed text.
func (c *Client) statusError(res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, errBodyLimit))

	detail := ""
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Detail != "" {
		detail = payload.Detail
	} else {
		detail = strings.TrimSpace(string(raw))
	}

	return &StatusError{StatusCode: res.StatusCode, Detail: detail}
}
