// Package domain calls the platform's internal API to perform engagements
// on behalf of automated accounts.
package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"vibeslop/api_engagement/internal/models"
	"vibeslop/pkg/clients"
	"vibeslop/pkg/logging"
)

// Outcome is the result of a successful call.
type Outcome int

const (
	Done Outcome = iota
	// AlreadyDone means the identity had already performed the action.
	AlreadyDone
)

func (o Outcome) String() string {
	if o == AlreadyDone {
		return "already_done"
	}
	return "done"
}

var (
	// ErrTargetGone means the target was deleted. Retrying will not help.
	ErrTargetGone = errors.New("engagement target no longer exists")
	// ErrRejected means the platform refused the request as invalid.
	ErrRejected = errors.New("engagement rejected by platform")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform API returned status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL      string
	serviceToken string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type Option func(*Client)

// NewClient builds a client with a 10s timeout, retries and a circuit
// breaker that opens when the platform keeps failing.
func NewClient(baseURL, serviceToken string, logger logging.Logger, opts ...Option) *Client {
	cfg := clients.DefaultHTTPExecutorConfig()
	breaker := clients.DefaultCircuitBreakerConfig("platform-api")
	breaker.Logger = logger
	cfg.CircuitBreaker = &breaker

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: 10 * time.Second, Transport: clients.DefaultTransport()},
		httpExecutor: clients.NewHTTPExecutor(cfg),
		shouldRetry:  cfg.ShouldRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
		if c.shouldRetry == nil {
			c.shouldRetry = clients.DefaultShouldRetry
		}
	}
}

type targetRequest struct {
	UserID     int64  `json:"user_id"`
	TargetType string `json:"target_type"`
	TargetID   int64  `json:"target_id"`
	Body       string `json:"body,omitempty"`
}

func (c *Client) CreateLike(ctx context.Context, userID int64, targetType models.TargetType, targetID int64) (Outcome, error) {
	return c.post(ctx, "/internal/likes", targetRequest{UserID: userID, TargetType: string(targetType), TargetID: targetID})
}

func (c *Client) CreateRepost(ctx context.Context, userID, postID int64) (Outcome, error) {
	return c.post(ctx, "/internal/reposts", map[string]int64{"user_id": userID, "post_id": postID})
}

func (c *Client) CreateComment(ctx context.Context, userID int64, targetType models.TargetType, targetID int64, text string) (Outcome, error) {
	return c.post(ctx, "/internal/comments", targetRequest{UserID: userID, TargetType: string(targetType), TargetID: targetID, Body: text})
}

func (c *Client) Follow(ctx context.Context, userID, targetUserID int64) (Outcome, error) {
	return c.post(ctx, "/internal/follows", map[string]int64{"follower_id": userID, "followed_id": targetUserID})
}

func (c *Client) CreateBookmark(ctx context.Context, userID int64, targetType models.TargetType, targetID int64) (Outcome, error) {
	return c.post(ctx, "/internal/bookmarks", targetRequest{UserID: userID, TargetType: string(targetType), TargetID: targetID})
}

func (c *Client) CreateQuotePost(ctx context.Context, userID int64, text string, quotedType models.TargetType, quotedID int64) (Outcome, error) {
	return c.post(ctx, "/internal/quotes", map[string]any{
		"user_id":     userID,
		"body":        text,
		"quoted_type": string(quotedType),
		"quoted_id":   quotedID,
	})
}

// RecordView records that userID saw the target. Done means a new view row
// was created; AlreadyDone means one existed.
func (c *Client) RecordView(ctx context.Context, userID int64, targetType models.TargetType, targetID int64) (Outcome, error) {
	return c.post(ctx, "/internal/views", targetRequest{UserID: userID, TargetType: string(targetType), TargetID: targetID})
}

func (c *Client) IncrementViews(ctx context.Context, targetType models.TargetType, targetID int64) error {
	_, err := c.post(ctx, "/internal/views/increment", map[string]any{
		"target_type": string(targetType),
		"target_id":   targetID,
	})
	return err
}

func (c *Client) post(ctx context.Context, path string, payload any) (Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Done, fmt.Errorf("encode %s request: %w", path, err)
	}

	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.serviceToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.serviceToken)
		}
		return req, nil
	})
	if err != nil {
		return Done, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent:
		return Done, nil
	case http.StatusOK:
		// creation endpoints answer 201; a 200 means the row was already there
		return AlreadyDone, nil
	case http.StatusConflict:
		return AlreadyDone, nil
	case http.StatusNotFound, http.StatusGone:
		return Done, fmt.Errorf("POST %s: %w", path, ErrTargetGone)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return Done, fmt.Errorf("POST %s: %w: %s", path, ErrRejected, readSnippet(resp.Body))
	default:
		return Done, &APIError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}
}

func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err == nil && c.shouldRetry(resp, nil) {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			resp.Body = io.NopCloser(strings.NewReader(""))
		}
		return resp, err
	})
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
