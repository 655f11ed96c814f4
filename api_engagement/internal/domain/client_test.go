package domain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vibeslop/api_engagement/internal/models"
	"vibeslop/pkg/clients"
	"vibeslop/pkg/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return NewClient(srv.URL+"/", "svc-token", logging.NewDiscardLogger(), WithHTTPExecutorConfig(cfg))
}

func TestCreateLikeSendsRequest(t *testing.T) {
	var got targetRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/internal/likes", r.URL.Path)
		require.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	outcome, err := c.CreateLike(context.Background(), 1001, models.TargetPost, 77)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)
	require.Equal(t, targetRequest{UserID: 1001, TargetType: "post", TargetID: 77}, got)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status  int
		outcome Outcome
		err     error
	}{
		{status: http.StatusCreated, outcome: Done},
		{status: http.StatusNoContent, outcome: Done},
		{status: http.StatusOK, outcome: AlreadyDone},
		{status: http.StatusConflict, outcome: AlreadyDone},
		{status: http.StatusNotFound, err: ErrTargetGone},
		{status: http.StatusGone, err: ErrTargetGone},
		{status: http.StatusUnprocessableEntity, err: ErrRejected},
		{status: http.StatusBadRequest, err: ErrRejected},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			outcome, err := c.Follow(context.Background(), 1001, 5000)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.outcome, outcome)
		})
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	outcome, err := c.CreateBookmark(context.Background(), 1001, models.TargetProject, 9)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)
	require.Equal(t, int32(3), calls.Load())
}

func TestPersistentServerErrorIsAPIError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.CreateRepost(context.Background(), 1001, 77)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	require.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"body too long"}`))
	})

	_, err := c.CreateComment(context.Background(), 1001, models.TargetPost, 77, "great")
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "body too long")
	require.Equal(t, int32(1), calls.Load())
}

func TestQuoteAndViewPayloads(t *testing.T) {
	var mu sync.Mutex
	bodies := map[string]map[string]any{}
	body := func(path string) map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return bodies[path]
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var decoded map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&decoded))
		mu.Lock()
		bodies[r.URL.Path] = decoded
		mu.Unlock()
		if r.URL.Path == "/internal/views" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	ctx := context.Background()

	_, err := c.CreateQuotePost(ctx, 1001, "worth a look", models.TargetPost, 77)
	require.NoError(t, err)
	require.Equal(t, "worth a look", body("/internal/quotes")["body"])
	require.Equal(t, "post", body("/internal/quotes")["quoted_type"])

	outcome, err := c.RecordView(ctx, 1001, models.TargetPost, 77)
	require.NoError(t, err)
	require.Equal(t, AlreadyDone, outcome)

	require.NoError(t, c.IncrementViews(ctx, models.TargetPost, 77))
	require.Equal(t, float64(77), body("/internal/views/increment")["target_id"])
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "done", Done.String())
	require.Equal(t, "already_done", AlreadyDone.String())
}
