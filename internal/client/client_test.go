package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ak3tsm7/sweep-render-queue/internal/api"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

func TestWaitForTerminal(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/job-status", r.URL.Path)
		var req api.JobStatusRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		n := polls.Add(1)
		recs := make([]models.StatusRecord, len(req.IDs))
		for i, id := range req.IDs {
			recs[i] = models.StatusRecord{ID: id, State: models.StateActive}
			if n >= 3 {
				recs[i].State = models.StateCompleted
			}
		}
		if n == 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(api.JobStatusResponse{Statuses: recs})
	}))
	defer srv.Close()

	c := New(srv.URL, WithPollInterval(5*time.Millisecond), WithLogger(zaptest.NewLogger(t)))
	var updates int
	recs, err := c.WaitForTerminal(context.Background(), []string{"a", "b"}, func([]models.StatusRecord) { updates++ })
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, models.StateCompleted, recs[1].State)
	assert.Equal(t, int32(3), polls.Load())
	assert.Equal(t, 2, updates)
}

func TestWaitForTerminalStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.JobStatusResponse{Statuses: []models.StatusRecord{{ID: "a", State: models.StateQueued}}})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, WithPollInterval(5*time.Millisecond)).WaitForTerminal(ctx, []string{"a"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"redisq: job not found"}`))
	}))
	defer srv.Close()

	err := New(srv.URL).RetryJob(context.Background(), "abc", nil, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "redisq: job not found", apiErr.Message)
	assert.True(t, IsNotFound(err))
}

func TestSubmitPlanRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.SubmitPlanRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "FIBO", req.ModelVersion)
		if assert.Len(t, req.Plan, 1) {
			assert.JSONEq(t, `{"camera":{"fov":35}}`, string(req.Plan[0].Document))
		}
		_, _ = w.Write([]byte(`{"enqueued":[{"id":"x","cached":false,"created":true,"state":"queued"}]}`))
	}))
	defer srv.Close()

	subs, err := New(srv.URL+"/").SubmitPlan(context.Background(),
		[]json.RawMessage{json.RawMessage(`{"camera":{"fov":35}}`)}, "FIBO")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "x", subs[0].ID)
	assert.True(t, subs[0].Created)
}
