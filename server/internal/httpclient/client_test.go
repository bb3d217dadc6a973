package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetriesOnServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Retries: 3, Token: "secret"})
	req, err := c.Request(context.Background())
	require.NoError(t, err)

	resp, err := req.Get("/thing")
	require.NoError(t, err)
	require.NoError(t, CheckResponse(resp))
	assert.Equal(t, int32(3), hits.Load())
}

func TestNoRetriesByDefault(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("kaboom"))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	req, err := c.Request(context.Background())
	require.NoError(t, err)

	resp, err := req.Post("/run")
	require.NoError(t, err)

	err = CheckResponse(resp)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, "HTTP Error: 500 - kaboom", err.Error())
	assert.Equal(t, int32(1), hits.Load())
}

func TestRequestHonorsCancelledContextUnderRateLimit(t *testing.T) {
	c := New(Options{RateLimit: 1})

	// Drain the single token.
	_, err := c.Request(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Request(ctx)
	assert.Error(t, err)
}
