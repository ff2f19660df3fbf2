package health_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodesync/nodesync/pkg/health"
)

const server = "http://nodesync.test"

func TestProber(t *testing.T) {
	defer gock.Off()
	ctx := context.Background()
	p := health.NewProber(server)
	assert.False(t, p.Available())

	gock.New(server).Get("/health").Reply(http.StatusOK).JSON(map[string]string{"status": "ok", "version": "1.2.0"})
	require.NoError(t, p.Probe(ctx))
	assert.True(t, p.Available())
	assert.Equal(t, "1.2.0", p.Version())

	gock.New(server).Get("/health").Reply(http.StatusServiceUnavailable).JSON(map[string]string{"status": "unavailable"})
	assert.Error(t, p.Probe(ctx))
	assert.False(t, p.Available())

	gock.New(server).Get("/health").Reply(http.StatusOK).BodyString("<html>")
	assert.Error(t, p.Probe(ctx))
	assert.False(t, p.Available())

	gock.New(server).Get("/health").Reply(http.StatusOK).JSON(map[string]string{"status": "ok"})
	require.NoError(t, p.Probe(ctx))
	assert.True(t, p.Available())

	assert.True(t, gock.IsDone())
}

func TestProberNetworkError(t *testing.T) {
	defer gock.Off()
	p := health.NewProber(server)

	gock.New(server).Get("/health").ReplyError(errors.New("connection refused"))
	assert.Error(t, p.Probe(context.Background()))
	assert.False(t, p.Available())
}

func TestRegistryPollsWhileHeld(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(health.Handler("1.0.0", func(context.Context) error {
		hits.Add(1)
		return nil
	}))
	defer srv.Close()

	r := health.NewRegistry()
	p := r.Acquire(srv.URL, health.WithInterval(5*time.Millisecond))
	assert.Same(t, p, r.Acquire(srv.URL))
	assert.NotSame(t, p, r.Acquire("http://127.0.0.1:1"))
	assert.Equal(t, 2, r.Len())

	assert.Eventually(t, p.Available, time.Second, 5*time.Millisecond)

	r.Release(srv.URL)
	seen := hits.Load()
	assert.Eventually(t, func() bool { return hits.Load() > seen }, time.Second, 5*time.Millisecond)

	r.Release(srv.URL)
	r.Release("http://127.0.0.1:1")
	assert.Zero(t, r.Len())
	time.Sleep(20 * time.Millisecond)
	stopped := hits.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, hits.Load())
}

func TestHandler(t *testing.T) {
	var failing error
	h := health.Handler("1.2.0", func(context.Context) error { return failing })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st health.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, health.StatusOK, st.Status)
	assert.Equal(t, "1.2.0", st.Version)

	failing = errors.New("database is down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, health.StatusUnavailable, st.Status)
	assert.Equal(t, "database is down", st.Error)
}
