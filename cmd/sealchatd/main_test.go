package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sealchat/api"
	"github.com/opd-ai/sealchat/config"
)

func testOptions() *config.Options {
	opts := config.NewOptions()
	opts.ListenAddr = "127.0.0.1:0"
	opts.Auth.JWTSecret = "daemon-test-secret"
	return opts
}

func TestNewDaemonRequiresSecret(t *testing.T) {
	opts := testOptions()
	opts.Auth.JWTSecret = ""
	_, err := newDaemon(context.Background(), opts)
	assert.ErrorIs(t, err, ErrNoJWTSecret)
}

func TestDaemonRoutes(t *testing.T) {
	opts := testOptions()
	d, err := newDaemon(context.Background(), opts)
	require.NoError(t, err)
	defer d.close()

	srv := httptest.NewServer(d.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var report healthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", report.Status)
	assert.Empty(t, report.Checks, "the in-memory store has no backend checks")

	resp, err = http.Get(srv.URL + api.PathPrefix + "/keys/alice")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := api.NewTokenAuth([]byte(opts.Auth.JWTSecret), nil).Issue("alice", time.Minute)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?"+api.TokenQueryParam+"="+token, nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return d.hub.Sessions("alice") == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return d.hub.Total() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDaemonBroadcastFromCommunity(t *testing.T) {
	opts := testOptions()
	d, err := newDaemon(context.Background(), opts)
	require.NoError(t, err)
	defer d.close()
	auth := api.NewTokenAuth([]byte(opts.Auth.JWTSecret), nil)

	call := func(user, method, path string, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, api.PathPrefix+path, strings.NewReader(body))
		token, err := auth.Issue(user, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		d.handler.ServeHTTP(rec, req)
		return rec
	}

	for _, user := range []string{"alice", "bob"} {
		rec := call(user, http.MethodPost, "/keys/generate", "")
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	broadcast := `{"kind":"broadcast","community_id":"rangers","name":"news"}`
	rec := call("alice", http.MethodPost, "/conversations", broadcast)
	assert.Equal(t, http.StatusNotFound, rec.Code, "the community does not exist yet")

	rec = call("alice", http.MethodPost, "/communities", `{"id":"rangers"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = call("bob", http.MethodPost, "/communities/rangers/join", "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = call("alice", http.MethodPost, "/conversations", broadcast)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Participants []struct {
			UserID string `json:"user_id"`
		} `json:"participants"`
		Missing []string `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Len(t, created.Participants, 2)
	assert.Empty(t, created.Missing)
}

func TestDaemonHealthReportsFailingCheck(t *testing.T) {
	d, err := newDaemon(context.Background(), testOptions())
	require.NoError(t, err)
	defer d.close()
	d.checks["database"] = func(context.Context) error { return context.DeadlineExceeded }

	rec := httptest.NewRecorder()
	d.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "unavailable", report.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks["database"])
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, testOptions()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
