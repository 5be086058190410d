package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type webHarness struct {
	srv    *MultiplayerServer
	lib    *Library
	router http.Handler
}

func newWebHarness(t *testing.T, cfg *Config) *webHarness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	lib := newLibrary(t.TempDir(), logger)
	require.NoError(t, lib.Add(testStory(t)))

	srv := newMultiplayerServer(serverOptions{
		Settings: testSettings(PolicyHost),
		Stories:  lib,
		Logger:   logger,
	})
	t.Cleanup(srv.Stop)

	return &webHarness{srv: srv, lib: lib, router: newRouter(cfg, srv, lib, logger)}
}

func (h *webHarness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_StaticRoutes(t *testing.T) {
	h := newWebHarness(t, &Config{})

	rec := h.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ok\n", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = h.get(t, "/version")
	assert.Equal(t, "talebox v"+releaseVersion+"\n", rec.Body.String())

	rec = h.get(t, "/robots.txt")
	assert.Contains(t, rec.Body.String(), "Disallow: /")

	rec = h.get(t, "/?session=%3Cscript%3E")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "&lt;script&gt;")
	assert.NotContains(t, rec.Body.String(), "<script>")
}

func TestRouter_Prefix(t *testing.T) {
	h := newWebHarness(t, &Config{prefix: "/play"})

	assert.Equal(t, http.StatusOK, h.get(t, "/play/healthz").Code)
	assert.Equal(t, http.StatusNotFound, h.get(t, "/healthz").Code)
}

func TestRouter_Status(t *testing.T) {
	h := newWebHarness(t, &Config{})

	conn := &fakeConn{}
	h.srv.HandleMessage(conn, envelope{Type: msgRegister, Data: rawJSON(t, map[string]any{"playerId": "a", "playerName": "A"})})
	h.srv.HandleMessage(conn, envelope{Type: msgCreateSession, Data: rawJSON(t, map[string]any{"sessionId": "TABLE1"})})

	var status ServerStatus
	rec := h.get(t, "/status?detail=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

	assert.Equal(t, 1, status.Sessions)
	assert.Equal(t, 1, status.Players)
	require.Len(t, status.Games, 1)
	assert.Equal(t, "TABLE1", status.Games[0].ID)
	assert.Equal(t, "a", status.Games[0].HostID)

	status = ServerStatus{}
	require.NoError(t, json.Unmarshal(h.get(t, "/status").Body.Bytes(), &status))
	assert.Empty(t, status.Games)
}

func TestRouter_Stories(t *testing.T) {
	h := newWebHarness(t, &Config{})

	var list []StoryInfo
	rec := h.get(t, "/stories")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "dragon", list[0].ID)
	assert.Equal(t, 6, list[0].Pages)
}

func TestRouter_Session(t *testing.T) {
	h := newWebHarness(t, &Config{})

	assert.Equal(t, http.StatusNotFound, h.get(t, "/sessions/NOPE").Code)
	assert.Equal(t, http.StatusNotFound, h.get(t, "/sessions/NOPE/qr").Code)

	conn := &fakeConn{}
	h.srv.HandleMessage(conn, envelope{Type: msgRegister, Data: rawJSON(t, map[string]any{"playerId": "a", "playerName": "A"})})
	h.srv.HandleMessage(conn, envelope{Type: msgCreateSession, Data: rawJSON(t, map[string]any{"sessionId": "TABLE1"})})

	rec := h.get(t, "/sessions/TABLE1")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "TABLE1", snap["id"])
	assert.Equal(t, "waiting", snap["state"])

	rec = h.get(t, "/sessions/TABLE1/qr")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte("\x89PNG")))
}

func TestJoinURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/sessions/AB12/qr", nil)
	r.Host = "stories.example.com"

	assert.Equal(t, "http://stories.example.com/play/?session=AB12", joinURL(&Config{prefix: "/play"}, r, "AB12"))

	r.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://stories.example.com/?session=AB12", joinURL(&Config{}, r, "AB12"))
}

func TestRealIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1:5555", realIP(r))

	r.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9:5555", realIP(r))

	r.Header.Set("CF-Connecting-IP", "2001:db8::1")
	assert.Equal(t, "[2001:db8::1]:5555", realIP(r))
}
