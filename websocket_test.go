package main

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readUntil reads frames until one of the given type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) wireMessage {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg wireMessage
		require.NoError(t, ws.ReadJSON(&msg), "waiting for %s", msgType)
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestWebSocket_EndToEnd(t *testing.T) {
	// Handlers may log from their goroutines after the test returns.
	logger := zap.NewNop()
	lib := newLibrary(t.TempDir(), logger)
	require.NoError(t, lib.Add(testStory(t)))

	srv := newMultiplayerServer(serverOptions{
		Settings: testSettings(PolicyParticipation),
		Stories:  lib,
		Logger:   logger,
	})

	ts := httptest.NewServer(newRouter(&Config{}, srv, lib, logger))
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Stop)

	host := dialWS(t, ts)
	guest := dialWS(t, ts)

	require.NoError(t, host.WriteJSON(map[string]any{"type": msgRegister, "data": map[string]any{"playerId": "host", "playerName": "Host"}}))
	readUntil(t, host, msgRegistrationSuccess)
	require.NoError(t, guest.WriteJSON(map[string]any{"type": msgRegister, "data": map[string]any{"playerId": "guest", "playerName": "Guest"}}))
	readUntil(t, guest, msgRegistrationSuccess)

	require.NoError(t, host.WriteJSON(map[string]any{"type": msgCreateSession, "data": map[string]any{"sessionId": "WIRE"}}))
	readUntil(t, host, msgSessionCreated)
	require.NoError(t, guest.WriteJSON(map[string]any{"type": msgJoinSession, "data": map[string]any{"sessionId": "WIRE"}}))
	readUntil(t, guest, msgSessionJoined)

	require.NoError(t, host.WriteJSON(map[string]any{"type": msgStartStory}))
	readUntil(t, guest, msgStoryPage)
	require.NoError(t, host.WriteJSON(map[string]any{"type": msgStartVoting}))
	readUntil(t, guest, msgVotingStarted)

	require.NoError(t, host.WriteJSON(map[string]any{"type": msgCastVote, "data": map[string]any{"choiceIndex": 1}}))
	readUntil(t, host, msgVoteAcknowledged)
	require.NoError(t, guest.WriteJSON(map[string]any{"type": msgCastVote, "data": map[string]any{"choiceIndex": 1}}))

	result := readUntil(t, guest, msgVoteResult)
	var payload struct {
		Result HistoryEntry `json:"result"`
	}
	require.NoError(t, json.Unmarshal(result.Data, &payload))
	assert.Equal(t, 1, payload.Result.ChoiceIndex)
	assert.Equal(t, PolicyParticipation, payload.Result.Trigger)

	complete := readUntil(t, host, msgStoryComplete)
	assert.Contains(t, string(complete.Data), `"forest"`)

	// A bad frame is answered on the same socket and the socket stays open.
	require.NoError(t, guest.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	bad := readUntil(t, guest, msgError)
	assert.Contains(t, string(bad.Data), `"validation"`)

	// Closing the host's socket migrates the host role.
	require.NoError(t, host.Close())
	changed := readUntil(t, guest, msgHostChanged)
	assert.Contains(t, string(changed.Data), `"guest"`)

	require.Eventually(t, func() bool {
		_, ok := srv.Player("host")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClient_SendAfterClose(t *testing.T) {
	c := newClient(nil, "test")

	for range sendBuffer {
		require.NoError(t, c.Send(Message{Type: msgChat}))
	}
	require.ErrorIs(t, c.Send(Message{Type: msgChat}), ErrSendBufferFull)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Send(Message{Type: msgChat}), ErrConnClosed)
}
