package events

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manpreetbhatti/synccode/backend/internal/protocol"
	"github.com/manpreetbhatti/synccode/backend/internal/ws"
)

func readEnvelope(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func TestHandlerOverWebSocket(t *testing.T) {
	r := setupTestRegistry(t)
	log := zaptest.NewLogger(t)
	srv := httptest.NewServer(Handler(r, ws.NewUpgrader(ws.DefaultConfig(), log), log))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := func() *websocket.Conn {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		return c
	}

	alice := dial()
	require.NoError(t, alice.WriteJSON(map[string]any{
		"type": "join",
		"data": map[string]string{"roomId": "R1", "name": "Alice"},
	}))
	assert.Equal(t, protocol.EventJoined, readEnvelope(t, alice).Type)
	env := readEnvelope(t, alice)
	require.Equal(t, protocol.EventSyncCode, env.Type)

	var welcome protocol.SyncCode
	require.NoError(t, json.Unmarshal(env.Data, &welcome))
	assert.Equal(t, welcome.SelfID, welcome.HostID)

	bob := dial()
	require.NoError(t, bob.WriteJSON(map[string]any{
		"type": "join",
		"data": map[string]string{"roomId": "R1", "name": "Bob"},
	}))
	assert.Equal(t, protocol.EventJoined, readEnvelope(t, bob).Type)
	assert.Equal(t, protocol.EventSyncCode, readEnvelope(t, bob).Type)
	assert.Equal(t, protocol.EventJoined, readEnvelope(t, alice).Type)

	// dropping the transport counts as leaving
	require.NoError(t, alice.Close())
	env = readEnvelope(t, bob)
	assert.Equal(t, protocol.EventDisconnected, env.Type)
	assert.Equal(t, protocol.EventHostChanged, readEnvelope(t, bob).Type)
}
