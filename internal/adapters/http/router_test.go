package http

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

	"github.com/dkeye/voicerooms/internal/app"
	"github.com/dkeye/voicerooms/internal/app/orch"
	"github.com/dkeye/voicerooms/internal/config"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/core/coretest"
)

func newServer(t *testing.T) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	o := orch.New(app.NewRegistry(), app.SimplePolicy{}, 50*time.Millisecond)
	o.Rooms = app.NewRoomManager(core.RoomConfig{
		Engine:          coretest.NewEngine(),
		EngineTimeout:   time.Second,
		OnSessionClosed: o.OnSessionClosed,
		OnEventsDropped: o.OnEventsDropped,
	}, false)

	cfg := &config.Config{Mode: "test", Secret: "test-secret", ReadLimit: 1 << 16, PingPeriod: time.Second}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		o.Shutdown(context.Background())
	})
	return srv, o
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Cookie": {"ct=" + token}})
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(v any) {
	require.NoError(c.t, c.conn.WriteJSON(v))
}

// await reads until a message of the given type shows up.
func (c *wsClient) await(typ string) map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m map[string]any
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %q", typ)
		require.NoError(c.t, json.Unmarshal(data, &m))
		if m["type"] == typ {
			return m
		}
	}
}

func TestSignalJoinProduceFlow(t *testing.T) {
	srv, _ := newServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	alice.send(map[string]any{"type": "join", "id": "1", "channelId": "lobby", "name": "Alice"})
	joined := alice.await("joined")
	assert.Equal(t, "1", joined["id"])
	assert.Equal(t, "lobby", joined["channelId"])
	assert.NotEmpty(t, joined["sendTransport"].(map[string]any)["id"])

	bob.send(map[string]any{"type": "join", "id": "2", "channelId": "lobby"})
	bob.await("joined")
	member := alice.await("member_joined")
	assert.Equal(t, "bob", member["user"].(map[string]any)["id"])

	alice.send(map[string]any{"type": "produce", "id": "3", "kind": "audio"})
	produced := alice.await("produced")
	assert.Equal(t, "audio", produced["producer"].(map[string]any)["kind"])

	ev := bob.await("new_producer")
	assert.Equal(t, "alice", ev["remoteUserId"])

	bob.send(map[string]any{"type": "consume", "id": "4", "remoteUserId": "alice", "kind": "audio"})
	consumed := bob.await("consumed")
	assert.Equal(t, "offer", consumed["offer"].(map[string]any)["type"])

	bob.send(map[string]any{"type": "negotiate", "id": "5", "direction": "recv",
		"description": map[string]any{"type": "answer", "sdp": "v=0"}})
	desc := bob.await("description")
	assert.Nil(t, desc["description"])

	alice.send(map[string]any{"type": "produce", "id": "6", "kind": "audio"})
	dup := alice.await("error")
	assert.Equal(t, "conflict", dup["code"])
	assert.Equal(t, "6", dup["id"])

	alice.send(map[string]any{"type": "produce", "id": "7", "kind": "hologram"})
	assert.Equal(t, "bad_request", alice.await("error")["code"])

	alice.send(map[string]any{"type": "whoami", "id": "8"})
	who := alice.await("whoami")
	assert.Equal(t, "Alice", who["username"])
	assert.Equal(t, "lobby", who["channelId"])

	alice.send(map[string]any{"type": "close_producer", "id": "9", "kind": "audio"})
	assert.Equal(t, "close_producer", alice.await("ack")["op"])
	assert.Equal(t, "audio", bob.await("producer_closed")["kind"])
}

func TestRoomsAndChannelsAPI(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Post(srv.URL+"/api/channels/general", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	alice := dial(t, srv, "alice")
	alice.send(map[string]any{"type": "join", "channelId": "general"})
	alice.await("joined")

	resp, err = http.Get(srv.URL + "/api/rooms")
	require.NoError(t, err)
	var rooms []core.RoomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	resp.Body.Close()
	require.Len(t, rooms, 1)
	assert.Equal(t, 1, rooms[0].MemberCount)

	resp, err = http.Get(srv.URL + "/api/rooms/general/members/alice/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/rooms/nowhere")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/channels/general", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "channel_deleted", alice.await("room_closed")["reason"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestKickClosesSocket(t *testing.T) {
	srv, o := newServer(t)
	alice := dial(t, srv, "alice")
	alice.send(map[string]any{"type": "join", "channelId": "lobby"})
	alice.await("joined")

	resp, err := http.Post(srv.URL+"/api/users/alice/kick", "application/json", strings.NewReader(`{"reason":"spam"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "spam", alice.await("kicked")["reason"])
	require.Eventually(t, func() bool {
		_, ok := o.Registry.Signal("alice")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	room, ok := o.Rooms.Find("lobby")
	require.True(t, ok)
	assert.Zero(t, room.MemberCount())
}
