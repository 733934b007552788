package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/ai-response-service/internal/events"
)

func newTestServer(t *testing.T, cfg Config) (*Registry, string) {
	t.Helper()
	reg := NewRegistry()
	srv := httptest.NewServer(NewHandler(reg, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() {
		reg.CloseAll()
		srv.Close()
	})
	return reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServerMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestHandler_Protocol(t *testing.T) {
	reg, url := newTestServer(t, Config{})
	ws := dial(t, url)

	connected := read(t, ws)
	assert.Equal(t, TypeConnected, connected.Type)
	require.NotEmpty(t, connected.ConnectionID)

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeIdentify, UserID: "alice"}))
	assert.Equal(t, ServerMessage{Type: TypeIdentified, UserID: "alice"}, read(t, ws))

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeSubscribe, Topic: "conv-42"}))
	assert.Equal(t, ServerMessage{Type: TypeSubscribed, Topic: "conv-42"}, read(t, ws))

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeSetLanguage, Language: "de"}))
	assert.Equal(t, ServerMessage{Type: TypeLanguageSet, Language: "de"}, read(t, ws))
	lang, ok := reg.Language(connected.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, "de", lang)

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: TypePing}))
	assert.Equal(t, TypePong, read(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{bad")))
	assert.Equal(t, TypeError, read(t, ws).Type)

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: "shout"}))
	assert.Equal(t, TypeError, read(t, ws).Type)

	assert.Equal(t, 1, reg.SendToTopic("conv-42", ServerMessage{Type: TypePong}))
	assert.Equal(t, TypePong, read(t, ws).Type)

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: TypeUnsubscribe, Topic: "conv-42"}))
	assert.Equal(t, ServerMessage{Type: TypeUnsubscribed, Topic: "conv-42"}, read(t, ws))
	assert.Empty(t, reg.TopicConnections("conv-42"))
}

func TestHandler_EventReachesEveryTab(t *testing.T) {
	reg, url := newTestServer(t, Config{})

	tab1 := dial(t, url+"?userId=alice")
	tab2 := dial(t, url+"?userId=alice")
	for _, ws := range []*websocket.Conn{tab1, tab2} {
		assert.Equal(t, TypeConnected, read(t, ws).Type)
		assert.Equal(t, TypeIdentified, read(t, ws).Type)
	}

	require.NoError(t, reg.Emit(context.Background(), events.Started("alice", "req-1", "conv-1")))

	for _, ws := range []*websocket.Conn{tab1, tab2} {
		msg := read(t, ws)
		assert.Equal(t, events.TypeStarted, msg.Type)
		assert.Equal(t, "req-1", msg.RequestID)
		assert.Equal(t, "conv-1", msg.ConversationID)
	}
}

func TestHandler_ClientCloseUnregisters(t *testing.T) {
	reg, url := newTestServer(t, Config{})
	ws := dial(t, url+"?userId=alice")
	read(t, ws)
	read(t, ws)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	ws.Close()

	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, reg.UserConnections("alice"))
}

func TestHandler_PongKeepsConnectionAlive(t *testing.T) {
	reg, url := newTestServer(t, Config{})
	ws := dial(t, url)
	read(t, ws)

	// The client answers pings with pongs only while it is reading.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		reg.Sweep()
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, originChecker(nil)(req("https://evil.example")))
	assert.True(t, originChecker([]string{"*"})(req("https://evil.example")))

	check := originChecker([]string{"https://app.example"})
	assert.True(t, check(req("https://app.example")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("https://evil.example")))
}
