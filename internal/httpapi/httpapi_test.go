package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/keeperhq/calkeeper/internal/broadcast"
	"github.com/keeperhq/calkeeper/internal/config"
	"github.com/keeperhq/calkeeper/internal/loggy"
)

type chanPubSub struct {
	messages chan []byte
}

func (p *chanPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	p.messages <- payload
	return nil
}

func (p *chanPubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	return p.messages, func() {}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *broadcast.Service) {
	t.Helper()

	hub := broadcast.NewService(&chanPubSub{messages: make(chan []byte, 16)}, config.BroadcastConfig{
		StatusChannel: "calkeeper:status",
		PingInterval:  50 * time.Millisecond,
		PongTimeout:   5 * time.Second,
	}, loggy.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := NewServer(hub, loggy.NewNoopLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts, hub
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketRequiresUserID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketReceivesStatusAndAnswersPing(t *testing.T) {
	ts, hub := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws?userId=usr_01"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the hub to register the connection before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnCount("usr_01") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, hub.ConnCount("usr_01"))

	require.NoError(t, hub.PublishStatus(ctx, "usr_01", &broadcast.SyncStatus{
		DestinationID: "dst_01",
		Status:        broadcast.StatusSyncing,
		Stage:         broadcast.StageFetching,
	}))

	pong, _ := json.Marshal(broadcast.Envelope{Event: broadcast.EventPong})
	for {
		_, payload, err := conn.Read(ctx)
		require.NoError(t, err)

		var env broadcast.Envelope
		require.NoError(t, json.Unmarshal(payload, &env))

		if env.Event == broadcast.EventPing {
			require.NoError(t, conn.Write(ctx, websocket.MessageText, pong))
			continue
		}

		require.Equal(t, broadcast.EventStatus, env.Event)
		var status broadcast.SyncStatus
		require.NoError(t, json.Unmarshal(env.Data, &status))
		assert.Equal(t, "dst_01", status.DestinationID)
		assert.Equal(t, broadcast.StatusSyncing, status.Status)
		return
	}
}
