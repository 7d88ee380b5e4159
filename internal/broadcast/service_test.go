package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keeperhq/calkeeper/internal/config"
	"github.com/keeperhq/calkeeper/internal/loggy"
)

// fakePubSub is an in-process channel transport.
type fakePubSub struct {
	mu        sync.Mutex
	messages  chan []byte
	published [][]byte
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{messages: make(chan []byte, 16)}
}

func (f *fakePubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, payload)
	f.mu.Unlock()
	f.messages <- payload
	return nil
}

func (f *fakePubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	return f.messages, func() {}, nil
}

// fakeConn records frames written to it.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	writeErr error
}

func (c *fakeConn) Write(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) allFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *fakeConn) lastFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testBroadcastConfig() config.BroadcastConfig {
	return config.BroadcastConfig{
		StatusChannel: "calkeeper:status",
		PingInterval:  20 * time.Millisecond,
		PongTimeout:   200 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStatusDeliveredOnlyToAddressedUser(t *testing.T) {
	pubsub := newFakePubSub()
	svc := NewService(pubsub, testBroadcastConfig(), loggy.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	alice := &fakeConn{}
	bob := &fakeConn{}
	aliceID := svc.AddConn("usr_alice", alice)
	svc.AddConn("usr_bob", bob)
	defer svc.RemoveConn("usr_alice", aliceID)

	err := svc.PublishStatus(ctx, "usr_alice", &SyncStatus{
		DestinationID: "dst_01",
		Status:        StatusSyncing,
		Stage:         StageFetching,
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return alice.frameCount() > 0 })

	var env Envelope
	require.NoError(t, json.Unmarshal(alice.lastFrame(), &env))
	assert.Equal(t, "usr_alice", env.UserID)
	assert.Equal(t, EventStatus, env.Event)

	var status SyncStatus
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, "dst_01", status.DestinationID)
	assert.Equal(t, StatusSyncing, status.Status)
	assert.Equal(t, StageFetching, status.Stage)

	// Bob never sees Alice's status; pings are the only frames he gets.
	for _, frame := range bob.allFrames() {
		var e Envelope
		require.NoError(t, json.Unmarshal(frame, &e))
		assert.Equal(t, EventPing, e.Event)
	}
}

func TestPingSentToLiveConnections(t *testing.T) {
	pubsub := newFakePubSub()
	svc := NewService(pubsub, testBroadcastConfig(), loggy.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	conn := &fakeConn{}
	connID := svc.AddConn("usr_alice", conn)
	defer svc.RemoveConn("usr_alice", connID)

	waitFor(t, func() bool { return conn.frameCount() > 0 })

	var env Envelope
	require.NoError(t, json.Unmarshal(conn.lastFrame(), &env))
	assert.Equal(t, EventPing, env.Event)
}

func TestMissedPongTearsConnectionDown(t *testing.T) {
	pubsub := newFakePubSub()
	cfg := testBroadcastConfig()
	cfg.PongTimeout = 30 * time.Millisecond
	svc := NewService(pubsub, cfg, loggy.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	conn := &fakeConn{}
	svc.AddConn("usr_alice", conn)

	waitFor(t, func() bool { return svc.ConnCount("usr_alice") == 0 })
	assert.True(t, conn.isClosed())
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	pubsub := newFakePubSub()
	cfg := testBroadcastConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PongTimeout = 60 * time.Millisecond
	svc := NewService(pubsub, cfg, loggy.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	conn := &fakeConn{}
	connID := svc.AddConn("usr_alice", conn)

	// Keep answering pings for several timeout windows.
	done := time.After(200 * time.Millisecond)
	for alive := true; alive; {
		select {
		case <-done:
			alive = false
		case <-time.After(10 * time.Millisecond):
			svc.NotePong("usr_alice", connID)
		}
	}

	assert.Equal(t, 1, svc.ConnCount("usr_alice"))
	assert.False(t, conn.isClosed())
	svc.RemoveConn("usr_alice", connID)
}

func TestWriteFailureDropsConnection(t *testing.T) {
	pubsub := newFakePubSub()
	svc := NewService(pubsub, testBroadcastConfig(), loggy.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	broken := &fakeConn{writeErr: assert.AnError}
	svc.AddConn("usr_alice", broken)

	require.NoError(t, svc.PublishStatus(ctx, "usr_alice", &SyncStatus{DestinationID: "dst_01", Status: StatusIdle}))

	waitFor(t, func() bool { return svc.ConnCount("usr_alice") == 0 })
	assert.True(t, broken.isClosed())
}

func TestRemoveConnIsIdempotent(t *testing.T) {
	svc := NewService(newFakePubSub(), testBroadcastConfig(), loggy.NewNoopLogger())

	conn := &fakeConn{}
	connID := svc.AddConn("usr_alice", conn)

	svc.RemoveConn("usr_alice", connID)
	svc.RemoveConn("usr_alice", connID)

	assert.Equal(t, 0, svc.ConnCount("usr_alice"))
	assert.True(t, conn.isClosed())
}
