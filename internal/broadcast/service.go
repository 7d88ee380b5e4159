package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/keeperhq/calkeeper/internal/config"
	"github.com/keeperhq/calkeeper/internal/loggy"
	"github.com/keeperhq/calkeeper/internal/ulid"
)

// Conn is one client connection the hub can write frames to. The
// websocket layer adapts its concrete connection to this.
type Conn interface {
	Write(ctx context.Context, payload []byte) error
	Close() error
}

type connection struct {
	conn     Conn
	lastPong time.Time
}

// Service is the connection hub. Each process holds only its own
// websocket connections; status snapshots cross processes through the
// pub/sub channel and are delivered to whichever process holds the
// addressed user's connections.
type Service struct {
	pubsub PubSub
	cfg    config.BroadcastConfig
	logger *loggy.Logger

	mu    sync.Mutex
	conns map[string]map[string]*connection // userID -> connID
}

func NewService(pubsub PubSub, cfg config.BroadcastConfig, logger *loggy.Logger) *Service {
	if logger == nil {
		logger = loggy.GetGlobalLogger()
	}
	return &Service{
		pubsub: pubsub,
		cfg:    cfg,
		logger: logger.With("component", "broadcast"),
		conns:  make(map[string]map[string]*connection),
	}
}

// PublishStatus sends one status snapshot for userID through the channel.
// Delivery is at-most-once; callers log failures and move on, the next
// snapshot supersedes anything lost.
func (s *Service) PublishStatus(ctx context.Context, userID string, status *SyncStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	env := Envelope{UserID: userID, Event: EventStatus, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.pubsub.Publish(ctx, s.cfg.StatusChannel, payload)
}

// AddConn registers a connection for userID and returns its ID.
func (s *Service) AddConn(userID string, conn Conn) string {
	connID := ulid.GenerateWithPrefix(ulid.PrefixConn).String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[userID] == nil {
		s.conns[userID] = make(map[string]*connection)
	}
	s.conns[userID][connID] = &connection{conn: conn, lastPong: time.Now()}

	s.logger.Debug("connection registered", "user_id", userID, "conn_id", connID)
	return connID
}

// RemoveConn unregisters and closes a connection. Safe to call twice.
func (s *Service) RemoveConn(userID, connID string) {
	s.mu.Lock()
	c := s.takeLocked(userID, connID)
	s.mu.Unlock()

	if c != nil {
		c.conn.Close()
		s.logger.Debug("connection removed", "user_id", userID, "conn_id", connID)
	}
}

func (s *Service) takeLocked(userID, connID string) *connection {
	userConns := s.conns[userID]
	c, ok := userConns[connID]
	if !ok {
		return nil
	}
	delete(userConns, connID)
	if len(userConns) == 0 {
		delete(s.conns, userID)
	}
	return c
}

// NotePong records liveness for a connection.
func (s *Service) NotePong(userID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[userID][connID]; ok {
		c.lastPong = time.Now()
	}
}

// ConnCount reports how many connections userID currently holds.
func (s *Service) ConnCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID])
}

// Run subscribes to the status channel and delivers snapshots to local
// connections until ctx is done. It also drives the ping/pong liveness
// loop.
func (s *Service) Run(ctx context.Context) error {
	messages, cancel, err := s.pubsub.Subscribe(ctx, s.cfg.StatusChannel)
	if err != nil {
		return fmt.Errorf("subscribe to status channel: %w", err)
	}
	defer cancel()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		case payload, ok := <-messages:
			if !ok {
				s.closeAll()
				return nil
			}
			s.deliver(ctx, payload)
		case <-ticker.C:
			s.pingSweep(ctx)
		}
	}
}

// deliver fans one envelope out to the addressed user's connections.
// Other users' connections never see it.
func (s *Service) deliver(ctx context.Context, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.logger.Warn("dropping malformed envelope", "error", err)
		return
	}

	s.mu.Lock()
	targets := make(map[string]Conn, len(s.conns[env.UserID]))
	for connID, c := range s.conns[env.UserID] {
		targets[connID] = c.conn
	}
	s.mu.Unlock()

	for connID, conn := range targets {
		if err := conn.Write(ctx, payload); err != nil {
			s.logger.Warn("write failed, dropping connection", "user_id", env.UserID, "conn_id", connID, "error", err)
			s.RemoveConn(env.UserID, connID)
		}
	}
}

// pingSweep tears down connections that missed the pong deadline and
// pings the rest.
func (s *Service) pingSweep(ctx context.Context) {
	ping, _ := json.Marshal(Envelope{Event: EventPing})
	deadline := time.Now().Add(-s.cfg.PongTimeout)

	type target struct {
		userID, connID string
		conn           Conn
		stale          bool
	}

	s.mu.Lock()
	var targets []target
	for userID, userConns := range s.conns {
		for connID, c := range userConns {
			targets = append(targets, target{
				userID: userID,
				connID: connID,
				conn:   c.conn,
				stale:  c.lastPong.Before(deadline),
			})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		if t.stale {
			s.logger.Info("pong deadline missed, closing connection", "user_id", t.userID, "conn_id", t.connID)
			s.RemoveConn(t.userID, t.connID)
			continue
		}
		if err := t.conn.Write(ctx, ping); err != nil {
			s.RemoveConn(t.userID, t.connID)
		}
	}
}

func (s *Service) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]map[string]*connection)
	s.mu.Unlock()

	for _, userConns := range conns {
		for _, c := range userConns {
			c.conn.Close()
		}
	}
}
