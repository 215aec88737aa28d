// Package ws manages live websocket connections: registration, channel
// subscriptions, heartbeats and cross-node broadcast through cache pub/sub.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	sendBuffer     = 64
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Envelope is the wire frame for outbound pushes.
type Envelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// clientCommand is what connected clients may send: channel management and
// heartbeat responses.
type clientCommand struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

type client struct {
	id       string
	userID   string
	conn     *websocket.Conn
	send     chan []byte
	lastSeen time.Time
	channels map[string]struct{}
}

// Stats is a point-in-time view of the connection registry.
type Stats struct {
	Connections int            `json:"connections"`
	Users       int            `json:"users"`
	Channels    map[string]int `json:"channels"`
	Sent        int64          `json:"sent"`
	Dropped     int64          `json:"dropped"`
}

// Service is the connection registry plus its maintenance loops.
type Service struct {
	cfg    config.WebSocketConfig
	cache  *cache.Client
	logger *log.Logger
	nodeID string

	mu       sync.RWMutex
	clients  map[string]*client             // client id → client
	users    map[string]map[string]struct{} // user id → client ids
	channels map[string]map[string]struct{} // channel → client ids
	sent     int64
	dropped  int64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(cfg config.WebSocketConfig, c *cache.Client, nodeID string, logger *log.Logger) *Service {
	return &Service{
		cfg:      cfg,
		cache:    c,
		nodeID:   nodeID,
		logger:   logger.Named("ws"),
		clients:  make(map[string]*client),
		users:    make(map[string]map[string]struct{}),
		channels: make(map[string]map[string]struct{}),
	}
}

// Start launches the heartbeat sweep and, when a pub/sub prefix is
// configured, the cross-node broadcast listener.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.heartbeatLoop(runCtx)
		}()
		if s.cfg.PubSubPrefix != "" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.pubsubLoop(runCtx)
			}()
		}
		wg.Wait()
	}()
	s.logger.Info("WebSocket service started", zap.Int("max_connections", s.cfg.MaxConnections))
}

// Stop closes every connection and waits for the loops.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	s.logger.Info("WebSocket service stopped")
}

// HandleUpgrade upgrades an HTTP request into a managed connection. userID
// comes from the authenticated session; empty is allowed only when auth is
// not required.
func (s *Service) HandleUpgrade(w http.ResponseWriter, r *http.Request, userID string) error {
	if s.cfg.RequireAuth && userID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return errs.New(errs.KindPermissionDenied, "websocket requires authenticated session")
	}
	s.mu.RLock()
	full := len(s.clients) >= s.cfg.MaxConnections
	s.mu.RUnlock()
	if full {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return errs.New(errs.KindThrottled, "websocket connection limit reached")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}
	c := &client{
		id:       uuid.NewString(),
		userID:   userID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		lastSeen: time.Now(),
		channels: make(map[string]struct{}),
	}
	s.register(c)
	go s.writePump(c)
	go s.readPump(c)
	return nil
}

func (s *Service) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	if c.userID != "" {
		if s.users[c.userID] == nil {
			s.users[c.userID] = make(map[string]struct{})
		}
		s.users[c.userID][c.id] = struct{}{}
	}
	s.logger.Info("Client connected",
		zap.String("client_id", c.id),
		zap.String("user_id", c.userID),
		zap.Int("connections", len(s.clients)))
}

func (s *Service) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	delete(s.clients, c.id)
	if c.userID != "" {
		delete(s.users[c.userID], c.id)
		if len(s.users[c.userID]) == 0 {
			delete(s.users, c.userID)
		}
	}
	for ch := range c.channels {
		delete(s.channels[ch], c.id)
		if len(s.channels[ch]) == 0 {
			delete(s.channels, ch)
		}
	}
	close(c.send)
	s.logger.Info("Client disconnected", zap.String("client_id", c.id), zap.Int("connections", len(s.clients)))
}

func (s *Service) readPump(c *client) {
	defer func() {
		s.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	c.conn.SetPongHandler(func(string) error {
		s.touch(c)
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch(c)
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "subscribe":
			s.Subscribe(c.id, cmd.Channel)
		case "unsubscribe":
			s.Unsubscribe(c.id, cmd.Channel)
		case "ping":
			s.sendTo(c, &Envelope{Type: "pong", Timestamp: time.Now().UTC()})
		}
	}
}

func (s *Service) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Service) touch(c *client) {
	s.mu.Lock()
	c.lastSeen = time.Now()
	s.mu.Unlock()
}

// heartbeatLoop drops connections that stopped answering pings.
func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.PingTimeout * 2)
			s.mu.RLock()
			stale := make([]*client, 0)
			for _, c := range s.clients {
				if c.lastSeen.Before(cutoff) {
					stale = append(stale, c)
				}
			}
			s.mu.RUnlock()
			for _, c := range stale {
				s.logger.Warn("Closing stale connection", zap.String("client_id", c.id))
				c.conn.Close()
			}
		}
	}
}

// pubsubLoop delivers channel broadcasts published by other nodes.
func (s *Service) pubsubLoop(ctx context.Context) {
	sub := s.cache.PSubscribe(ctx, s.cfg.PubSubPrefix+":*")
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame struct {
				Node     string   `json:"node"`
				Channel  string   `json:"channel"`
				Envelope Envelope `json:"envelope"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				continue
			}
			if frame.Node == s.nodeID {
				continue
			}
			s.deliverChannel(frame.Channel, &frame.Envelope)
		}
	}
}

// Subscribe joins clientID to channel.
func (s *Service) Subscribe(clientID, channel string) bool {
	if channel == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return false
	}
	c.channels[channel] = struct{}{}
	if s.channels[channel] == nil {
		s.channels[channel] = make(map[string]struct{})
	}
	s.channels[channel][clientID] = struct{}{}
	return true
}

// Unsubscribe removes clientID from channel.
func (s *Service) Unsubscribe(clientID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return false
	}
	delete(c.channels, channel)
	if m := s.channels[channel]; m != nil {
		delete(m, clientID)
		if len(m) == 0 {
			delete(s.channels, channel)
		}
	}
	return true
}

func (s *Service) sendTo(c *client, env *Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		s.mu.Lock()
		s.sent++
		s.mu.Unlock()
		return true
	default:
		// Slow consumer; drop rather than block the fabric.
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return false
	}
}

// SendToClient pushes one envelope to a specific connection.
func (s *Service) SendToClient(clientID string, env *Envelope) bool {
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	env.Timestamp = time.Now().UTC()
	return s.sendTo(c, env)
}

// SendToUser pushes to every live connection of userID. Returns the number
// of connections reached.
func (s *Service) SendToUser(userID string, env *Envelope) int {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.users[userID]))
	for id := range s.users[userID] {
		if c, ok := s.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()
	env.Timestamp = time.Now().UTC()
	n := 0
	for _, c := range targets {
		if s.sendTo(c, env) {
			n++
		}
	}
	return n
}

func (s *Service) deliverChannel(channel string, env *Envelope) int {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.channels[channel]))
	for id := range s.channels[channel] {
		if c, ok := s.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()
	n := 0
	for _, c := range targets {
		if s.sendTo(c, env) {
			n++
		}
	}
	return n
}

// BroadcastToChannel pushes to local subscribers and, when pub/sub is
// configured, relays to other nodes.
func (s *Service) BroadcastToChannel(ctx context.Context, channel string, env *Envelope) int {
	env.Channel = channel
	env.Timestamp = time.Now().UTC()
	n := s.deliverChannel(channel, env)
	if s.cfg.PubSubPrefix != "" {
		frame := map[string]interface{}{"node": s.nodeID, "channel": channel, "envelope": env}
		data, err := json.Marshal(frame)
		if err == nil {
			if err := s.cache.Publish(ctx, s.cfg.PubSubPrefix+":"+channel, string(data)); err != nil {
				s.logger.Warn("Failed to relay broadcast", zap.String("channel", channel), zap.Error(err))
			}
		}
	}
	return n
}

// BroadcastToAll pushes to every live connection on this node.
func (s *Service) BroadcastToAll(env *Envelope) int {
	env.Timestamp = time.Now().UTC()
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()
	n := 0
	for _, c := range targets {
		if s.sendTo(c, env) {
			n++
		}
	}
	return n
}

// HasLiveSocket reports whether userID has at least one open connection.
func (s *Service) HasLiveSocket(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// GetStats snapshots the registry.
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := make(map[string]int, len(s.channels))
	for ch, ids := range s.channels {
		channels[ch] = len(ids)
	}
	return Stats{
		Connections: len(s.clients),
		Users:       len(s.users),
		Channels:    channels,
		Sent:        s.sent,
		Dropped:     s.dropped,
	}
}
