// Package notify accepts notification requests, applies dedup, preference
// and rate-limit policy, then hands per-channel deliveries to the
// persistence queue keyed by user so each user's stream stays ordered.
package notify

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/db"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel names a delivery transport.
type Channel string

const (
	ChannelInApp     Channel = "IN_APP"
	ChannelEmail     Channel = "EMAIL"
	ChannelSMS       Channel = "SMS"
	ChannelPush      Channel = "PUSH"
	ChannelWebSocket Channel = "WEBSOCKET"
)

// PersistenceQueue is the durable queue the persistence consumer drains.
const PersistenceQueue = "notification_persistence"

const prefCacheTTL = time.Hour

// Notification is one logical notification before channel fan-out.
type Notification struct {
	NotificationID string                 `json:"notification_id"`
	AccountDBKey   uint64                 `json:"account_db_key"`
	Type           string                 `json:"type"`
	Title          string                 `json:"title"`
	Body           string                 `json:"body"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Priority       int                    `json:"priority"` // 1 highest .. 5 lowest
	CreatedAt      time.Time              `json:"created_at"`
}

// Delivery is one (notification, channel) pair enqueued for persistence
// and sending.
type Delivery struct {
	Notification Notification `json:"notification"`
	Channel      Channel      `json:"channel"`
	ShardID      int          `json:"shard_id"`
	Attempts     int          `json:"attempts,omitempty"`
}

// Result reports what happened to a submitted notification.
type Result struct {
	NotificationID string    `json:"notification_id"`
	Deduplicated   bool      `json:"deduplicated"`
	RateLimited    bool      `json:"rate_limited"`
	Channels       []Channel `json:"channels"`
}

// SocketPresence reports whether a user has a live websocket.
type SocketPresence interface {
	HasLiveSocket(userID string) bool
}

// ServiceStats are the notify counters.
type ServiceStats struct {
	Accepted     int64 `json:"accepted"`
	Deduplicated int64 `json:"deduplicated"`
	RateLimited  int64 `json:"rate_limited"`
	NoChannel    int64 `json:"no_channel"`
	Enqueued     int64 `json:"enqueued"`
}

// Service is the notification front door.
type Service struct {
	cfg      config.NotificationConfig
	cache    *cache.Client
	database *db.Service
	queue    *queue.Service
	presence SocketPresence
	logger   *log.Logger

	mu    sync.Mutex
	stats ServiceStats
}

func NewService(cfg config.NotificationConfig, c *cache.Client, database *db.Service, q *queue.Service, presence SocketPresence, logger *log.Logger) *Service {
	return &Service{
		cfg:      cfg,
		cache:    c,
		database: database,
		queue:    q,
		presence: presence,
		logger:   logger.Named("notify"),
	}
}

// Send runs the full policy pipeline for one notification. requested lists
// the channels the caller wants; empty means every enabled channel.
func (s *Service) Send(ctx context.Context, n Notification, requested []Channel) (*Result, error) {
	if n.AccountDBKey == 0 || n.Type == "" {
		return nil, errs.New(errs.KindConfigInvalid, "notification requires account_db_key and type")
	}
	if n.NotificationID == "" {
		n.NotificationID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Priority < 1 || n.Priority > 5 {
		n.Priority = 3
	}
	res := &Result{NotificationID: n.NotificationID}

	fresh, err := s.passDedup(ctx, &n)
	if err != nil {
		return nil, err
	}
	if !fresh {
		res.Deduplicated = true
		s.bump(func(st *ServiceStats) { st.Deduplicated++ })
		return res, nil
	}

	channels, err := s.resolveChannels(ctx, &n, requested)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		s.bump(func(st *ServiceStats) { st.NoChannel++ })
		s.logger.Debug("No deliverable channel",
			zap.Uint64("account_db_key", n.AccountDBKey),
			zap.String("type", n.Type))
		return res, nil
	}

	// The hourly counter is charged only for notifications that actually
	// have somewhere to go.
	allowed, err := s.passRateLimit(ctx, &n)
	if err != nil {
		return nil, err
	}
	if !allowed {
		res.RateLimited = true
		s.bump(func(st *ServiceStats) { st.RateLimited++ })
		return res, nil
	}

	shardID, err := s.database.ShardForAccount(ctx, n.AccountDBKey)
	if err != nil {
		return nil, fmt.Errorf("resolve shard: %w", err)
	}

	prio := queue.PriorityNormal
	if n.Priority <= 2 {
		prio = queue.PriorityHigh
	}
	partition := strconv.FormatUint(n.AccountDBKey, 10)
	for _, ch := range channels {
		_, err := s.queue.SendMessage(ctx, PersistenceQueue, "notification_delivery",
			Delivery{Notification: n, Channel: ch, ShardID: shardID},
			prio, partition, 0)
		if err != nil {
			return nil, fmt.Errorf("enqueue delivery: %w", err)
		}
	}
	res.Channels = channels
	s.bump(func(st *ServiceStats) {
		st.Accepted++
		st.Enqueued += int64(len(channels))
	})
	return res, nil
}

// passDedup claims the content hash for the dedup window. Returns false
// when an identical notification was already accepted inside the window.
func (s *Service) passDedup(ctx context.Context, n *Notification) (bool, error) {
	key := fmt.Sprintf("notif:dedup:%d:%s:%s", n.AccountDBKey, n.Type, contentHash(n))
	window := time.Duration(s.cfg.DedupWindowHours) * time.Hour
	ok, err := s.cache.SetNX(ctx, key, n.NotificationID, window)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return ok, nil
}

// contentHash digests the data payload with sorted keys so field order in
// Data never defeats dedup. User and type are already part of the dedup
// key, so two notifications with the same payload collapse even when their
// display text differs.
func contentHash(n *Notification) string {
	keys := make([]string, 0, len(n.Data))
	for k := range n.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := md5.New()
	for _, k := range keys {
		v, _ := json.Marshal(n.Data[k])
		fmt.Fprintf(h, "%s=%s;", k, v)
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}

// passRateLimit charges the user's hourly counter. On breach it emits a
// SYSTEM_ERROR event once per hour window.
func (s *Service) passRateLimit(ctx context.Context, n *Notification) (bool, error) {
	if s.cfg.RateLimitPerUserHour <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("notif:rate:%d:%s", n.AccountDBKey, time.Now().UTC().Format("2006010215"))
	count, err := s.cache.Incr(ctx, key)
	if err != nil {
		return false, fmt.Errorf("rate limit: %w", err)
	}
	if count == 1 {
		if _, err := s.cache.Expire(ctx, key, time.Hour); err != nil {
			s.logger.Warn("Failed to expire rate counter", zap.Error(err))
		}
	}
	if count <= int64(s.cfg.RateLimitPerUserHour) {
		return true, nil
	}
	if count == int64(s.cfg.RateLimitPerUserHour)+1 {
		s.logger.Warn("Notification rate limit exceeded",
			zap.Uint64("account_db_key", n.AccountDBKey),
			zap.Int("limit", s.cfg.RateLimitPerUserHour))
		if err := s.queue.PublishEvent(ctx, queue.EventSystemError, map[string]interface{}{
			"reason":         "notification_rate_limited",
			"account_db_key": n.AccountDBKey,
			"limit":          s.cfg.RateLimitPerUserHour,
		}); err != nil {
			s.logger.Error("Failed to publish rate-limit event", zap.Error(err))
		}
	}
	return false, nil
}

// resolveChannels intersects the request with the service's enabled set
// and the user's preferences, drops WEBSOCKET without a live socket, then
// orders priority channels first.
func (s *Service) resolveChannels(ctx context.Context, n *Notification, requested []Channel) ([]Channel, error) {
	enabled := make(map[Channel]struct{}, len(s.cfg.EnabledChannels))
	for _, ch := range s.cfg.EnabledChannels {
		enabled[Channel(ch)] = struct{}{}
	}
	if len(requested) == 0 {
		for _, ch := range s.cfg.EnabledChannels {
			requested = append(requested, Channel(ch))
		}
	}

	prefs, err := s.userPreferences(ctx, n.AccountDBKey)
	if err != nil {
		return nil, err
	}

	seen := make(map[Channel]struct{}, len(requested))
	out := make([]Channel, 0, len(requested))
	for _, ch := range requested {
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		if _, ok := enabled[ch]; !ok {
			continue
		}
		if allowed, ok := prefs[ch]; ok && !allowed {
			continue
		}
		if ch == ChannelWebSocket && (s.presence == nil || !s.presence.HasLiveSocket(strconv.FormatUint(n.AccountDBKey, 10))) {
			continue
		}
		out = append(out, ch)
	}

	priority := make(map[Channel]int, len(s.cfg.PriorityChannels))
	for i, ch := range s.cfg.PriorityChannels {
		priority[Channel(ch)] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := priority[out[i]]
		pj, jok := priority[out[j]]
		if iok != jok {
			return iok
		}
		return pi < pj
	})
	return out, nil
}

// userPreferences loads per-channel opt-ins from the global database,
// cached for an hour. A user with no stored preferences allows everything.
func (s *Service) userPreferences(ctx context.Context, accountDBKey uint64) (map[Channel]bool, error) {
	key := fmt.Sprintf("notif:pref:%d", accountDBKey)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var prefs map[Channel]bool
		if err := json.Unmarshal([]byte(raw), &prefs); err == nil {
			return prefs, nil
		}
	} else if !errs.IsNotFound(err) {
		s.logger.Warn("Preference cache read failed", zap.Error(err))
	}

	rows, err := s.database.CallGlobalProcedure(ctx, "fp_notification_prefs_get", accountDBKey)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	data, err := db.Check(rows)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	prefs := make(map[Channel]bool)
	for _, row := range data {
		ch, _ := row["channel"].(string)
		if ch == "" {
			continue
		}
		prefs[Channel(ch)] = db.AsBool(row["enabled"])
	}
	if data, err := json.Marshal(prefs); err == nil {
		if err := s.cache.Set(ctx, key, string(data), prefCacheTTL); err != nil {
			s.logger.Warn("Preference cache write failed", zap.Error(err))
		}
	}
	return prefs, nil
}

// InvalidatePreferences drops the cached preferences after a settings
// change.
func (s *Service) InvalidatePreferences(ctx context.Context, accountDBKey uint64) {
	if _, err := s.cache.Delete(ctx, fmt.Sprintf("notif:pref:%d", accountDBKey)); err != nil {
		s.logger.Warn("Failed to invalidate preferences", zap.Error(err))
	}
}

func (s *Service) bump(fn func(*ServiceStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Stats snapshots the counters.
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
