// Package session issues JWT access tokens and keeps the authoritative
// session state in the cache under paired keys that expire together.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState gates what a session may do.
type SessionState string

const (
	StateActive     SessionState = "ACTIVE"
	StateExpired    SessionState = "EXPIRED"
	StateBlocked    SessionState = "BLOCKED"
	StateDuplicated SessionState = "DUPLICATED"
)

// Session is the cached view of one signed-in account.
type Session struct {
	AccountDBKey uint64       `json:"account_db_key"`
	AccountID    string       `json:"account_id"`
	PlatformType int          `json:"platform_type"`
	AccountLevel int          `json:"account_level"`
	ShardID      int          `json:"shard_id"`
	State        SessionState `json:"session_state"`
	CreatedAt    time.Time    `json:"created_at"`
	LastAccess   time.Time    `json:"last_access"`
}

type claims struct {
	AccountDBKey uint64 `json:"account_db_key"`
	AccountID    string `json:"account_id"`
	jwt.RegisteredClaims
}

// Service mints tokens and resolves them back to sessions. Both cache
// keys of a session carry the same TTL, refreshed on every validation.
type Service struct {
	cache  *cache.Client
	secret []byte
	ttl    time.Duration
	logger *log.Logger
}

func NewService(c *cache.Client, jwtSecret string, ttl time.Duration, logger *log.Logger) *Service {
	return &Service{
		cache:  c,
		secret: []byte(jwtSecret),
		ttl:    ttl,
		logger: logger.Named("session"),
	}
}

func accessKey(token string) string   { return "accessToken:" + token }
func sessionKey(token string) string  { return "sessionInfo:" + token }
func userKey(accountID string) string { return "userSession:" + accountID }

// Create signs a token for the account and stores the session under both
// keys in one transaction. A previous session of the same account is marked
// DUPLICATED, so the older token's next validation is rejected.
func (s *Service) Create(ctx context.Context, sess *Session) (string, error) {
	now := time.Now().UTC()
	sess.State = StateActive
	sess.CreatedAt = now
	sess.LastAccess = now

	token, err := s.sign(sess, now)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	if prev, err := s.cache.Get(ctx, userKey(sess.AccountID)); err == nil && prev != "" && prev != token {
		if err := s.markDuplicated(ctx, prev); err != nil {
			s.logger.Warn("Failed to mark previous session duplicated", zap.Error(err))
		}
	}

	err = s.cache.SetMulti(ctx, map[string]interface{}{
		accessKey(token):        fmt.Sprintf("%d", sess.AccountDBKey),
		sessionKey(token):       string(data),
		userKey(sess.AccountID): token,
	}, s.ttl)
	if err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	s.logger.Info("Session created",
		zap.Uint64("account_db_key", sess.AccountDBKey),
		zap.Int("shard_id", sess.ShardID))
	return token, nil
}

func (s *Service) markDuplicated(ctx context.Context, token string) error {
	raw, err := s.cache.Get(ctx, sessionKey(token))
	if err != nil {
		if errs.IsNotFound(err) {
			return nil
		}
		return err
	}
	var old Session
	if err := json.Unmarshal([]byte(raw), &old); err != nil {
		return fmt.Errorf("unmarshal session: %w", err)
	}
	old.State = StateDuplicated
	data, err := json.Marshal(&old)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl, err := s.cache.TTL(ctx, sessionKey(token))
	if err != nil || ttl <= 0 {
		ttl = s.ttl
	}
	return s.cache.Set(ctx, sessionKey(token), string(data), ttl)
}

func (s *Service) sign(sess *Session, now time.Time) (string, error) {
	c := claims{
		AccountDBKey: sess.AccountDBKey,
		AccountID:    sess.AccountID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// Validate resolves a token to its session and slides both TTLs forward.
// A session with either cache key missing is expired; the survivor is
// cleaned up.
func (s *Service) Validate(ctx context.Context, token string) (*Session, error) {
	if err := s.verify(token); err != nil {
		return nil, err
	}

	raw, err := s.cache.Get(ctx, sessionKey(token))
	if err != nil {
		if errs.IsNotFound(err) {
			s.cache.Delete(ctx, accessKey(token))
			return nil, errs.New(errs.KindSessionExpired, "session expired")
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if _, err := s.cache.Get(ctx, accessKey(token)); err != nil {
		if errs.IsNotFound(err) {
			s.cache.Delete(ctx, sessionKey(token))
			return nil, errs.New(errs.KindSessionExpired, "session expired")
		}
		return nil, fmt.Errorf("load access token: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if sess.State == StateBlocked {
		return nil, errs.New(errs.KindSessionBlocked, "session blocked")
	}
	if sess.State == StateDuplicated {
		s.cache.Delete(ctx, accessKey(token), sessionKey(token))
		return nil, errs.New(errs.KindSessionDuplicated, "signed in from another client")
	}

	sess.LastAccess = time.Now().UTC()
	if data, err := json.Marshal(&sess); err == nil {
		if err := s.cache.Set(ctx, sessionKey(token), string(data), s.ttl); err != nil {
			s.logger.Warn("Failed to refresh session info", zap.Error(err))
		}
	}
	if _, err := s.cache.Expire(ctx, accessKey(token), s.ttl); err != nil {
		s.logger.Warn("Failed to refresh access token ttl", zap.Error(err))
	}
	return &sess, nil
}

func (s *Service) verify(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return errs.Wrap(errs.KindSessionExpired, "invalid token", err)
	}
	if !parsed.Valid {
		return errs.New(errs.KindSessionExpired, "invalid token")
	}
	return nil
}

// Block marks the session blocked without deleting it, so the next
// validation rejects with a distinct error.
func (s *Service) Block(ctx context.Context, token string) error {
	raw, err := s.cache.Get(ctx, sessionKey(token))
	if err != nil {
		return err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return fmt.Errorf("unmarshal session: %w", err)
	}
	sess.State = StateBlocked
	data, err := json.Marshal(&sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl, err := s.cache.TTL(ctx, sessionKey(token))
	if err != nil || ttl <= 0 {
		ttl = s.ttl
	}
	return s.cache.Set(ctx, sessionKey(token), string(data), ttl)
}

type ctxKey struct{}

// WithSession attaches a validated session to the request context.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, sess)
}

// FromContext returns the session placed by the auth middleware, or nil.
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(ctxKey{}).(*Session)
	return sess
}

// Refresh slides both TTLs forward without touching the session body.
func (s *Service) Refresh(ctx context.Context, token string) error {
	if err := s.verify(token); err != nil {
		return err
	}
	ok, err := s.cache.Expire(ctx, sessionKey(token), s.ttl)
	if err != nil {
		return fmt.Errorf("refresh session info: %w", err)
	}
	if !ok {
		return errs.New(errs.KindSessionExpired, "session expired")
	}
	if _, err := s.cache.Expire(ctx, accessKey(token), s.ttl); err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}
	return nil
}

// Remove deletes both keys and, when this token is the account's current
// one, the account pointer. Removing an unknown token is not an error.
func (s *Service) Remove(ctx context.Context, token string) error {
	if raw, err := s.cache.Get(ctx, sessionKey(token)); err == nil {
		var sess Session
		if json.Unmarshal([]byte(raw), &sess) == nil && sess.AccountID != "" {
			if cur, err := s.cache.Get(ctx, userKey(sess.AccountID)); err == nil && cur == token {
				s.cache.Delete(ctx, userKey(sess.AccountID))
			}
		}
	}
	if _, err := s.cache.Delete(ctx, accessKey(token), sessionKey(token)); err != nil {
		return err
	}
	return nil
}
