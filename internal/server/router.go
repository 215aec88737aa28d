package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/container"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/notify"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/queue"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

func SetupRouter(r *chi.Mux, cfg *config.Config, c *container.Container) {
	logger := log.NewLogger()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		report := c.Health(r.Context())
		if !report.Healthy {
			logger.Error("Health check failed",
				zap.Bool("cache", report.Cache.Healthy),
				zap.Bool("database", report.Database))
			http.Error(w, "Unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		report := c.Health(r.Context())
		if err := json.NewEncoder(w).Encode(report); err != nil {
			logger.Error("Failed to encode status", zap.Error(err))
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	})

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID := ""
		if token := bearerToken(r); token != "" {
			sess, err := c.Sessions().Validate(r.Context(), token)
			if err != nil {
				logger.Error("WebSocket session rejected", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			userID = strconv.FormatUint(sess.AccountDBKey, 10)
		}
		if err := c.WebSockets().HandleUpgrade(w, r, userID); err != nil {
			logger.Error("WebSocket upgrade failed", zap.Error(err))
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(c.Sessions(), logger))

		r.Post("/notifications", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				AccountDBKey uint64                 `json:"account_db_key"`
				Type         string                 `json:"type"`
				Title        string                 `json:"title"`
				Body         string                 `json:"body"`
				Data         map[string]interface{} `json:"data"`
				Priority     int                    `json:"priority"`
				Channels     []string               `json:"channels"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode notification request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			channels := make([]notify.Channel, len(req.Channels))
			for i, ch := range req.Channels {
				channels[i] = notify.Channel(ch)
			}
			start := time.Now()
			result, err := c.Notify().Send(r.Context(), notify.Notification{
				AccountDBKey: req.AccountDBKey,
				Type:         req.Type,
				Title:        req.Title,
				Body:         req.Body,
				Data:         req.Data,
				Priority:     req.Priority,
			}, channels)
			if err != nil {
				logger.Error("Failed to send notification", zap.Error(err))
				http.Error(w, err.Error(), statusFor(err))
				return
			}
			if err := json.NewEncoder(w).Encode(result); err != nil {
				logger.Error("Failed to encode notification response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
				return
			}
			logger.Info("Notification accepted",
				zap.String("notification_id", result.NotificationID),
				zap.Duration("duration", time.Since(start)))
		})

		r.Post("/messages", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Queue        string          `json:"queue"`
				MessageType  string          `json:"message_type"`
				Payload      json.RawMessage `json:"payload"`
				Priority     int             `json:"priority"`
				PartitionKey string          `json:"partition_key"`
				DelaySeconds int             `json:"delay_seconds"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode message request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.Queue == "" || req.MessageType == "" {
				http.Error(w, "Missing queue or message_type", http.StatusBadRequest)
				return
			}
			id, err := c.Queues().SendMessage(r.Context(), req.Queue, req.MessageType, req.Payload,
				queue.Priority(req.Priority), req.PartitionKey,
				time.Duration(req.DelaySeconds)*time.Second)
			if err != nil {
				logger.Error("Failed to enqueue message", zap.Error(err))
				http.Error(w, err.Error(), statusFor(err))
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"message_id": id})
		})

		r.Get("/queues/stats", func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewEncoder(w).Encode(c.Queues().Stats(r.Context())); err != nil {
				logger.Error("Failed to encode queue stats", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Get("/queues/{queue}/dlq", func(w http.ResponseWriter, r *http.Request) {
			queueName := chi.URLParam(r, "queue")
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 10
			}
			msgs, err := c.Queues().PeekDeadLetters(r.Context(), queueName, int64(limit))
			if err != nil {
				logger.Error("Failed to read dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if err := json.NewEncoder(w).Encode(msgs); err != nil {
				logger.Error("Failed to encode DLQ response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Post("/queues/{queue}/dlq/requeue", func(w http.ResponseWriter, r *http.Request) {
			queueName := chi.URLParam(r, "queue")
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 10
			}
			n, err := c.Queues().RequeueDeadLetters(r.Context(), queueName, limit)
			if err != nil {
				logger.Error("Failed to requeue dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			logger.Info("Requeued dead letters", zap.String("queue", queueName), zap.Int("count", n))
			json.NewEncoder(w).Encode(map[string]int{"requeued": n})
		})

		r.Get("/scheduler/jobs", func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewEncoder(w).Encode(c.Scheduler().Status()); err != nil {
				logger.Error("Failed to encode job status", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})
	})
}

func bearerToken(r *http.Request) string {
	tokenStr := r.Header.Get("Authorization")
	if strings.HasPrefix(tokenStr, "Bearer ") {
		return tokenStr[7:]
	}
	return tokenStr
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConfigInvalid, errs.KindConflict:
		return http.StatusBadRequest
	case errs.KindThrottled:
		return http.StatusTooManyRequests
	case errs.KindPermissionDenied, errs.KindSessionExpired, errs.KindSessionDuplicated, errs.KindSessionBlocked:
		return http.StatusUnauthorized
	case errs.KindCircuitOpen:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func authMiddleware(sessions *session.Service, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			sess, err := sessions.Validate(r.Context(), token)
			if err != nil {
				logger.Error("Session validation failed", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := session.WithSession(r.Context(), sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
