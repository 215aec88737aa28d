package metrics

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/db"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// QueueDepthSource samples queue depths for the gauges.
type QueueDepthSource interface {
	Stats(ctx context.Context) map[string]queue.QueueStats
}

type FabricMetrics struct {
	QueueEnqueued  *prometheus.CounterVec
	QueueAcked     *prometheus.CounterVec
	QueueDead      *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	DelayedDepth   *prometheus.GaugeVec
	DLQDepth       *prometheus.GaugeVec
	ShardHealth    *prometheus.GaugeVec
	CacheState     prometheus.Gauge
	CacheHitRatio  prometheus.Gauge
	queues         QueueDepthSource
	cache          *cache.Client
	database       *db.Service
	logger         *log.Logger
	lastEnqueued   map[string]int64
	lastAcked      map[string]int64
	lastDead       map[string]int64
}

func NewFabricMetrics(queues QueueDepthSource, c *cache.Client, database *db.Service, logger *log.Logger) *FabricMetrics {
	m := &FabricMetrics{
		QueueEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_queue_enqueued_total",
				Help: "Total number of enqueued messages",
			},
			[]string{"queue"},
		),
		QueueAcked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_queue_acked_total",
				Help: "Total number of acknowledged messages",
			},
			[]string{"queue"},
		),
		QueueDead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_queue_dead_lettered_total",
				Help: "Total number of dead-lettered messages",
			},
			[]string{"queue"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fabric_queue_ready_depth",
				Help: "Number of messages ready for delivery per queue",
			},
			[]string{"queue"},
		),
		DelayedDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fabric_queue_delayed_depth",
				Help: "Number of scheduled messages not yet due per queue",
			},
			[]string{"queue"},
		),
		DLQDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fabric_queue_dlq_depth",
				Help: "Number of dead letters per queue",
			},
			[]string{"queue"},
		),
		ShardHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fabric_shard_health",
				Help: "Health status of database shards (1 = healthy, 0 = unhealthy)",
			},
			[]string{"shard"},
		),
		CacheState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fabric_cache_state",
				Help: "Cache connection state (0 = healthy, 1 = degraded, 2 = failed)",
			},
		),
		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fabric_cache_hit_ratio",
				Help: "Cache hit ratio over the process lifetime",
			},
		),
		queues:       queues,
		cache:        c,
		database:     database,
		logger:       logger,
		lastEnqueued: make(map[string]int64),
		lastAcked:    make(map[string]int64),
		lastDead:     make(map[string]int64),
	}

	prometheus.MustRegister(
		m.QueueEnqueued,
		m.QueueAcked,
		m.QueueDead,
		m.QueueDepth,
		m.DelayedDepth,
		m.DLQDepth,
		m.ShardHealth,
		m.CacheState,
		m.CacheHitRatio,
	)

	return m
}

func (m *FabricMetrics) Run(ctx context.Context) {
	logger := m.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    ":2112",
		Handler: mux,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates for metrics", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set for metrics, using HTTP")
	}

	go m.collectMetrics(ctx)

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Metrics server starting on :2112 with TLS")
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		} else {
			logger.Info("Metrics server starting on :2112 without TLS")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *FabricMetrics) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			for name, stats := range m.queues.Stats(ctx) {
				m.QueueDepth.WithLabelValues(name).Set(float64(stats.ReadyDepth))
				m.DelayedDepth.WithLabelValues(name).Set(float64(stats.DelayedDepth))
				m.DLQDepth.WithLabelValues(name).Set(float64(stats.DLQDepth))
				m.QueueEnqueued.WithLabelValues(name).Add(float64(stats.Enqueued - m.lastEnqueued[name]))
				m.QueueAcked.WithLabelValues(name).Add(float64(stats.Acked - m.lastAcked[name]))
				m.QueueDead.WithLabelValues(name).Add(float64(stats.DeadLettered - m.lastDead[name]))
				m.lastEnqueued[name] = stats.Enqueued
				m.lastAcked[name] = stats.Acked
				m.lastDead[name] = stats.DeadLettered
			}

			for _, shardID := range m.database.ShardIDs() {
				shard := fmt.Sprintf("%d", shardID)
				if m.database.ShardHealthy(shardID) {
					m.ShardHealth.WithLabelValues(shard).Set(1)
				} else {
					m.ShardHealth.WithLabelValues(shard).Set(0)
					m.logger.Error("Database shard unhealthy", zap.Int("shard", shardID))
				}
			}

			snap := m.cache.Metrics().Snapshot()
			m.CacheState.Set(float64(m.cache.Metrics().State()))
			total := snap.Hits + snap.Misses
			if total > 0 {
				m.CacheHitRatio.Set(float64(snap.Hits) / float64(total))
			}
		}
	}
}
