// Package container owns service lifecycle: construction in dependency
// order, master election, background loop supervision and reverse-order
// shutdown.
package container

import (
	"context"
	"sync"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/cache"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/db"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/gateway"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/httpclient"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/lock"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/notify"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/outbox"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/queue"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/scheduler"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/session"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/ws"

	"go.uber.org/zap"
)

const (
	masterLockKey     = "service_container_master"
	masterLockTTL     = 24 * time.Hour
	masterTakeoverGap = 30 * time.Second
	shardMonitorEvery = 30 * time.Second
)

// HealthReport aggregates per-service health for the status endpoint.
type HealthReport struct {
	Healthy   bool                                `json:"healthy"`
	IsMaster  bool                                `json:"is_master"`
	NodeID    string                              `json:"node_id"`
	Cache     cache.HealthReport                  `json:"cache"`
	Database  bool                                `json:"database"`
	Queues    map[string]queue.QueueStats         `json:"queues"`
	WebSocket ws.Stats                            `json:"websocket"`
	Notify    notify.ServiceStats                 `json:"notify"`
	Outbox    map[string]outbox.Stats             `json:"outbox"`
	Upstreams map[string]httpclient.ClientMetrics `json:"upstreams"`
	CheckedAt time.Time                           `json:"checked_at"`
}

// Container holds every service and its initialization state. Services
// come up in a fixed order; Shutdown walks it in reverse.
type Container struct {
	cfg    *config.Config
	logger *log.Logger

	cache      *cache.Client
	locks      *lock.Service
	database   *db.Service
	sessions   *session.Service
	queues     *queue.Service
	sched      *scheduler.Service
	clients    *httpclient.Service
	email      *gateway.EmailGateway
	sms        *gateway.SMSGateway
	sockets    *ws.Service
	notify     *notify.Service
	persist    *notify.Consumer
	outbox     *outbox.Consumer

	mu          sync.Mutex
	initialized bool
	started     bool

	masterMu    sync.RWMutex
	isMaster    bool
	masterToken string

	cancel context.CancelFunc
	bg     sync.WaitGroup
}

func New(cfg *config.Config, logger *log.Logger) *Container {
	return &Container{cfg: cfg, logger: logger.Named("container")}
}

// Init constructs every service in dependency order. Calling Init on an
// initialized container is a logged no-op.
func (c *Container) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		c.logger.Warn("Init called on initialized container, ignoring")
		return nil
	}

	var err error
	c.cache, err = cache.NewClient(c.cfg.Cache, c.cfg.Namespace(), c.logger)
	if err != nil {
		return err
	}
	c.locks = lock.NewService(c.cache, c.cfg.NodeID, c.logger)
	c.database, err = db.NewService(c.cfg.Database, c.logger)
	if err != nil {
		return err
	}
	sessionTTL := time.Duration(c.cfg.Cache.SessionExpireSeconds) * time.Second
	c.sessions = session.NewService(c.cache, c.cfg.JWTSecret, sessionTTL, c.logger)
	c.queues = queue.NewService(c.cache, c.locks, c.cfg.Queue, c.cfg.NodeID, c.logger)
	c.sched = scheduler.NewService(c.cfg.Scheduler, c.locks, c.logger)
	c.clients = httpclient.NewService(c.cfg.ExternalAPIs, c.logger)
	c.email = gateway.NewEmailGateway(c.clients, c.logger)
	c.sms = gateway.NewSMSGateway(c.clients, c.logger)
	c.sockets = ws.NewService(c.cfg.WebSocket, c.cache, c.cfg.NodeID, c.logger)
	c.notify = notify.NewService(c.cfg.Notification, c.cache, c.database, c.queues, c.sockets, c.logger)
	c.persist = notify.NewConsumer(c.cfg.Notification, c.cache, c.database, c.locks, c.email, c.sms, c.sockets, c.logger)
	c.outbox = outbox.NewConsumer(c.cfg.Outbox, c.database, c.locks, c.logger)

	c.persist.Register(c.queues, c.cfg.NodeID)
	if err := c.outbox.RegisterRetentionJobs(c.sched); err != nil {
		return err
	}

	c.initialized = true
	c.logger.Info("Container initialized",
		zap.String("node_id", c.cfg.NodeID),
		zap.Int("shards", c.database.ShardCount()))
	return nil
}

// Start elects a master, then launches every background loop. Start after
// Start is a logged no-op.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return errs.New(errs.KindNotInitialized, "container not initialized")
	}
	if c.started {
		c.logger.Warn("Start called on started container, ignoring")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.electMaster(runCtx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.masterLoop(runCtx)
	}()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.database.MonitorShards(runCtx, shardMonitorEvery)
	}()

	c.queues.Start(runCtx)
	c.sched.Start(runCtx)
	c.sockets.Start(runCtx)
	c.persist.Start(runCtx)
	c.outbox.Start(runCtx)

	c.started = true
	c.logger.Info("Container started", zap.Bool("is_master", c.IsMaster()))
	return nil
}

// electMaster makes one attempt to claim the cluster master lock.
func (c *Container) electMaster(ctx context.Context) {
	token, ok, err := c.locks.TryAcquire(ctx, masterLockKey, masterLockTTL)
	if err != nil {
		c.logger.Error("Master election failed", zap.Error(err))
		return
	}
	c.masterMu.Lock()
	c.isMaster = ok
	c.masterToken = token
	c.masterMu.Unlock()
	if ok {
		c.logger.Info("Elected master", zap.String("node_id", c.cfg.NodeID))
	} else {
		c.logger.Info("Running as replica", zap.String("node_id", c.cfg.NodeID))
	}
}

// masterLoop extends the lock while master and contends for takeover while
// replica. Takeover is slow: the lock only frees when the master releases
// it or its 24h TTL lapses.
func (c *Container) masterLoop(ctx context.Context) {
	ticker := time.NewTicker(masterTakeoverGap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.masterMu.RLock()
			isMaster := c.isMaster
			token := c.masterToken
			c.masterMu.RUnlock()
			if isMaster {
				ok, err := c.locks.Extend(ctx, masterLockKey, token, masterLockTTL)
				if err != nil {
					c.logger.Error("Failed to extend master lock", zap.Error(err))
					continue
				}
				if !ok {
					c.logger.Warn("Lost master lock")
					c.masterMu.Lock()
					c.isMaster = false
					c.masterToken = ""
					c.masterMu.Unlock()
				}
				continue
			}
			c.electMaster(ctx)
		}
	}
}

// Shutdown stops services in reverse start order, then closes connections.
func (c *Container) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}

	c.outbox.Stop()
	c.persist.Stop()
	c.sockets.Stop()
	c.sched.Stop()
	c.queues.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	c.bg.Wait()

	c.masterMu.RLock()
	isMaster := c.isMaster
	token := c.masterToken
	c.masterMu.RUnlock()
	if isMaster {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := c.locks.Release(releaseCtx, masterLockKey, token); err != nil {
			c.logger.Error("Failed to release master lock", zap.Error(err))
		}
		cancel()
	}

	c.database.Close()
	if err := c.cache.Close(); err != nil {
		c.logger.Error("Failed to close cache", zap.Error(err))
	}
	c.started = false
	c.initialized = false
	c.logger.Info("Container shut down")
}

// IsMaster reports whether this node currently holds the master lock.
func (c *Container) IsMaster() bool {
	c.masterMu.RLock()
	defer c.masterMu.RUnlock()
	return c.isMaster
}

// Health aggregates every service's view into one report.
func (c *Container) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		IsMaster:  c.IsMaster(),
		NodeID:    c.cfg.NodeID,
		Cache:     c.cache.HealthCheck(ctx),
		Database:  c.database.Healthy(ctx),
		Queues:    c.queues.Stats(ctx),
		WebSocket: c.sockets.GetStats(),
		Notify:    c.notify.Stats(),
		Outbox:    c.outbox.StatsSnapshot(),
		Upstreams: c.clients.Metrics(),
		CheckedAt: time.Now().UTC(),
	}
	report.Healthy = report.Cache.Healthy && report.Database
	return report
}

// Typed getters. Each pairs with an initialized check so callers can probe
// without tripping a nil dereference.

func (c *Container) Cache() *cache.Client             { return c.cache }
func (c *Container) Locks() *lock.Service             { return c.locks }
func (c *Container) Database() *db.Service            { return c.database }
func (c *Container) Sessions() *session.Service       { return c.sessions }
func (c *Container) Queues() *queue.Service           { return c.queues }
func (c *Container) Scheduler() *scheduler.Service    { return c.sched }
func (c *Container) HTTPClients() *httpclient.Service { return c.clients }
func (c *Container) Email() *gateway.EmailGateway     { return c.email }
func (c *Container) SMS() *gateway.SMSGateway         { return c.sms }
func (c *Container) WebSockets() *ws.Service          { return c.sockets }
func (c *Container) Notify() *notify.Service          { return c.notify }
func (c *Container) Outbox() *outbox.Consumer         { return c.outbox }

func (c *Container) IsCacheInitialized() bool     { return c.cache != nil }
func (c *Container) IsDatabaseInitialized() bool  { return c.database != nil }
func (c *Container) IsQueueInitialized() bool     { return c.queues != nil }
func (c *Container) IsSchedulerInitialized() bool { return c.sched != nil }
func (c *Container) IsWebSocketInitialized() bool { return c.sockets != nil }
func (c *Container) IsNotifyInitialized() bool    { return c.notify != nil }
func (c *Container) IsOutboxInitialized() bool    { return c.outbox != nil }
