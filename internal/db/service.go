// Package db routes relational access across a global catalog database and a
// fixed set of user-data shards. All domain reads and writes go through
// stored procedures; the first row of every procedure result carries
// ErrorCode/ErrorMessage.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Row is one result row keyed by column name. Byte slices are converted to
// strings at scan time.
type Row map[string]interface{}

type Service struct {
	global    *sql.DB
	shards    map[int]*sql.DB
	shardIDs  []int
	logger    *log.Logger
	healthyMu sync.RWMutex
	healthy   map[int]bool

	mappingMu sync.RWMutex
	mapping   map[uint64]int
}

func NewService(cfg config.DatabaseConfig, logger *log.Logger) (*Service, error) {
	global, err := open(cfg.GlobalURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("open global db: %w", err)
	}
	s := &Service{
		global:  global,
		shards:  make(map[int]*sql.DB),
		logger:  logger.Named("db"),
		healthy: make(map[int]bool),
		mapping: make(map[uint64]int),
	}
	for _, shard := range cfg.Shards {
		db, err := open(shard.URL, cfg)
		if err != nil {
			return nil, fmt.Errorf("open shard %d: %w", shard.ID, err)
		}
		s.shards[shard.ID] = db
		s.shardIDs = append(s.shardIDs, shard.ID)
		s.healthy[shard.ID] = true
	}
	return s, nil
}

func open(url string, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if err := db.Ping(); err != nil {
		return nil, errs.Wrap(errs.KindConnection, "ping", err)
	}
	return db, nil
}

func (s *Service) Close() {
	s.global.Close()
	for _, db := range s.shards {
		db.Close()
	}
}

// ShardCount returns the number of configured shards.
func (s *Service) ShardCount() int {
	return len(s.shardIDs)
}

// ShardIDs returns the configured shard ids in ascending order.
func (s *Service) ShardIDs() []int {
	out := make([]int, len(s.shardIDs))
	copy(out, s.shardIDs)
	return out
}

// MonitorShards pings every pool on an interval and flips health flags.
func (s *Service) MonitorShards(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, db := range s.shards {
				healthy := db.PingContext(ctx) == nil
				s.healthyMu.Lock()
				s.healthy[id] = healthy
				s.healthyMu.Unlock()
				if !healthy {
					s.logger.Error("Shard unhealthy", zap.Int("shard", id))
				}
			}
		}
	}
}

// ShardHealthy reports the last monitored state of one shard.
func (s *Service) ShardHealthy(shardID int) bool {
	s.healthyMu.RLock()
	defer s.healthyMu.RUnlock()
	return s.healthy[shardID]
}

// Healthy reports whether all pools currently respond to pings.
func (s *Service) Healthy(ctx context.Context) bool {
	if err := s.global.PingContext(ctx); err != nil {
		return false
	}
	for _, db := range s.shards {
		if err := db.PingContext(ctx); err != nil {
			return false
		}
	}
	return true
}

func (s *Service) shardDB(shardID int) (*sql.DB, error) {
	db, ok := s.shards[shardID]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "unknown shard %d", shardID)
	}
	s.healthyMu.RLock()
	healthy := s.healthy[shardID]
	s.healthyMu.RUnlock()
	if !healthy {
		return nil, errs.Newf(errs.KindConnection, "shard %d is unhealthy", shardID)
	}
	return db, nil
}

// DefaultShardID is the deterministic assignment for accounts without a
// persisted mapping: account_key mod N + 1.
func (s *Service) DefaultShardID(accountDBKey uint64) int {
	return int(accountDBKey%uint64(len(s.shardIDs))) + 1
}

// ShardForAccount resolves the shard for an account key. A missing mapping
// is assigned deterministically and persisted through the catalog.
func (s *Service) ShardForAccount(ctx context.Context, accountDBKey uint64) (int, error) {
	s.mappingMu.RLock()
	if id, ok := s.mapping[accountDBKey]; ok {
		s.mappingMu.RUnlock()
		return id, nil
	}
	s.mappingMu.RUnlock()

	rows, err := s.CallGlobalProcedure(ctx, "fp_user_shard_get", int64(accountDBKey))
	if err != nil {
		return 0, fmt.Errorf("lookup shard mapping: %w", err)
	}
	data, err := Check(rows)
	if err != nil {
		return 0, fmt.Errorf("lookup shard mapping: %w", err)
	}
	var shardID int
	if len(data) > 0 {
		shardID = asInt(data[0]["shard_id"])
	}
	if shardID == 0 {
		shardID = s.DefaultShardID(accountDBKey)
		if _, err := s.CallGlobalProcedure(ctx, "fp_user_shard_set", int64(accountDBKey), shardID); err != nil {
			return 0, fmt.Errorf("persist shard mapping: %w", err)
		}
		s.logger.Info("Assigned shard mapping",
			zap.Uint64("account_db_key", accountDBKey),
			zap.Int("shard", shardID))
	}

	s.mappingMu.Lock()
	s.mapping[accountDBKey] = shardID
	s.mappingMu.Unlock()
	return shardID, nil
}

// ActiveShardIDs enumerates shards the catalog marks active, for fan-out
// jobs. A shard the catalog lists but this process has no pool for is
// skipped with a log line.
func (s *Service) ActiveShardIDs(ctx context.Context) ([]int, error) {
	rows, err := s.CallGlobalProcedure(ctx, "fp_get_active_shards")
	if err != nil {
		return nil, fmt.Errorf("active shards: %w", err)
	}
	data, err := Check(rows)
	if err != nil {
		return nil, fmt.Errorf("active shards: %w", err)
	}
	var ids []int
	for _, row := range data {
		id := asInt(row["shard_id"])
		if _, ok := s.shards[id]; !ok {
			s.logger.Warn("Catalog lists shard without a local pool", zap.Int("shard", id))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ---- procedure calls ----

// CallGlobalProcedure invokes a stored procedure on the catalog database.
func (s *Service) CallGlobalProcedure(ctx context.Context, name string, args ...interface{}) ([]Row, error) {
	return s.callProcedure(ctx, s.global, name, args...)
}

// CallShardProcedure routes by account key and invokes on that shard.
func (s *Service) CallShardProcedure(ctx context.Context, accountDBKey uint64, name string, args ...interface{}) ([]Row, error) {
	shardID, err := s.ShardForAccount(ctx, accountDBKey)
	if err != nil {
		return nil, err
	}
	return s.CallShardProcedureByShardID(ctx, shardID, name, args...)
}

// CallShardProcedureByShardID invokes on an explicit shard, for fan-out.
func (s *Service) CallShardProcedureByShardID(ctx context.Context, shardID int, name string, args ...interface{}) ([]Row, error) {
	db, err := s.shardDB(shardID)
	if err != nil {
		return nil, err
	}
	return s.callProcedure(ctx, db, name, args...)
}

func (s *Service) callProcedure(ctx context.Context, db *sql.DB, name string, args ...interface{}) ([]Row, error) {
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("SELECT * FROM %s(%s)", name, strings.Join(placeholders, ", "))
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// ---- ad-hoc queries ----

func (s *Service) ExecuteGlobalQuery(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	rows, err := s.global.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("global query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *Service) ExecuteShardQuery(ctx context.Context, shardID int, query string, args ...interface{}) ([]Row, error) {
	db, err := s.shardDB(shardID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("shard %d query: %w", shardID, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	var out []Row
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ---- procedure result contract ----

// Check validates the first-row ErrorCode/ErrorMessage convention and
// returns the data rows that follow. A missing first row is a failure.
func Check(rows []Row) ([]Row, error) {
	if len(rows) == 0 {
		return nil, errs.New(errs.KindFatal, "procedure returned no rows")
	}
	code := asInt(rows[0]["ErrorCode"])
	if code != 0 {
		msg, _ := rows[0]["ErrorMessage"].(string)
		return nil, errs.Newf(errs.KindConflict, "procedure error %d: %s", code, msg)
	}
	return rows[1:], nil
}

// AsInt coerces a scanned column value to int.
func AsInt(v interface{}) int { return asInt(v) }

// AsBool coerces a scanned column value to bool. Postgres booleans arrive
// as bool, smallint flags as integers, and text casts as "t"/"true"/"1".
func AsBool(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "t" || b == "true" || b == "1"
	default:
		return asInt(v) != 0
	}
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	case string:
		var i int
		fmt.Sscanf(n, "%d", &i)
		return i
	}
	return 0
}
