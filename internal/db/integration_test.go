//go:build integration
// +build integration

package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupTestPostgres(ctx context.Context, t *testing.T) string {
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url
	}
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("fabric"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	url, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string for postgres")
	return url
}

func seedProcedures(t *testing.T, url string) {
	raw, err := sql.Open("postgres", url)
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Exec(`
		CREATE TABLE IF NOT EXISTS user_shard_map (
			account_db_key BIGINT PRIMARY KEY,
			shard_id INT NOT NULL
		);
		TRUNCATE TABLE user_shard_map;

		CREATE OR REPLACE FUNCTION fp_user_shard_get(p_key BIGINT)
		RETURNS TABLE("ErrorCode" INT, "ErrorMessage" TEXT, shard_id INT) AS $$
		BEGIN
			RETURN QUERY SELECT 0, ''::TEXT, 0;
			RETURN QUERY SELECT 0, ''::TEXT, m.shard_id
				FROM user_shard_map m WHERE m.account_db_key = p_key;
		END;
		$$ LANGUAGE plpgsql;

		CREATE OR REPLACE FUNCTION fp_user_shard_set(p_key BIGINT, p_shard INT)
		RETURNS TABLE("ErrorCode" INT, "ErrorMessage" TEXT) AS $$
		BEGIN
			INSERT INTO user_shard_map(account_db_key, shard_id)
				VALUES (p_key, p_shard)
				ON CONFLICT (account_db_key) DO UPDATE SET shard_id = EXCLUDED.shard_id;
			RETURN QUERY SELECT 0, ''::TEXT;
		END;
		$$ LANGUAGE plpgsql;

		CREATE OR REPLACE FUNCTION fp_get_active_shards()
		RETURNS TABLE("ErrorCode" INT, "ErrorMessage" TEXT, shard_id INT) AS $$
			SELECT 0, ''::TEXT, 0
			UNION ALL SELECT 0, ''::TEXT, 1
			UNION ALL SELECT 0, ''::TEXT, 2
			ORDER BY 3;
		$$ LANGUAGE sql;

		CREATE OR REPLACE FUNCTION fp_always_fails()
		RETURNS TABLE("ErrorCode" INT, "ErrorMessage" TEXT) AS $$
			SELECT 1001, 'simulated failure'::TEXT;
		$$ LANGUAGE sql;
	`)
	require.NoError(t, err, "failed to seed procedures")
}

func newTestService(ctx context.Context, t *testing.T) *Service {
	url := setupTestPostgres(ctx, t)
	seedProcedures(t, url)

	svc, err := NewService(config.DatabaseConfig{
		GlobalURL: url,
		Shards: []config.ShardConfig{
			{ID: 1, URL: url},
			{ID: 2, URL: url},
		},
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}, log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestProcedureRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(ctx, t)

	rows, err := svc.CallGlobalProcedure(ctx, "fp_user_shard_set", int64(42), 2)
	require.NoError(t, err)
	_, err = Check(rows)
	require.NoError(t, err)

	rows, err = svc.CallGlobalProcedure(ctx, "fp_user_shard_get", int64(42))
	require.NoError(t, err)
	data, err := Check(rows)
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, 2, AsInt(data[0]["shard_id"]))
}

func TestShardForAccountAssignsAndCaches(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(ctx, t)

	// No persisted mapping: deterministic default, key mod 2 + 1.
	id, err := svc.ShardForAccount(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, 101%2+1, id)

	// The assignment is persisted, not just cached in-process.
	rows, err := svc.CallGlobalProcedure(ctx, "fp_user_shard_get", int64(101))
	require.NoError(t, err)
	data, err := Check(rows)
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, id, AsInt(data[0]["shard_id"]))

	again, err := svc.ShardForAccount(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestShardForAccountHonorsExistingMapping(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(ctx, t)

	_, err := svc.CallGlobalProcedure(ctx, "fp_user_shard_set", int64(7), 2)
	require.NoError(t, err)

	id, err := svc.ShardForAccount(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestActiveShardIDs(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(ctx, t)

	ids, err := svc.ActiveShardIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ids)
}

func TestProcedureErrorContract(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(ctx, t)

	rows, err := svc.CallGlobalProcedure(ctx, "fp_always_fails")
	require.NoError(t, err)
	_, err = Check(rows)
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Contains(t, err.Error(), "simulated failure")
}

func TestUnknownShard(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(ctx, t)

	_, err := svc.CallShardProcedureByShardID(ctx, 99, "fp_get_active_shards")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestHealthy(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(ctx, t)
	assert.True(t, svc.Healthy(ctx))
	assert.Equal(t, []int{1, 2}, svc.ShardIDs())
}
