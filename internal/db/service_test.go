package db

import (
	"testing"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckNoRows(t *testing.T) {
	_, err := Check(nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindFatal, errs.KindOf(err))
}

func TestCheckErrorRow(t *testing.T) {
	_, err := Check([]Row{{"ErrorCode": int64(2004), "ErrorMessage": "duplicate entry"}})
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Contains(t, err.Error(), "duplicate entry")
}

func TestCheckSlicesOffStatusRow(t *testing.T) {
	data, err := Check([]Row{
		{"ErrorCode": int64(0), "ErrorMessage": ""},
		{"shard_id": int64(1)},
		{"shard_id": int64(2)},
	})
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, 1, AsInt(data[0]["shard_id"]))
}

func TestAsInt(t *testing.T) {
	assert.Equal(t, 7, AsInt(int64(7)))
	assert.Equal(t, 7, AsInt(int32(7)))
	assert.Equal(t, 7, AsInt(7))
	assert.Equal(t, 7, AsInt(float64(7)))
	assert.Equal(t, 7, AsInt("7"))
	assert.Equal(t, 0, AsInt(nil))
	assert.Equal(t, 0, AsInt("not a number"))
}

func TestAsBool(t *testing.T) {
	assert.True(t, AsBool(true))
	assert.False(t, AsBool(false))
	assert.True(t, AsBool("t"))
	assert.True(t, AsBool("true"))
	assert.True(t, AsBool("1"))
	assert.False(t, AsBool("f"))
	assert.True(t, AsBool(int64(1)))
	assert.False(t, AsBool(int64(0)))
	assert.False(t, AsBool(nil))
}

func TestDefaultShardID(t *testing.T) {
	s := &Service{shardIDs: []int{1, 2, 3}}
	assert.Equal(t, 1, s.DefaultShardID(0))
	assert.Equal(t, 2, s.DefaultShardID(1))
	assert.Equal(t, 1, s.DefaultShardID(3))
	assert.Equal(t, 3, s.DefaultShardID(5))
}
