package session

import (
	"context"
	"testing"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewService(nil, "test-secret", time.Hour, log.NewLogger())
	token, err := s.sign(&Session{AccountDBKey: 42, AccountID: "acct-42"}, time.Now())
	require.NoError(t, err)
	assert.NoError(t, s.verify(token))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := NewService(nil, "secret-a", time.Hour, log.NewLogger())
	verifier := NewService(nil, "secret-b", time.Hour, log.NewLogger())
	token, err := signer.sign(&Session{AccountDBKey: 1}, time.Now())
	require.NoError(t, err)

	err = verifier.verify(token)
	require.Error(t, err)
	assert.Equal(t, errs.KindSessionExpired, errs.KindOf(err))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	s := NewService(nil, "test-secret", time.Minute, log.NewLogger())
	token, err := s.sign(&Session{AccountDBKey: 1}, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	err = s.verify(token)
	require.Error(t, err)
	assert.Equal(t, errs.KindSessionExpired, errs.KindOf(err))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := NewService(nil, "test-secret", time.Hour, log.NewLogger())
	assert.Error(t, s.verify("not.a.token"))
	assert.Error(t, s.verify(""))
}

func TestSessionContextRoundTrip(t *testing.T) {
	sess := &Session{AccountDBKey: 7, ShardID: 2}
	ctx := WithSession(context.Background(), sess)
	assert.Equal(t, sess, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
