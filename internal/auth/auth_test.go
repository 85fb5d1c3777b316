package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinkalike/kindred/internal/model"
)

func ephemeralManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	return m
}

func TestIssueAndValidateUserToken(t *testing.T) {
	m := ephemeralManager(t)
	userID := uuid.New()

	token, exp, err := m.IssueUserToken(userID)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, model.RoleUser, claims.Role)
	assert.Nil(t, claims.KeyID)
	assert.Equal(t, "kindred", claims.Issuer)
}

func TestIssueAndValidateOperatorToken(t *testing.T) {
	m := ephemeralManager(t)
	keyID := uuid.New()

	token, _, err := m.IssueOperatorToken(keyID)
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOperator, claims.Role)
	assert.Equal(t, uuid.Nil, claims.UserID)
	require.NotNil(t, claims.KeyID)
	assert.Equal(t, keyID, *claims.KeyID)
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	m1 := ephemeralManager(t)
	m2 := ephemeralManager(t)

	token, _, err := m1.IssueUserToken(uuid.New())
	require.NoError(t, err)

	_, err = m2.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := m.IssueUserToken(uuid.New())
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := ephemeralManager(t)
	_, err := m.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestHashAndVerifyOperatorKey(t *testing.T) {
	encoded, err := HashOperatorKey("kindred_op_secret")
	require.NoError(t, err)
	assert.True(t, strings.Contains(encoded, "$"))

	ok, err := VerifyOperatorKey("kindred_op_secret", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyOperatorKey("wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashOperatorKeyUniqueSalt(t *testing.T) {
	h1, err := HashOperatorKey("same-key")
	require.NoError(t, err)
	h2, err := HashOperatorKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifyOperatorKeyBadFormat(t *testing.T) {
	_, err := VerifyOperatorKey("key", "no-dollar-sign")
	assert.Error(t, err)
}
