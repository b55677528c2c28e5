package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUser(t *testing.T) {
	user, err := CreateUser("tester", "tester@example.com", "secret123")
	require.NoError(t, err)

	assert.Equal(t, "tester", user.Name)
	assert.Equal(t, STATUS_INACTIVE, user.Status)
	assert.NotEqual(t, "secret123", user.Password, "password must be hashed")
	assert.True(t, user.CheckPassword("secret123"))
	assert.False(t, user.CheckPassword("wrong"))

	require.Len(t, user.Roles, 1)
	assert.Equal(t, RoleFree, user.Roles[0].Name)
}

func TestCreateUserValidation(t *testing.T) {
	_, err := CreateUser("ab", "not-an-email", "secret123")
	assert.Error(t, err)

	_, err = CreateUser("tester", "tester@example.com", "short")
	// Validation runs on the hash, so short raw passwords pass struct
	// validation; controllers enforce raw length. Hashing always succeeds.
	assert.NoError(t, err)
}

func TestGenerateActivationToken(t *testing.T) {
	u := &User{}
	require.NoError(t, u.GenerateActivationToken())
	assert.Len(t, u.ActivationToken, 32)
	assert.NotNil(t, u.ActivationSentAt)

	first := u.ActivationToken
	require.NoError(t, u.GenerateActivationToken())
	assert.NotEqual(t, first, u.ActivationToken)
}

func TestBillingRole(t *testing.T) {
	u := &User{}
	assert.Equal(t, RoleFree, u.BillingRole(), "no roles defaults to free")

	u.Roles = []Role{{Name: RoleAdmin}}
	assert.Equal(t, RoleFree, u.BillingRole(), "admin is not a billing role")
	assert.True(t, u.IsAdmin())

	u.Roles = []Role{{Name: RoleAdmin}, {Name: RolePremium}}
	assert.Equal(t, RolePremium, u.BillingRole())
	assert.True(t, u.HasRole(RolePremium))
	assert.False(t, u.HasRole(RoleTrial))
}

func TestTrialState(t *testing.T) {
	now := time.Now()
	u := &User{}
	assert.False(t, u.OnTrial(now))
	assert.False(t, u.HasUsedTrial())

	future := now.Add(24 * time.Hour)
	u.TrialEndsAt = &future
	assert.True(t, u.OnTrial(now))
	assert.True(t, u.HasUsedTrial())

	past := now.Add(-24 * time.Hour)
	u.TrialEndsAt = &past
	assert.False(t, u.OnTrial(now), "expired trial is not active")
	assert.True(t, u.HasUsedTrial(), "expired trial still counts as used")
}
