package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeValidation, "bad value").
		WithCause(cause).
		WithCredential("cred_abc").
		WithDetails(map[string]any{"field": "name"})

	assert.Equal(t, `[VALIDATION_ERROR] credential cred_abc: bad value`, err.Error())
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "name", err.Details["field"])
}

func TestErrorPredicates(t *testing.T) {
	nf := NewErrorf(ErrCodeNotFound, "credential %q not found", "cred_x")
	wrapped := fmt.Errorf("lookup: %w", nf)

	assert.True(t, IsNotFound(nf))
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsNotFound(errors.New("plain")))
	assert.False(t, IsNotFound(nil))

	assert.True(t, IsDuplicate(NewError(ErrCodeDuplicate, "dup")))
	assert.True(t, IsAccessDenied(NewError(ErrCodeAccessDenied, "no")))
	assert.True(t, IsDecryption(NewError(ErrCodeDecryption, "tag mismatch")))
	assert.False(t, HasCode(nf, ErrCodeAccessDenied))
}

func TestAccessLevelSatisfies(t *testing.T) {
	assert.True(t, AccessLevelRead.Satisfies(AccessLevelRead))
	assert.True(t, AccessLevelWrite.Satisfies(AccessLevelRead))
	assert.True(t, AccessLevelAdmin.Satisfies(AccessLevelWrite))
	assert.False(t, AccessLevelRead.Satisfies(AccessLevelWrite))
	assert.False(t, AccessLevelWrite.Satisfies(AccessLevelAdmin))
	assert.False(t, AccessLevel("owner").Satisfies(AccessLevelRead))
	assert.False(t, AccessLevelRead.Satisfies(AccessLevel("owner")))
}

func TestValidators(t *testing.T) {
	require.NoError(t, ValidateCredentialType(CredentialTypeAPIKey))
	require.NoError(t, ValidateEnvironment(EnvironmentProduction))
	require.NoError(t, ValidateEntityType(EntityTypeTool))
	require.NoError(t, ValidateAccessLevel(AccessLevelAdmin))

	for _, err := range []error{
		ValidateCredentialType("password"),
		ValidateEnvironment("qa"),
		ValidateEntityType("agent"),
		ValidateAccessLevel("owner"),
	} {
		require.Error(t, err)
		assert.True(t, HasCode(err, ErrCodeValidation))
	}
}
