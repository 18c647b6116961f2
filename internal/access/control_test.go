package access

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credvault/internal/audit"
	"github.com/rendis/credvault/internal/identity"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/pkg/schema"
)

func newTestControl(t *testing.T) (*Control, *audit.Trail, *store.LibSQLStore) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	trail := audit.New(s, slog.Default())
	return New(s, trail, slog.Default()), trail, s
}

func seedCredential(t *testing.T, s *store.LibSQLStore) *store.Credential {
	t.Helper()
	c := &store.Credential{
		ID:             identity.NewCredentialID(),
		Name:           "api-key-" + identity.NewCredentialID(),
		Type:           schema.CredentialTypeAPIKey,
		Service:        "github",
		Environment:    schema.EnvironmentDev,
		EncryptedValue: []byte{1},
		IV:             make([]byte, 16),
		AuthTag:        make([]byte, 16),
		Salt:           make([]byte, 16),
		Status:         schema.CredentialStatusActive,
	}
	require.NoError(t, s.CreateCredential(context.Background(), c))
	return c
}

func TestGrantAndHasAccess(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	ctx := context.Background()
	cred := seedCredential(t, s)

	policy, err := ctrl.Grant(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, GrantInput{
		GrantedBy: "admin", Reason: "integration",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.AccessLevelRead, policy.AccessLevel) // default level

	ok, err := ctrl.HasAccess(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, schema.AccessLevelRead)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ctrl.HasAccess(ctx, cred.ID, "skill-other", schema.EntityTypeSkill, schema.AccessLevelRead)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same entity id under a different entity type is a different tuple.
	ok, err = ctrl.HasAccess(ctx, cred.ID, "skill-1", schema.EntityTypeTool, schema.AccessLevelRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGrant_CredentialNotFound(t *testing.T) {
	ctrl, _, _ := newTestControl(t)
	_, err := ctrl.Grant(context.Background(), "cred_missing", "skill-1", schema.EntityTypeSkill, GrantInput{})
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestGrant_InvalidInput(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	cred := seedCredential(t, s)

	_, err := ctrl.Grant(context.Background(), cred.ID, "x", "robot", GrantInput{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = ctrl.Grant(context.Background(), cred.ID, "x", schema.EntityTypeSkill, GrantInput{AccessLevel: "root"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestAccessLevelHierarchy(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	ctx := context.Background()
	cred := seedCredential(t, s)

	_, err := ctrl.Grant(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, GrantInput{
		AccessLevel: schema.AccessLevelWrite,
	})
	require.NoError(t, err)

	for required, want := range map[schema.AccessLevel]bool{
		schema.AccessLevelRead:  true,
		schema.AccessLevelWrite: true,
		schema.AccessLevelAdmin: false,
	} {
		ok, err := ctrl.HasAccess(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, required)
		require.NoError(t, err)
		assert.Equal(t, want, ok, "required level %s", required)
	}
}

func TestRegrantUpdatesLevelAndExpiry(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	ctx := context.Background()
	cred := seedCredential(t, s)

	_, err := ctrl.Grant(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, GrantInput{})
	require.NoError(t, err)

	expiry := time.Now().UTC().Add(time.Hour)
	p, err := ctrl.Grant(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, GrantInput{
		AccessLevel: schema.AccessLevelAdmin, ExpiresAt: &expiry,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.AccessLevelAdmin, p.AccessLevel)
	assert.NotNil(t, p.ExpiresAt)

	policies, err := ctrl.Policies(ctx, cred.ID)
	require.NoError(t, err)
	assert.Len(t, policies, 1)
}

func TestExpiredPolicyDenied(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	ctx := context.Background()
	cred := seedCredential(t, s)

	past := time.Now().UTC().Add(-time.Minute)
	_, err := ctrl.Grant(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, GrantInput{ExpiresAt: &past})
	require.NoError(t, err)

	ok, err := ctrl.HasAccess(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, schema.AccessLevelRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevokedCredentialDeniedForAll(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	ctx := context.Background()
	cred := seedCredential(t, s)

	_, err := ctrl.Grant(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, GrantInput{AccessLevel: schema.AccessLevelAdmin})
	require.NoError(t, err)

	_, err = s.SetCredentialStatus(ctx, cred.ID, schema.CredentialStatusRevoked)
	require.NoError(t, err)

	ok, err := ctrl.HasAccess(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, schema.AccessLevelRead)
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing credential is also a quiet false, not an error.
	ok, err = ctrl.HasAccess(ctx, "cred_missing", "skill-1", schema.EntityTypeSkill, schema.AccessLevelRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssertAccess(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	ctx := context.Background()
	cred := seedCredential(t, s)

	err := ctrl.AssertAccess(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, schema.AccessLevelRead)
	require.Error(t, err)
	assert.True(t, schema.IsAccessDenied(err))

	_, err = ctrl.Grant(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, GrantInput{})
	require.NoError(t, err)
	require.NoError(t, ctrl.AssertAccess(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, schema.AccessLevelRead))
}

func TestRevoke(t *testing.T) {
	ctrl, trail, s := newTestControl(t)
	ctx := context.Background()
	cred := seedCredential(t, s)

	_, err := ctrl.Grant(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, GrantInput{})
	require.NoError(t, err)

	removed, err := ctrl.Revoke(ctx, cred.ID, "skill-1", schema.EntityTypeSkill)
	require.NoError(t, err)
	assert.True(t, removed)

	// Revoking again is a no-op and is not audited a second time.
	removed, err = ctrl.Revoke(ctx, cred.ID, "skill-1", schema.EntityTypeSkill)
	require.NoError(t, err)
	assert.False(t, removed)

	n, err := trail.Count(ctx, store.AuditFilter{
		CredentialID: cred.ID, Action: schema.AuditActionRevokeAccess,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPolicyIntrospection(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	ctx := context.Background()
	cred := seedCredential(t, s)

	p, err := ctrl.Policy(ctx, cred.ID, "skill-1", schema.EntityTypeSkill)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = ctrl.Grant(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, GrantInput{})
	require.NoError(t, err)

	p, err = ctrl.Policy(ctx, cred.ID, "skill-1", schema.EntityTypeSkill)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, cred.ID, p.CredentialID)
}

func TestAccessibleCredentials(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	ctx := context.Background()
	active := seedCredential(t, s)
	revoked := seedCredential(t, s)
	expired := seedCredential(t, s)

	_, err := ctrl.Grant(ctx, active.ID, "skill-1", schema.EntityTypeSkill, GrantInput{})
	require.NoError(t, err)
	_, err = ctrl.Grant(ctx, revoked.ID, "skill-1", schema.EntityTypeSkill, GrantInput{})
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Hour)
	_, err = ctrl.Grant(ctx, expired.ID, "skill-1", schema.EntityTypeSkill, GrantInput{ExpiresAt: &past})
	require.NoError(t, err)

	_, err = s.SetCredentialStatus(ctx, revoked.ID, schema.CredentialStatusRevoked)
	require.NoError(t, err)

	creds, err := ctrl.AccessibleCredentials(ctx, "skill-1", schema.EntityTypeSkill)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, active.ID, creds[0].ID)
}

func TestUpdateAccessLevel(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	ctx := context.Background()
	cred := seedCredential(t, s)

	err := ctrl.UpdateAccessLevel(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, schema.AccessLevelAdmin)
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))

	_, err = ctrl.Grant(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, GrantInput{})
	require.NoError(t, err)
	require.NoError(t, ctrl.UpdateAccessLevel(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, schema.AccessLevelAdmin))

	ok, err := ctrl.HasAccess(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, schema.AccessLevelAdmin)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRevokeAll(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	ctx := context.Background()
	cred := seedCredential(t, s)

	_, err := ctrl.Grant(ctx, cred.ID, "skill-1", schema.EntityTypeSkill, GrantInput{})
	require.NoError(t, err)
	_, err = ctrl.Grant(ctx, cred.ID, "tool-1", schema.EntityTypeTool, GrantInput{})
	require.NoError(t, err)

	n, err := ctrl.RevokeAll(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = ctrl.RevokeAll(ctx, cred.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCleanupExpiredAndExpiringSoon(t *testing.T) {
	ctrl, _, s := newTestControl(t)
	ctx := context.Background()
	cred := seedCredential(t, s)

	past := time.Now().UTC().Add(-time.Hour)
	inThreeDays := time.Now().UTC().Add(3 * 24 * time.Hour)
	inSixtyDays := time.Now().UTC().Add(60 * 24 * time.Hour)

	_, err := ctrl.Grant(ctx, cred.ID, "stale", schema.EntityTypeSkill, GrantInput{ExpiresAt: &past})
	require.NoError(t, err)
	_, err = ctrl.Grant(ctx, cred.ID, "soon", schema.EntityTypeSkill, GrantInput{ExpiresAt: &inThreeDays})
	require.NoError(t, err)
	_, err = ctrl.Grant(ctx, cred.ID, "later", schema.EntityTypeSkill, GrantInput{ExpiresAt: &inSixtyDays})
	require.NoError(t, err)

	soon, err := ctrl.ExpiringSoon(ctx, 7)
	require.NoError(t, err)
	require.Len(t, soon, 1)
	assert.Equal(t, "soon", soon[0].EntityID)

	n, err := ctrl.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	policies, err := ctrl.Policies(ctx, cred.ID)
	require.NoError(t, err)
	assert.Len(t, policies, 2)
}
