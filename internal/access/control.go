// Package access decides, for a credential/entity pair, whether a requested
// access level is currently permitted, and manages the policies behind those
// decisions. Every grant and revocation is audited.
package access

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/credvault/internal/audit"
	"github.com/rendis/credvault/internal/identity"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/pkg/schema"
)

// Control is the access-control service.
type Control struct {
	store  store.Store
	trail  *audit.Trail
	logger *slog.Logger
}

// New creates an access Control over the given store and audit trail.
func New(s store.Store, trail *audit.Trail, logger *slog.Logger) *Control {
	if logger == nil {
		logger = slog.Default()
	}
	return &Control{store: s, trail: trail, logger: logger}
}

// GrantInput carries the optional fields of a grant.
type GrantInput struct {
	AccessLevel schema.AccessLevel // defaults to read
	ExpiresAt   *time.Time
	GrantedBy   string
	Reason      string
}

// Grant upserts the policy for the (credential, entity, entityType) tuple:
// re-granting updates level and expiry rather than adding a second policy.
// Fails with NOT_FOUND if the credential does not exist.
func (c *Control) Grant(ctx context.Context, credentialID, entityID string, entityType schema.EntityType, in GrantInput) (*store.AccessPolicy, error) {
	if err := schema.ValidateEntityType(entityType); err != nil {
		return nil, err
	}
	level := in.AccessLevel
	if level == "" {
		level = schema.AccessLevelRead
	}
	if err := schema.ValidateAccessLevel(level); err != nil {
		return nil, err
	}

	if _, err := c.store.GetCredential(ctx, credentialID); err != nil {
		return nil, err
	}

	policy := &store.AccessPolicy{
		ID:           identity.NewPolicyID(),
		CredentialID: credentialID,
		EntityID:     entityID,
		EntityType:   entityType,
		AccessLevel:  level,
		GrantedBy:    in.GrantedBy,
		GrantedAt:    time.Now().UTC(),
		ExpiresAt:    in.ExpiresAt,
		Reason:       in.Reason,
	}
	if err := c.store.UpsertPolicy(ctx, policy); err != nil {
		return nil, err
	}

	c.trail.Log(ctx, credentialID, entityID, entityType, schema.AuditActionGrantAccess, true, &audit.Detail{
		UserID: in.GrantedBy,
		Metadata: map[string]any{
			"access_level": string(level),
			"reason":       in.Reason,
		},
	})

	// The upsert keeps the original row id when the tuple already existed.
	return c.store.GetPolicy(ctx, credentialID, entityID, entityType)
}

// Revoke deletes the policy for the tuple. Returns false without error when
// no policy existed; the revoke_access audit entry is written only when
// something was actually removed.
func (c *Control) Revoke(ctx context.Context, credentialID, entityID string, entityType schema.EntityType) (bool, error) {
	removed, err := c.store.DeletePolicy(ctx, credentialID, entityID, entityType)
	if err != nil {
		return false, err
	}
	if removed {
		c.trail.Log(ctx, credentialID, entityID, entityType, schema.AuditActionRevokeAccess, true, nil)
	}
	return removed, nil
}

// HasAccess reports whether the entity currently holds at least the required
// level on the credential. This is a query, never an assertion: missing or
// expired policies, an inactive credential, and an insufficient level all
// yield false without an error.
func (c *Control) HasAccess(ctx context.Context, credentialID, entityID string, entityType schema.EntityType, required schema.AccessLevel) (bool, error) {
	if required == "" {
		required = schema.AccessLevelRead
	}

	cred, err := c.store.GetCredential(ctx, credentialID)
	if err != nil {
		if schema.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if cred.Status != schema.CredentialStatusActive {
		return false, nil
	}

	policy, err := c.store.GetPolicy(ctx, credentialID, entityID, entityType)
	if err != nil {
		if schema.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if policy.Expired(time.Now().UTC()) {
		return false, nil
	}
	return policy.AccessLevel.Satisfies(required), nil
}

// AssertAccess is HasAccess as an assertion: it returns an ACCESS_DENIED
// error when the check fails. The credential store calls this before any
// decryption.
func (c *Control) AssertAccess(ctx context.Context, credentialID, entityID string, entityType schema.EntityType, required schema.AccessLevel) error {
	ok, err := c.HasAccess(ctx, credentialID, entityID, entityType, required)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeAccessDenied,
			"%s %q does not have %s access", entityType, entityID, required).
			WithCredential(credentialID)
	}
	return nil
}

// Policies returns all policies attached to a credential.
func (c *Control) Policies(ctx context.Context, credentialID string) ([]*store.AccessPolicy, error) {
	return c.store.ListPoliciesForCredential(ctx, credentialID)
}

// Policy returns the policy for a tuple, or nil if none exists.
func (c *Control) Policy(ctx context.Context, credentialID, entityID string, entityType schema.EntityType) (*store.AccessPolicy, error) {
	p, err := c.store.GetPolicy(ctx, credentialID, entityID, entityType)
	if schema.IsNotFound(err) {
		return nil, nil
	}
	return p, err
}

// AccessibleCredentials returns the active credentials the entity can reach
// through non-expired policies.
func (c *Control) AccessibleCredentials(ctx context.Context, entityID string, entityType schema.EntityType) ([]*store.Credential, error) {
	policies, err := c.store.ListPoliciesForEntity(ctx, entityID, entityType)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var creds []*store.Credential
	for _, p := range policies {
		if p.Expired(now) {
			continue
		}
		cred, err := c.store.GetCredential(ctx, p.CredentialID)
		if err != nil {
			if schema.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if cred.Status == schema.CredentialStatusActive {
			creds = append(creds, cred)
		}
	}
	return creds, nil
}

// UpdateAccessLevel changes the level on an existing policy. Fails with
// NOT_FOUND if no policy exists for the tuple.
func (c *Control) UpdateAccessLevel(ctx context.Context, credentialID, entityID string, entityType schema.EntityType, level schema.AccessLevel) error {
	if err := schema.ValidateAccessLevel(level); err != nil {
		return err
	}

	policy, err := c.store.GetPolicy(ctx, credentialID, entityID, entityType)
	if err != nil {
		return err
	}
	policy.AccessLevel = level
	if err := c.store.UpsertPolicy(ctx, policy); err != nil {
		return err
	}

	c.trail.Log(ctx, credentialID, entityID, entityType, schema.AuditActionGrantAccess, true, &audit.Detail{
		Metadata: map[string]any{"access_level": string(level), "update": true},
	})
	return nil
}

// RevokeAll removes every policy attached to a credential and returns the
// count revoked. One revoke_access entry summarizes the sweep.
func (c *Control) RevokeAll(ctx context.Context, credentialID string) (int64, error) {
	n, err := c.store.DeletePoliciesForCredential(ctx, credentialID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.trail.Log(ctx, credentialID, "", "", schema.AuditActionRevokeAccess, true, &audit.Detail{
			Metadata: map[string]any{"revoked_policies": n},
		})
	}
	return n, nil
}

// CleanupExpired physically removes policies whose expiry has passed.
// Expired policies are already logically inert; this just reclaims the rows.
func (c *Control) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpiredPolicies(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.InfoContext(ctx, "expired policy sweep", slog.Int64("removed", n))
	}
	return n, nil
}

// ExpiringSoon returns policies expiring within the next daysThreshold days,
// as an early warning for operators.
func (c *Control) ExpiringSoon(ctx context.Context, daysThreshold int) ([]*store.AccessPolicy, error) {
	if daysThreshold <= 0 {
		daysThreshold = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, daysThreshold)
	policies, err := c.store.ListPoliciesExpiringBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	// Drop policies that have already expired; they belong to CleanupExpired.
	now := time.Now().UTC()
	live := policies[:0]
	for _, p := range policies {
		if !p.Expired(now) {
			live = append(live, p)
		}
	}
	return live, nil
}
