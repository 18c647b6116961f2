package store

import (
	"context"
	"time"

	"github.com/rendis/credvault/pkg/schema"
)

// Store defines the persistence layer contract for the vault.
// All implementations must be safe for concurrent use; conflicting writes
// to the same row are serialized by the underlying database.
type Store interface {
	// Credentials
	CreateCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	GetCredentialByName(ctx context.Context, name string, env schema.Environment) (*Credential, error)
	UpdateCredentialValue(ctx context.Context, id string, update CredentialValueUpdate) error
	SetCredentialStatus(ctx context.Context, id string, status schema.CredentialStatus) (bool, error)
	DeleteCredential(ctx context.Context, id string) (bool, error)
	ListCredentials(ctx context.Context, filter CredentialFilter) ([]*Credential, error)
	CountCredentials(ctx context.Context, filter CredentialFilter) (int64, error)
	ListCredentialsForReKey(ctx context.Context, excludeKeyID, afterID string, limit int) ([]*Credential, error)

	// Access policies
	UpsertPolicy(ctx context.Context, policy *AccessPolicy) error
	GetPolicy(ctx context.Context, credentialID, entityID string, entityType schema.EntityType) (*AccessPolicy, error)
	DeletePolicy(ctx context.Context, credentialID, entityID string, entityType schema.EntityType) (bool, error)
	ListPoliciesForCredential(ctx context.Context, credentialID string) ([]*AccessPolicy, error)
	ListPoliciesForEntity(ctx context.Context, entityID string, entityType schema.EntityType) ([]*AccessPolicy, error)
	DeletePoliciesForCredential(ctx context.Context, credentialID string) (int64, error)
	DeleteExpiredPolicies(ctx context.Context, asOf time.Time) (int64, error)
	ListPoliciesExpiringBefore(ctx context.Context, cutoff time.Time) ([]*AccessPolicy, error)

	// Audit log (append-only)
	AppendAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	CountAuditEntries(ctx context.Context, filter AuditFilter) (int64, error)
	AuditSummary(ctx context.Context) (*AuditSummary, error)
	DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Encryption key registry
	UpsertEncryptionKey(ctx context.Context, key *EncryptionKey) error
	GetEncryptionKeyByFingerprint(ctx context.Context, fingerprint string) (*EncryptionKey, error)
	ListEncryptionKeys(ctx context.Context) ([]*EncryptionKey, error)
	SetEncryptionKeyStatus(ctx context.Context, id string, status schema.KeyStatus, replacedBy string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
