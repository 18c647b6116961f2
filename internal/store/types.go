package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/credvault/pkg/schema"
)

// Credential is the persisted representation of a managed secret.
// EncryptedValue/IV/AuthTag/Salt are the authenticated-encryption output;
// the plaintext value never appears here.
type Credential struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Type           schema.CredentialType   `json:"type"`
	Service        string                  `json:"service"`
	Environment    schema.Environment      `json:"environment"`
	EncryptedValue []byte                  `json:"-"`
	IV             []byte                  `json:"-"`
	AuthTag        []byte                  `json:"-"`
	Salt           []byte                  `json:"-"`
	KeyID          string                  `json:"key_id,omitempty"`
	Metadata       json.RawMessage         `json:"metadata,omitempty"`
	Status         schema.CredentialStatus `json:"status"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	LastRotatedAt  *time.Time              `json:"last_rotated_at,omitempty"`
}

// AccessPolicy grants one entity use of one credential. At most one active
// policy exists per (credential_id, entity_id, entity_type) tuple.
type AccessPolicy struct {
	ID           string             `json:"id"`
	CredentialID string             `json:"credential_id"`
	EntityID     string             `json:"entity_id"`
	EntityType   schema.EntityType  `json:"entity_type"`
	AccessLevel  schema.AccessLevel `json:"access_level"`
	GrantedBy    string             `json:"granted_by,omitempty"`
	GrantedAt    time.Time          `json:"granted_at"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

// Expired reports whether the policy's expiry has passed as of now.
func (p *AccessPolicy) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// AuditEntry is an immutable record of one credential-affecting event.
type AuditEntry struct {
	ID           string             `json:"id"`
	CredentialID string             `json:"credential_id"`
	EntityID     string             `json:"entity_id,omitempty"`
	EntityType   schema.EntityType  `json:"entity_type,omitempty"`
	UserID       string             `json:"user_id,omitempty"`
	Action       schema.AuditAction `json:"action"`
	Success      bool               `json:"success"`
	Timestamp    time.Time          `json:"timestamp"`
	IPAddress    string             `json:"ip_address,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Metadata     json.RawMessage    `json:"metadata,omitempty"`
}

// EncryptionKey is registry metadata about a master key: a hash of the key
// material, never the key itself.
type EncryptionKey struct {
	ID          string           `json:"id"`
	Fingerprint string           `json:"fingerprint"`
	Algorithm   string           `json:"algorithm"`
	Status      schema.KeyStatus `json:"status"`
	ReplacedBy  string           `json:"replaced_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// --- Filter and update types ---

// CredentialFilter specifies criteria for listing credentials.
type CredentialFilter struct {
	Service     string                  `json:"service,omitempty"`
	Type        schema.CredentialType   `json:"type,omitempty"`
	Environment schema.Environment      `json:"environment,omitempty"`
	Status      schema.CredentialStatus `json:"status,omitempty"`
	Limit       int                     `json:"limit,omitempty"`
	Offset      int                     `json:"offset,omitempty"`
}

// CredentialValueUpdate replaces a credential's ciphertext fields.
// Rotated marks a value rotation (sets last_rotated_at); a master-key
// re-encryption leaves the rotation timestamp untouched.
type CredentialValueUpdate struct {
	EncryptedValue []byte
	IV             []byte
	AuthTag        []byte
	Salt           []byte
	KeyID          string
	Rotated        bool
}

// AuditFilter specifies criteria for listing audit entries.
// Results are always ordered most-recent-first.
type AuditFilter struct {
	CredentialID string             `json:"credential_id,omitempty"`
	EntityID     string             `json:"entity_id,omitempty"`
	EntityType   schema.EntityType  `json:"entity_type,omitempty"`
	UserID       string             `json:"user_id,omitempty"`
	Action       schema.AuditAction `json:"action,omitempty"`
	Success      *bool              `json:"success,omitempty"`
	Since        *time.Time         `json:"since,omitempty"`
	Limit        int                `json:"limit,omitempty"`
}

// AuditSummary is the aggregate view of the audit log for dashboards.
type AuditSummary struct {
	TotalAccesses  int64            `json:"total_accesses"`
	ByCredential   map[string]int64 `json:"by_credential"`
	ByEntity       map[string]int64 `json:"by_entity"`
	ByAction       map[string]int64 `json:"by_action"`
	FailedAccesses int64            `json:"failed_accesses"`
	LastAccessAt   *time.Time       `json:"last_access_at,omitempty"`
}
