// Package vault is the credential store: CRUD and lifecycle over managed
// secrets, with encryption and auditing as built-in side effects that no
// call path can bypass.
package vault

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/credvault/internal/access"
	"github.com/rendis/credvault/internal/audit"
	"github.com/rendis/credvault/internal/crypto"
	"github.com/rendis/credvault/internal/identity"
	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/pkg/schema"
)

// Service is the credential store service.
type Service struct {
	store  store.Store
	engine *crypto.Engine
	access *access.Control
	trail  *audit.Trail
	logger *slog.Logger
}

// New creates a credential Service. The engine's master key is registered in
// the encryption_keys table on first use via RegisterKey.
func New(s store.Store, engine *crypto.Engine, ctrl *access.Control, trail *audit.Trail, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, engine: engine, access: ctrl, trail: trail, logger: logger}
}

// RegisterKey upserts the engine's master-key fingerprint into the key
// registry. Called once at startup; idempotent.
func (s *Service) RegisterKey(ctx context.Context) error {
	return s.store.UpsertEncryptionKey(ctx, &store.EncryptionKey{
		ID:          identity.NewKeyID(),
		Fingerprint: s.engine.Fingerprint(),
		Algorithm:   "aes-256-gcm",
		Status:      schema.KeyStatusActive,
		CreatedAt:   time.Now().UTC(),
	})
}

// StoreInput carries the optional fields of a Store call.
type StoreInput struct {
	Environment schema.Environment // defaults to dev
	Metadata    map[string]any
}

// Store encrypts the value, inserts the credential, and writes a create
// audit entry. Fails with DUPLICATE if (name, environment) already exists.
func (s *Service) Store(ctx context.Context, name string, typ schema.CredentialType, service string, value any, in *StoreInput) (string, error) {
	if name == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "credential name is required")
	}
	if err := schema.ValidateCredentialType(typ); err != nil {
		return "", err
	}
	env := schema.EnvironmentDev
	var metadata map[string]any
	if in != nil {
		if in.Environment != "" {
			env = in.Environment
		}
		metadata = in.Metadata
	}
	if err := schema.ValidateEnvironment(env); err != nil {
		return "", err
	}

	sealed, err := s.engine.Encrypt(value)
	if err != nil {
		return "", err
	}

	id := identity.NewCredentialID()
	cred := &store.Credential{
		ID:             id,
		Name:           name,
		Type:           typ,
		Service:        service,
		Environment:    env,
		EncryptedValue: sealed.Ciphertext,
		IV:             sealed.IV,
		AuthTag:        sealed.AuthTag,
		Salt:           sealed.Salt,
		KeyID:          s.engine.Fingerprint(),
		Status:         schema.CredentialStatusActive,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if len(metadata) > 0 {
		raw, mErr := json.Marshal(metadata)
		if mErr != nil {
			return "", schema.NewError(schema.ErrCodeValidation, "metadata is not JSON-serializable").WithCause(mErr)
		}
		cred.Metadata = raw
	}

	if err := s.store.CreateCredential(ctx, cred); err != nil {
		s.trail.Log(ctx, id, "", "", schema.AuditActionCreate, false, &audit.Detail{
			ErrorMessage: err.Error(),
			Metadata:     map[string]any{"name": name, "environment": string(env)},
		})
		return "", err
	}

	s.trail.Log(ctx, id, "", "", schema.AuditActionCreate, true, &audit.Detail{
		Metadata: map[string]any{"name": name, "type": string(typ), "service": service, "environment": string(env)},
	})
	logging.LogWith(ctx, s.logger).InfoContext(ctx, "credential stored",
		slog.String("credential_id", id),
		slog.String("name", name),
		slog.String("environment", string(env)),
	)
	return id, nil
}

// RetrieveContext identifies the human/caller on whose behalf an entity acts.
type RetrieveContext struct {
	UserID    string
	IPAddress string
}

// Retrieve decrypts and returns the credential value. When an entity is
// supplied, access is asserted before any decryption; both the denial and
// the success path write a retrieve audit entry. Missing and revoked
// credentials are indistinguishable to callers: both are NOT_FOUND.
func (s *Service) Retrieve(ctx context.Context, id, entityID string, entityType schema.EntityType, rc *RetrieveContext) (any, error) {
	detail := &audit.Detail{}
	if rc != nil {
		detail.UserID = rc.UserID
		detail.IPAddress = rc.IPAddress
	}

	cred, err := s.store.GetCredential(ctx, id)
	if err == nil && cred.Status == schema.CredentialStatusRevoked {
		err = schema.NewErrorf(schema.ErrCodeNotFound, "credential %q not found", id)
	}
	if err != nil {
		detail.ErrorMessage = err.Error()
		s.trail.Log(ctx, id, entityID, entityType, schema.AuditActionRetrieve, false, detail)
		return nil, err
	}

	if entityID != "" {
		if err := s.access.AssertAccess(ctx, id, entityID, entityType, schema.AccessLevelRead); err != nil {
			detail.ErrorMessage = err.Error()
			s.trail.Log(ctx, id, entityID, entityType, schema.AuditActionRetrieve, false, detail)
			return nil, err
		}
	}

	value, err := s.engine.Decrypt(&crypto.SealedValue{
		Ciphertext: cred.EncryptedValue,
		IV:         cred.IV,
		AuthTag:    cred.AuthTag,
		Salt:       cred.Salt,
	})
	if err != nil {
		detail.ErrorMessage = err.Error()
		s.trail.Log(ctx, id, entityID, entityType, schema.AuditActionRetrieve, false, detail)
		return nil, err
	}

	s.trail.Log(ctx, id, entityID, entityType, schema.AuditActionRetrieve, true, detail)
	return value, nil
}

// Metadata returns all credential fields except ciphertext and encryption
// parameters, for listing and inspection without touching plaintext.
func (s *Service) Metadata(ctx context.Context, id string) (*store.Credential, error) {
	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	return scrub(cred), nil
}

// ByName looks a credential up by its unique (name, environment) pair and
// returns its metadata.
func (s *Service) ByName(ctx context.Context, name string, env schema.Environment) (*store.Credential, error) {
	cred, err := s.store.GetCredentialByName(ctx, name, env)
	if err != nil {
		return nil, err
	}
	return scrub(cred), nil
}

// Rotate re-encrypts the credential under a fresh salt/IV with the new
// value. Existing access policies are untouched: access does not need to be
// re-granted after rotation.
func (s *Service) Rotate(ctx context.Context, id string, newValue any) error {
	if _, err := s.store.GetCredential(ctx, id); err != nil {
		s.trail.Log(ctx, id, "", "", schema.AuditActionRotate, false, &audit.Detail{ErrorMessage: err.Error()})
		return err
	}

	sealed, err := s.engine.Encrypt(newValue)
	if err != nil {
		s.trail.Log(ctx, id, "", "", schema.AuditActionRotate, false, &audit.Detail{ErrorMessage: err.Error()})
		return err
	}

	err = s.store.UpdateCredentialValue(ctx, id, store.CredentialValueUpdate{
		EncryptedValue: sealed.Ciphertext,
		IV:             sealed.IV,
		AuthTag:        sealed.AuthTag,
		Salt:           sealed.Salt,
		KeyID:          s.engine.Fingerprint(),
		Rotated:        true,
	})
	if err != nil {
		s.trail.Log(ctx, id, "", "", schema.AuditActionRotate, false, &audit.Detail{ErrorMessage: err.Error()})
		return err
	}

	s.trail.Log(ctx, id, "", "", schema.AuditActionRotate, true, nil)
	logging.LogWith(ctx, s.logger).InfoContext(ctx, "credential rotated", slog.String("credential_id", id))
	return nil
}

// Revoke soft-deletes the credential: the row and its audit history persist,
// but it is no longer retrievable. Idempotent: revoking an already-revoked
// or missing credential returns false with no error, and only the
// state-changing call is audited.
func (s *Service) Revoke(ctx context.Context, id, reason string) (bool, error) {
	changed, err := s.store.SetCredentialStatus(ctx, id, schema.CredentialStatusRevoked)
	if err != nil {
		return false, err
	}
	if changed {
		s.trail.Log(ctx, id, "", "", schema.AuditActionRevoke, true, &audit.Detail{
			Metadata: map[string]any{"reason": reason},
		})
		logging.LogWith(ctx, s.logger).WarnContext(ctx, "credential revoked",
			slog.String("credential_id", id),
			slog.String("reason", reason),
		)
	}
	return changed, nil
}

// Delete hard-removes the credential row. Terminal. The audit history for
// the id remains queryable even though the credential no longer exists.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	removed, err := s.store.DeleteCredential(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		s.trail.Log(ctx, id, "", "", schema.AuditActionDelete, true, nil)
	}
	return removed, nil
}

// List returns credential metadata matching the filter, ciphertext scrubbed.
func (s *Service) List(ctx context.Context, filter store.CredentialFilter) ([]*store.Credential, error) {
	creds, err := s.store.ListCredentials(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i, c := range creds {
		creds[i] = scrub(c)
	}
	return creds, nil
}

// Count returns the number of credentials matching the filter.
func (s *Service) Count(ctx context.Context, filter store.CredentialFilter) (int64, error) {
	return s.store.CountCredentials(ctx, filter)
}

// IsValid reports whether the credential exists and is active.
func (s *Service) IsValid(ctx context.Context, id string) (bool, error) {
	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		if schema.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return cred.Status == schema.CredentialStatusActive, nil
}

// scrub returns a copy without ciphertext or encryption parameters.
func scrub(c *store.Credential) *store.Credential {
	cp := *c
	cp.EncryptedValue = nil
	cp.IV = nil
	cp.AuthTag = nil
	cp.Salt = nil
	return &cp
}
