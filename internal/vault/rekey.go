package vault

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/credvault/internal/crypto"
	"github.com/rendis/credvault/internal/identity"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/pkg/schema"
)

const defaultReKeyBatchSize = 100

// ReKeyer re-encrypts every credential from an old master key to a new one,
// in resumable batches. The ciphertext changes but the plaintext value,
// status, and rotation timestamps do not: re-keying is a key event, not a
// credential rotation.
type ReKeyer struct {
	store     store.Store
	oldEngine *crypto.Engine
	newEngine *crypto.Engine
	batchSize int
	logger    *slog.Logger
}

// NewReKeyer creates a ReKeyer. batchSize <= 0 uses the default.
func NewReKeyer(s store.Store, oldEngine, newEngine *crypto.Engine, batchSize int, logger *slog.Logger) *ReKeyer {
	if batchSize <= 0 {
		batchSize = defaultReKeyBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReKeyer{store: s, oldEngine: oldEngine, newEngine: newEngine, batchSize: batchSize, logger: logger}
}

// ReKeyResult reports the outcome of a Run. When Failed is non-zero, Cursor
// holds the last credential ID processed so a later Run can resume past the
// already-converted prefix.
type ReKeyResult struct {
	ReKeyed int    `json:"rekeyed"`
	Failed  int    `json:"failed"`
	Cursor  string `json:"cursor,omitempty"`
}

// Run converts all credentials still under the old key to the new key,
// starting after resumeCursor ("" for a fresh run). Credentials whose
// ciphertext cannot be opened with the old key are counted as failed and
// skipped; they keep their old key_id and show up again on the next Run.
// When everything converts, the old key registry entry is marked rotated.
func (r *ReKeyer) Run(ctx context.Context, resumeCursor string) (*ReKeyResult, error) {
	newFP := r.newEngine.Fingerprint()

	// Register the new key before touching any ciphertext so a crash
	// mid-run leaves a registry trail of both keys.
	if err := r.store.UpsertEncryptionKey(ctx, &store.EncryptionKey{
		ID:          identity.NewKeyID(),
		Fingerprint: newFP,
		Algorithm:   "aes-256-gcm",
		Status:      schema.KeyStatusActive,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	result := &ReKeyResult{Cursor: resumeCursor}
	for {
		batch, err := r.store.ListCredentialsForReKey(ctx, newFP, result.Cursor, r.batchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		for _, cred := range batch {
			result.Cursor = cred.ID
			if err := r.reKeyOne(ctx, cred); err != nil {
				result.Failed++
				r.logger.ErrorContext(ctx, "re-key failed",
					slog.String("credential_id", cred.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			result.ReKeyed++
		}
	}

	r.logger.InfoContext(ctx, "re-key run complete",
		slog.Int("rekeyed", result.ReKeyed),
		slog.Int("failed", result.Failed),
	)

	if result.Failed == 0 {
		result.Cursor = ""
		if err := r.retireOldKey(ctx, newFP); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (r *ReKeyer) reKeyOne(ctx context.Context, cred *store.Credential) error {
	value, err := r.oldEngine.Decrypt(&crypto.SealedValue{
		Ciphertext: cred.EncryptedValue,
		IV:         cred.IV,
		AuthTag:    cred.AuthTag,
		Salt:       cred.Salt,
	})
	if err != nil {
		return err
	}

	sealed, err := r.newEngine.Encrypt(value)
	if err != nil {
		return err
	}

	return r.store.UpdateCredentialValue(ctx, cred.ID, store.CredentialValueUpdate{
		EncryptedValue: sealed.Ciphertext,
		IV:             sealed.IV,
		AuthTag:        sealed.AuthTag,
		Salt:           sealed.Salt,
		KeyID:          r.newEngine.Fingerprint(),
		Rotated:        false,
	})
}

func (r *ReKeyer) retireOldKey(ctx context.Context, newFingerprint string) error {
	oldKey, err := r.store.GetEncryptionKeyByFingerprint(ctx, r.oldEngine.Fingerprint())
	if err != nil {
		if schema.IsNotFound(err) {
			// Old key was never registered (pre-registry database).
			return nil
		}
		return err
	}
	return r.store.SetEncryptionKeyStatus(ctx, oldKey.ID, schema.KeyStatusRotated, newFingerprint)
}
