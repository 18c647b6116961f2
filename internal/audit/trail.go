// Package audit maintains the append-only ledger of credential-affecting
// events. The credential store and access control write here at every state
// transition and access decision; entries are never updated, and are removed
// only by the explicit retention sweep.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/credvault/internal/identity"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/pkg/schema"
)

// Trail is the audit ledger service.
type Trail struct {
	store  store.Store
	logger *slog.Logger
}

// New creates an audit Trail over the given store.
func New(s store.Store, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{store: s, logger: logger}
}

// Detail carries the optional fields of an audit entry.
type Detail struct {
	UserID       string
	IPAddress    string
	ErrorMessage string
	Metadata     map[string]any
}

// Log appends one entry. A failed ledger write must never change the outcome
// of the operation that triggered it, so Log reports failures through the
// logger instead of returning an error.
func (t *Trail) Log(ctx context.Context, credentialID, entityID string, entityType schema.EntityType,
	action schema.AuditAction, success bool, detail *Detail) {

	entry := &store.AuditEntry{
		ID:           identity.NewAuditID(),
		CredentialID: credentialID,
		EntityID:     entityID,
		EntityType:   entityType,
		Action:       action,
		Success:      success,
		Timestamp:    time.Now().UTC(),
	}
	if detail != nil {
		entry.UserID = detail.UserID
		entry.IPAddress = detail.IPAddress
		entry.ErrorMessage = detail.ErrorMessage
		if len(detail.Metadata) > 0 {
			raw, err := json.Marshal(detail.Metadata)
			if err == nil {
				entry.Metadata = raw
			}
		}
	}

	if err := t.store.AppendAuditEntry(ctx, entry); err != nil {
		t.logger.ErrorContext(ctx, "audit write failed",
			slog.String("credential_id", credentialID),
			slog.String("action", string(action)),
			slog.String("error", err.Error()),
		)
	}
}

// TrailQuery narrows a per-credential trail read.
type TrailQuery struct {
	Limit       int
	Since       *time.Time
	Action      schema.AuditAction
	EntityID    string
	SuccessOnly bool
}

// Trail returns entries for one credential, most recent first. The trail
// remains queryable by id after the credential itself is hard-deleted.
func (t *Trail) Trail(ctx context.Context, credentialID string, q TrailQuery) ([]*store.AuditEntry, error) {
	filter := store.AuditFilter{
		CredentialID: credentialID,
		EntityID:     q.EntityID,
		Action:       q.Action,
		Since:        q.Since,
		Limit:        q.Limit,
	}
	if q.SuccessOnly {
		success := true
		filter.Success = &success
	}
	return t.store.ListAuditEntries(ctx, filter)
}

// TrailForEntity returns all entries produced on behalf of one entity.
func (t *Trail) TrailForEntity(ctx context.Context, entityID string, entityType schema.EntityType) ([]*store.AuditEntry, error) {
	return t.store.ListAuditEntries(ctx, store.AuditFilter{
		EntityID:   entityID,
		EntityType: entityType,
	})
}

// TrailForUser returns all entries recorded with the given user id.
func (t *Trail) TrailForUser(ctx context.Context, userID string) ([]*store.AuditEntry, error) {
	return t.store.ListAuditEntries(ctx, store.AuditFilter{UserID: userID})
}

// List returns entries matching an arbitrary filter, most recent first.
func (t *Trail) List(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	return t.store.ListAuditEntries(ctx, filter)
}

// Recent returns the most recent entries across all credentials.
func (t *Trail) Recent(ctx context.Context, limit int) ([]*store.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return t.store.ListAuditEntries(ctx, store.AuditFilter{Limit: limit})
}

// Summary returns the aggregate dashboard view.
func (t *Trail) Summary(ctx context.Context) (*store.AuditSummary, error) {
	return t.store.AuditSummary(ctx)
}

// FailedAttempts returns denial/error entries only, most recent first.
// This is the primary security-monitoring query.
func (t *Trail) FailedAttempts(ctx context.Context, limit int) ([]*store.AuditEntry, error) {
	failed := false
	return t.store.ListAuditEntries(ctx, store.AuditFilter{Success: &failed, Limit: limit})
}

// Count returns the number of entries matching the filter.
func (t *Trail) Count(ctx context.Context, filter store.AuditFilter) (int64, error) {
	return t.store.CountAuditEntries(ctx, filter)
}

// CleanupOld removes entries older than daysOld days and returns the count
// removed. This is the only sanctioned way entries leave the ledger.
func (t *Trail) CleanupOld(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		return 0, schema.NewError(schema.ErrCodeValidation, "retention window must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld)
	n, err := t.store.DeleteAuditEntriesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.InfoContext(ctx, "audit retention sweep",
			slog.Int64("removed", n),
			slog.Int("days_old", daysOld),
		)
	}
	return n, nil
}
