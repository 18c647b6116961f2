package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/credvault/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/vault.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Credentials ---

const credentialColumns = `id, name, type, service, environment, encrypted_value, iv, auth_tag, salt, key_id, metadata, status, created_at, updated_at, last_rotated_at`

func (s *LibSQLStore) CreateCredential(ctx context.Context, cred *Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.Name, string(cred.Type), cred.Service, string(cred.Environment),
		cred.EncryptedValue, cred.IV, cred.AuthTag, cred.Salt, cred.KeyID,
		nullRawArg(cred.Metadata), string(cred.Status),
		timeOrNow(cred.CreatedAt), timeOrNow(cred.UpdatedAt), nullTime(cred.LastRotatedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeDuplicate,
			"credential %q already exists in environment %q", cred.Name, cred.Environment)
	}
	return err
}

func (s *LibSQLStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", id)
	}
	return cred, err
}

func (s *LibSQLStore) GetCredentialByName(ctx context.Context, name string, env schema.Environment) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE name = ? AND environment = ?`,
		name, string(env))
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", name+"/"+string(env))
	}
	return cred, err
}

func (s *LibSQLStore) UpdateCredentialValue(ctx context.Context, id string, update CredentialValueUpdate) error {
	query := `UPDATE credentials SET encrypted_value = ?, iv = ?, auth_tag = ?, salt = ?, key_id = ?, updated_at = CURRENT_TIMESTAMP`
	if update.Rotated {
		query += `, last_rotated_at = CURRENT_TIMESTAMP`
	}
	query += ` WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		update.EncryptedValue, update.IV, update.AuthTag, update.Salt, update.KeyID, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "credential", id)
}

func (s *LibSQLStore) SetCredentialStatus(ctx context.Context, id string, status schema.CredentialStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status != ?`,
		string(status), id, string(status))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *LibSQLStore) DeleteCredential(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func credentialWhere(filter CredentialFilter) (string, []any) {
	var where []string
	var args []any
	if filter.Service != "" {
		where = append(where, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, string(filter.Environment))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *LibSQLStore) ListCredentials(ctx context.Context, filter CredentialFilter) ([]*Credential, error) {
	clause, args := credentialWhere(filter)
	query := `SELECT ` + credentialColumns + ` FROM credentials` + clause + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func (s *LibSQLStore) CountCredentials(ctx context.Context, filter CredentialFilter) (int64, error) {
	clause, args := credentialWhere(filter)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials`+clause, args...).Scan(&n)
	return n, err
}

func (s *LibSQLStore) ListCredentialsForReKey(ctx context.Context, excludeKeyID, afterID string, limit int) ([]*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE key_id != ? AND id > ? ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, excludeKeyID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (*Credential, error) {
	c := &Credential{}
	var typ, env, status string
	var keyID sql.NullString
	var metadata sql.NullString
	var lastRotated sql.NullTime
	err := row.Scan(&c.ID, &c.Name, &typ, &c.Service, &env,
		&c.EncryptedValue, &c.IV, &c.AuthTag, &c.Salt, &keyID,
		&metadata, &status, &c.CreatedAt, &c.UpdatedAt, &lastRotated)
	if err != nil {
		return nil, err
	}
	c.Type = schema.CredentialType(typ)
	c.Environment = schema.Environment(env)
	c.Status = schema.CredentialStatus(status)
	c.KeyID = keyID.String
	c.Metadata = rawOrNil(metadata)
	if lastRotated.Valid {
		c.LastRotatedAt = &lastRotated.Time
	}
	return c, nil
}

// --- Access policies ---

const policyColumns = `id, credential_id, entity_id, entity_type, access_level, granted_by, granted_at, expires_at, reason`

func (s *LibSQLStore) UpsertPolicy(ctx context.Context, policy *AccessPolicy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential_access_policies (`+policyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(credential_id, entity_id, entity_type) DO UPDATE SET
		   access_level=excluded.access_level, granted_by=excluded.granted_by,
		   granted_at=excluded.granted_at, expires_at=excluded.expires_at,
		   reason=excluded.reason`,
		policy.ID, policy.CredentialID, policy.EntityID, string(policy.EntityType),
		string(policy.AccessLevel), nullStr(policy.GrantedBy),
		timeOrNow(policy.GrantedAt), nullTime(policy.ExpiresAt), nullStr(policy.Reason),
	)
	return err
}

func (s *LibSQLStore) GetPolicy(ctx context.Context, credentialID, entityID string, entityType schema.EntityType) (*AccessPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM credential_access_policies
		 WHERE credential_id = ? AND entity_id = ? AND entity_type = ?`,
		credentialID, entityID, string(entityType))
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("access policy", credentialID+"/"+entityID)
	}
	return p, err
}

func (s *LibSQLStore) DeletePolicy(ctx context.Context, credentialID, entityID string, entityType schema.EntityType) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credential_access_policies WHERE credential_id = ? AND entity_id = ? AND entity_type = ?`,
		credentialID, entityID, string(entityType))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *LibSQLStore) ListPoliciesForCredential(ctx context.Context, credentialID string) ([]*AccessPolicy, error) {
	return s.listPolicies(ctx,
		`SELECT `+policyColumns+` FROM credential_access_policies WHERE credential_id = ? ORDER BY granted_at DESC`,
		credentialID)
}

func (s *LibSQLStore) ListPoliciesForEntity(ctx context.Context, entityID string, entityType schema.EntityType) ([]*AccessPolicy, error) {
	return s.listPolicies(ctx,
		`SELECT `+policyColumns+` FROM credential_access_policies WHERE entity_id = ? AND entity_type = ? ORDER BY granted_at DESC`,
		entityID, string(entityType))
}

func (s *LibSQLStore) DeletePoliciesForCredential(ctx context.Context, credentialID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credential_access_policies WHERE credential_id = ?`, credentialID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *LibSQLStore) DeleteExpiredPolicies(ctx context.Context, asOf time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credential_access_policies WHERE expires_at IS NOT NULL AND expires_at <= ?`, asOf)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *LibSQLStore) ListPoliciesExpiringBefore(ctx context.Context, cutoff time.Time) ([]*AccessPolicy, error) {
	return s.listPolicies(ctx,
		`SELECT `+policyColumns+` FROM credential_access_policies
		 WHERE expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at ASC`,
		cutoff)
}

func (s *LibSQLStore) listPolicies(ctx context.Context, query string, args ...any) ([]*AccessPolicy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*AccessPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func scanPolicy(row scanner) (*AccessPolicy, error) {
	p := &AccessPolicy{}
	var entityType, level string
	var grantedBy, reason sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(&p.ID, &p.CredentialID, &p.EntityID, &entityType, &level,
		&grantedBy, &p.GrantedAt, &expiresAt, &reason)
	if err != nil {
		return nil, err
	}
	p.EntityType = schema.EntityType(entityType)
	p.AccessLevel = schema.AccessLevel(level)
	p.GrantedBy = grantedBy.String
	p.Reason = reason.String
	if expiresAt.Valid {
		p.ExpiresAt = &expiresAt.Time
	}
	return p, nil
}

// --- Audit log ---

const auditColumns = `id, credential_id, entity_id, entity_type, user_id, action, success, timestamp, ip_address, error_message, metadata`

func (s *LibSQLStore) AppendAuditEntry(ctx context.Context, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential_audit_log (`+auditColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CredentialID, nullStr(entry.EntityID), nullStr(string(entry.EntityType)),
		nullStr(entry.UserID), string(entry.Action), boolToInt(entry.Success),
		timeOrNow(entry.Timestamp), nullStr(entry.IPAddress), nullStr(entry.ErrorMessage),
		nullRawArg(entry.Metadata),
	)
	return err
}

func auditWhere(filter AuditFilter) (string, []any) {
	var where []string
	var args []any
	if filter.CredentialID != "" {
		where = append(where, "credential_id = ?")
		args = append(args, filter.CredentialID)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.Success != nil {
		where = append(where, "success = ?")
		args = append(args, boolToInt(*filter.Success))
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *LibSQLStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	clause, args := auditWhere(filter)
	query := `SELECT ` + auditColumns + ` FROM credential_audit_log` + clause + ` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *LibSQLStore) CountAuditEntries(ctx context.Context, filter AuditFilter) (int64, error) {
	clause, args := auditWhere(filter)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credential_audit_log`+clause, args...).Scan(&n)
	return n, err
}

func (s *LibSQLStore) AuditSummary(ctx context.Context) (*AuditSummary, error) {
	summary := &AuditSummary{
		ByCredential: make(map[string]int64),
		ByEntity:     make(map[string]int64),
		ByAction:     make(map[string]int64),
	}

	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0), MAX(timestamp)
		 FROM credential_audit_log`,
	).Scan(&summary.TotalAccesses, &summary.FailedAccesses, &last)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		summary.LastAccessAt = &last.Time
	}

	if err := s.groupCounts(ctx, `SELECT credential_id, COUNT(*) FROM credential_audit_log GROUP BY credential_id`, summary.ByCredential); err != nil {
		return nil, err
	}
	if err := s.groupCounts(ctx, `SELECT entity_id, COUNT(*) FROM credential_audit_log WHERE entity_id IS NOT NULL GROUP BY entity_id`, summary.ByEntity); err != nil {
		return nil, err
	}
	if err := s.groupCounts(ctx, `SELECT action, COUNT(*) FROM credential_audit_log GROUP BY action`, summary.ByAction); err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *LibSQLStore) groupCounts(ctx context.Context, query string, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

func (s *LibSQLStore) DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credential_audit_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanAuditEntry(row scanner) (*AuditEntry, error) {
	e := &AuditEntry{}
	var entityID, entityType, userID, ipAddress, errMsg sql.NullString
	var action string
	var success int
	var metadata sql.NullString
	err := row.Scan(&e.ID, &e.CredentialID, &entityID, &entityType, &userID,
		&action, &success, &e.Timestamp, &ipAddress, &errMsg, &metadata)
	if err != nil {
		return nil, err
	}
	e.EntityID = entityID.String
	e.EntityType = schema.EntityType(entityType.String)
	e.UserID = userID.String
	e.Action = schema.AuditAction(action)
	e.Success = success != 0
	e.IPAddress = ipAddress.String
	e.ErrorMessage = errMsg.String
	e.Metadata = rawOrNil(metadata)
	return e, nil
}

// --- Encryption key registry ---

func (s *LibSQLStore) UpsertEncryptionKey(ctx context.Context, key *EncryptionKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO encryption_keys (id, fingerprint, algorithm, status, replaced_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET status=excluded.status`,
		key.ID, key.Fingerprint, key.Algorithm, string(key.Status),
		nullStr(key.ReplacedBy), timeOrNow(key.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetEncryptionKeyByFingerprint(ctx context.Context, fingerprint string) (*EncryptionKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, algorithm, status, replaced_by, created_at
		 FROM encryption_keys WHERE fingerprint = ?`, fingerprint)
	k, err := scanEncryptionKey(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("encryption key", fingerprint)
	}
	return k, err
}

func (s *LibSQLStore) ListEncryptionKeys(ctx context.Context) ([]*EncryptionKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fingerprint, algorithm, status, replaced_by, created_at
		 FROM encryption_keys ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*EncryptionKey
	for rows.Next() {
		k, err := scanEncryptionKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *LibSQLStore) SetEncryptionKeyStatus(ctx context.Context, id string, status schema.KeyStatus, replacedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE encryption_keys SET status = ?, replaced_by = ? WHERE id = ?`,
		string(status), nullStr(replacedBy), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "encryption key", id)
}

func scanEncryptionKey(row scanner) (*EncryptionKey, error) {
	k := &EncryptionKey{}
	var status string
	var replacedBy sql.NullString
	err := row.Scan(&k.ID, &k.Fingerprint, &k.Algorithm, &status, &replacedBy, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	k.Status = schema.KeyStatus(status)
	k.ReplacedBy = replacedBy.String
	return k, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.VaultError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRawArg(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
