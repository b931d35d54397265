// Package store provides persistent server state backed by an embedded
// SQLite database. It owns the database lifecycle and exposes the
// operations the rest of the server invokes: accounts, permissions, IP
// rules, channels, settings, and the audit log.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a
// new string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"nexus/internal/session"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — accounts
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_admin      INTEGER NOT NULL DEFAULT 0,
		is_shared     INTEGER NOT NULL DEFAULT 0,
		enabled       INTEGER NOT NULL DEFAULT 1,
		permissions   INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — persistent channels
	`CREATE TABLE IF NOT EXISTS channels (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL UNIQUE,
		topic      TEXT NOT NULL DEFAULT '',
		position   INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v4 — IP rules (bans and trusts)
	`CREATE TABLE IF NOT EXISTS ip_rules (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_key            TEXT NOT NULL,
		kind                TEXT NOT NULL CHECK (kind IN ('ban', 'trust')),
		expires_at          INTEGER,
		nickname_annotation TEXT NOT NULL DEFAULT '',
		created_by          TEXT NOT NULL DEFAULT '',
		created_at          INTEGER NOT NULL DEFAULT (unixepoch()),
		UNIQUE(rule_key, kind)
	)`,
	// v5 — audit log
	`CREATE TABLE IF NOT EXISTS audit_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_name   TEXT NOT NULL,
		action       TEXT NOT NULL,
		target       TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v6, v7 — indexes for the hot paths (accept-time IP rule rebuild, audit queries)
	`CREATE INDEX IF NOT EXISTS idx_ip_rules_kind ON ip_rules(kind)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	// v8 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes server-state operations.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		log.Printf("[store] foreign_keys: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// ErrUserExists is returned by CreateUser when the username is already
// taken.
var ErrUserExists = errors.New("store: username already exists")

// ErrUserNotFound is returned by account lookups for an unknown username.
var ErrUserNotFound = errors.New("store: user not found")

// ErrLastAdmin is returned when an operation would demote or disable the
// only remaining admin account.
var ErrLastAdmin = errors.New("store: cannot modify the last remaining admin")

const bcryptCost = bcrypt.DefaultCost

// CreateUser inserts a new account with a bcrypt-hashed password.
func (s *Store) CreateUser(username, password string, isAdmin, isShared bool, perms session.PermissionSet) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO users(username, password_hash, is_admin, is_shared, permissions) VALUES(?,?,?,?,?)`,
		username, string(hash), boolToInt(isAdmin), boolToInt(isShared), int64(perms),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return res.LastInsertId()
}

// Authenticate verifies username/password against the stored bcrypt
// hash and returns the account's id and flags. Satisfies
// internal/dispatch's AccountStore interface.
func (s *Store) Authenticate(username, password string) (dbUserID int64, isAdmin, isShared, enabled bool, err error) {
	var hash string
	var adminInt, sharedInt, enabledInt int
	row := s.db.QueryRow(
		`SELECT id, password_hash, is_admin, is_shared, enabled FROM users WHERE username = ?`, username,
	)
	if scanErr := row.Scan(&dbUserID, &hash, &adminInt, &sharedInt, &enabledInt); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, false, false, false, ErrUserNotFound
		}
		return 0, false, false, false, scanErr
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return 0, false, false, false, errors.New("store: invalid password")
	}
	return dbUserID, adminInt != 0, sharedInt != 0, enabledInt != 0, nil
}

// PermissionsOf returns the stored permission bitmask for username.
func (s *Store) PermissionsOf(username string) (session.PermissionSet, bool) {
	var perms int64
	err := s.db.QueryRow(`SELECT permissions FROM users WHERE username = ?`, username).Scan(&perms)
	if err != nil {
		return 0, false
	}
	return session.PermissionSet(perms), true
}

// SetPermissions overwrites the stored permission bitmask for username.
func (s *Store) SetPermissions(username string, p session.PermissionSet) error {
	res, err := s.db.Exec(`UPDATE users SET permissions = ? WHERE username = ?`, int64(p), username)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// SetAdmin sets is_admin for username, refusing to demote the last
// remaining admin (spec §4.C: "the last remaining admin account cannot
// be demoted or disabled, enforced atomically by the store").
func (s *Store) SetAdmin(username string, isAdmin bool) error {
	if !isAdmin && s.IsLastAdmin(username) {
		return ErrLastAdmin
	}
	res, err := s.db.Exec(`UPDATE users SET is_admin = ? WHERE username = ?`, boolToInt(isAdmin), username)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// SetEnabled enables or disables an account, with the same last-admin
// guard as SetAdmin.
func (s *Store) SetEnabled(username string, enabled bool) error {
	if !enabled && s.IsLastAdmin(username) {
		return ErrLastAdmin
	}
	res, err := s.db.Exec(`UPDATE users SET enabled = ? WHERE username = ?`, boolToInt(enabled), username)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// IsLastAdmin reports whether username is the only enabled admin
// account (used to guard demotion/disable/delete).
func (s *Store) IsLastAdmin(username string) bool {
	var isAdmin int
	if err := s.db.QueryRow(`SELECT is_admin FROM users WHERE username = ?`, username).Scan(&isAdmin); err != nil || isAdmin == 0 {
		return false
	}
	var adminCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE is_admin = 1 AND enabled = 1`).Scan(&adminCount); err != nil {
		return false
	}
	return adminCount <= 1
}

// UsernameExists reports whether username is already a persisted
// account, compared case-insensitively — satisfies session.UsernameExists for the nickname-uniqueness
// check on shared-account logins.
func (s *Store) UsernameExists(username string) bool {
	var n int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ? COLLATE NOCASE`, username).Scan(&n)
	return n > 0
}

// DeleteUser removes an account, refusing to delete the last admin.
func (s *Store) DeleteUser(username string) error {
	if s.IsLastAdmin(username) {
		return ErrLastAdmin
	}
	res, err := s.db.Exec(`DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// UserCount returns the number of accounts.
func (s *Store) UserCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// BootstrapGuestAccount creates a shared "guest" account with the
// shared-account-allowed permission set if no accounts exist yet, so a
// freshly initialised server is reachable without a separate setup step.
func (s *Store) BootstrapGuestAccount() error {
	n, err := s.UserCount()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = s.CreateUser("guest", randomPassword(), false, true, session.SharedAccountAllowed)
	return err
}

// ---------------------------------------------------------------------------
// IP rules (bans and trusts)
// ---------------------------------------------------------------------------

// IPRule is one persisted ban or trust row (spec §3 "IP rule").
type IPRule struct {
	ID                 int64
	Key                string
	Kind               string // "ban" or "trust"
	ExpiresAt          *time.Time
	NicknameAnnotation string
	CreatedBy          string
	CreatedAt          int64
}

func (s *Store) insertRule(key, kind string, expiresAt time.Time, annotation, createdBy string) error {
	var expires any
	if !expiresAt.IsZero() {
		expires = expiresAt.Unix()
	}
	_, err := s.db.Exec(
		`INSERT INTO ip_rules(rule_key, kind, expires_at, nickname_annotation, created_by) VALUES(?,?,?,?,?)
		 ON CONFLICT(rule_key, kind) DO UPDATE SET expires_at = excluded.expires_at,
		   nickname_annotation = excluded.nickname_annotation, created_by = excluded.created_by`,
		key, kind, expires, annotation, createdBy,
	)
	return err
}

// InsertBan persists a ban rule, replacing any existing ban on the same key.
func (s *Store) InsertBan(key string, expiresAt time.Time, annotation, createdBy string) error {
	return s.insertRule(key, "ban", expiresAt, annotation, createdBy)
}

// InsertTrust persists a trust rule, replacing any existing trust on the
// same key.
func (s *Store) InsertTrust(key string, expiresAt time.Time, annotation, createdBy string) error {
	return s.insertRule(key, "trust", expiresAt, annotation, createdBy)
}

// RemoveBan deletes a ban rule by key; no error if absent.
func (s *Store) RemoveBan(key string) error {
	_, err := s.db.Exec(`DELETE FROM ip_rules WHERE rule_key = ? AND kind = 'ban'`, key)
	return err
}

// RemoveTrust deletes a trust rule by key; no error if absent.
func (s *Store) RemoveTrust(key string) error {
	_, err := s.db.Exec(`DELETE FROM ip_rules WHERE rule_key = ? AND kind = 'trust'`, key)
	return err
}

// ListIPRules returns every persisted IP rule, used to rebuild the
// in-memory ipguard.Cache at startup (spec §4.B "rebuilt into the cache
// at startup").
func (s *Store) ListIPRules() ([]IPRule, error) {
	rows, err := s.db.Query(
		`SELECT id, rule_key, kind, expires_at, nickname_annotation, created_by, created_at FROM ip_rules`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IPRule
	for rows.Next() {
		var r IPRule
		var expires sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Key, &r.Kind, &expires, &r.NicknameAnnotation, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		if expires.Valid {
			t := time.Unix(expires.Int64, 0)
			r.ExpiresAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeExpiredIPRules removes rules whose expires_at has passed.
func (s *Store) PurgeExpiredIPRules() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM ip_rules WHERE expires_at IS NOT NULL AND expires_at <= unixepoch()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// Channel represents a named persistent channel.
type Channel struct {
	ID       int64
	Name     string
	Topic    string
	Position int
}

// GetChannels returns all channels ordered by position then id.
func (s *Store) GetChannels() ([]Channel, error) {
	rows, err := s.db.Query(
		`SELECT id, name, topic, position FROM channels ORDER BY position ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Topic, &ch.Position); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// CreateChannel inserts a new channel with the given name and returns its id.
func (s *Store) CreateChannel(name string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO channels(name) VALUES(?)`, name)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUserExists // reused sentinel: "name already exists"
		}
		return 0, err
	}
	return res.LastInsertId()
}

// RenameChannel updates the name of the channel with the given id.
func (s *Store) RenameChannel(id int64, name string) error {
	res, err := s.db.Exec(`UPDATE channels SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// SetChannelTopic updates a channel's topic.
func (s *Store) SetChannelTopic(id int64, topic string) error {
	res, err := s.db.Exec(`UPDATE channels SET topic = ? WHERE id = ?`, topic, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// DeleteChannel removes the channel with the given id.
func (s *Store) DeleteChannel(id int64) error {
	res, err := s.db.Exec(`DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns the value stored under key. The second return value
// is false when the key does not exist; an error is only returned for
// real I/O failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetAllSettings returns all key/value pairs from the settings table.
func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

// AuditEntry represents one row in the audit_log table.
type AuditEntry struct {
	ID          int64
	ActorName   string
	Action      string
	Target      string
	DetailsJSON string
	CreatedAt   int64
}

// InsertAuditLog records an admin action in the audit log, auto-purging
// the oldest entries beyond 10,000 rows.
func (s *Store) InsertAuditLog(actorName, action, target, detailsJSON string) error {
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log(actor_name, action, target, details_json) VALUES(?,?,?,?)`,
		actorName, action, target, detailsJSON,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM audit_log WHERE id NOT IN (SELECT id FROM audit_log ORDER BY id DESC LIMIT 10000)`)
	return err
}

// GetAuditLog returns audit log entries, most recent first, with
// optional action filter. Pass action="" to return all actions.
func (s *Store) GetAuditLog(action string, limit int) ([]AuditEntry, error) {
	var rows *sql.Rows
	var err error
	if action != "" {
		rows, err = s.db.Query(
			`SELECT id, actor_name, action, target, details_json, created_at FROM audit_log WHERE action = ? ORDER BY id DESC LIMIT ?`,
			action, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, actor_name, action, target, details_json, created_at FROM audit_log ORDER BY id DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorName, &e.Action, &e.Target, &e.DetailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

// Optimize runs PRAGMA optimize for SQLite query planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup creates a copy of the database at destPath via SQLite's VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations as a generic
	// *sqlite.Error whose message contains "UNIQUE constraint failed";
	// string-matching avoids importing the driver's internal error type.
	return err != nil && (containsFold(err.Error(), "UNIQUE constraint") || containsFold(err.Error(), "constraint failed"))
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func randomPassword() string {
	// Bootstrap credential for the guest account; only its bcrypt hash is
	// stored, and the plaintext is neither printed nor returned.
	const alphabet = "abcdefghjkmnpqrstuvwxyzABCDEFGHJKMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 20)
	seed := time.Now().UnixNano()
	for i := range buf {
		seed = seed*6364136223846793005 + 1442695040888963407
		buf[i] = alphabet[(seed>>33)%int64(len(alphabet))]
	}
	return string(buf)
}
