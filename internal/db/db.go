// Package db persists users, contacts, refresh-token state, and call records.
// It wraps bun over SQLite or Postgres; schema changes ship as embedded
// golang-migrate SQL files.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// ctx returns a background context for bun queries.
func ctx() context.Context { return context.Background() }

// ModelPreference selects which transcriber captures a user's side of a call.
type ModelPreference string

const (
	ModelLip   ModelPreference = "lip"
	ModelAudio ModelPreference = "audio"
)

// User represents a registered account.
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID              string          `json:"id" bun:"id,pk"`
	Username        string          `json:"username" bun:"username,unique,notnull"`
	Name            string          `json:"name" bun:"name,notnull"`
	PasswordHash    string          `json:"-" bun:"password_hash,notnull"`
	ModelPreference ModelPreference `json:"model_preference" bun:"model_preference,notnull"`
	CreatedAt       time.Time       `json:"created_at" bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Contact is a directed edge from an owner to another user.
type Contact struct {
	bun.BaseModel `bun:"table:contacts"`

	ID        int64     `bun:"id,pk,autoincrement"`
	OwnerID   string    `bun:"owner_id,notnull"`
	ContactID string    `bun:"contact_id,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// RefreshToken records an issued refresh credential by its jti.
// Revocation is monotonic: once revoked, a jti never becomes valid again.
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens"`

	JTI       string    `bun:"jti,pk"`
	UserID    string    `bun:"user_id,notnull"`
	IssuedAt  time.Time `bun:"issued_at,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	Revoked   bool      `bun:"revoked,notnull,default:false"`
}

// CallType records how a call ended; stored once per call. The
// incoming/outgoing/missed label each participant sees is derived from it at
// read time.
type CallType string

const (
	CallCompleted CallType = "completed"
	CallMissed    CallType = "missed"
	CallRejected  CallType = "rejected"
)

// TranscriptLine is one caption delta collected during a call.
type TranscriptLine struct {
	T       time.Time `json:"t"`
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	Source  string    `json:"source"`
}

// CallRecord is the persisted outcome of a call, written exactly once when
// the call reaches its terminal state.
type CallRecord struct {
	bun.BaseModel `bun:"table:calls"`

	ID          string           `json:"id" bun:"id,pk"`
	CallerID    string           `json:"caller_id" bun:"caller_id,notnull"`
	CalleeID    string           `json:"callee_id" bun:"callee_id,notnull"`
	Type        CallType         `json:"type" bun:"type,notnull"`
	StartedAt   time.Time        `json:"started_at" bun:"started_at,notnull"`
	EndedAt     time.Time        `json:"ended_at,omitempty" bun:"ended_at,nullzero"`
	Transcripts []TranscriptLine `json:"transcripts,omitempty" bun:"-"`

	// JSON-serialized DB column
	TranscriptsJSON string `json:"-" bun:"transcripts"`
}

// DB wraps the bun.DB connection.
type DB struct {
	bun    *bun.DB
	dbType string
}

// DBType returns the database type ("sqlite" or "postgres").
func (db *DB) DBType() string {
	return db.dbType
}

// Open opens a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	return OpenDB("sqlite", dbPath)
}

// OpenDB opens a database connection for the given type and DSN,
// runs any pending migrations, and returns the DB handle.
func OpenDB(dbType, dsn string) (*DB, error) {
	var driverName string
	switch dbType {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	// For SQLite in-memory databases, use shared cache so that the migration
	// connection (opened separately by golang-migrate) sees the same database.
	migrateDSN := dsn
	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
		migrateDSN = dsn
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		// busy_timeout waits up to 5 seconds for locks to clear
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
		}

		// WAL mode allows concurrent reads while writing
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}

		// Keep at least one connection open to prevent in-memory databases
		// from being destroyed when all connections close.
		conn.SetMaxIdleConns(1)
	}

	if err := runMigrations(dbType, migrateDSN); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	return &DB{bun: bunDB, dbType: dbType}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.bun.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping() error {
	return db.bun.PingContext(ctx())
}

// --- Users ---

// CreateUser inserts a new user. The caller is responsible for hashing the
// password; uniqueness violations surface as a driver error.
func (db *DB) CreateUser(user User) error {
	_, err := db.bun.NewInsert().Model(&user).Exec(ctx())
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID returns the user with the given id, or nil if absent.
func (db *DB) GetUserByID(id string) (*User, error) {
	user := new(User)
	err := db.bun.NewSelect().Model(user).Where("id = ?", id).Scan(ctx())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByUsername returns the user with the given username, or nil if absent.
func (db *DB) GetUserByUsername(username string) (*User, error) {
	user := new(User)
	err := db.bun.NewSelect().Model(user).Where("username = ?", username).Scan(ctx())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// SetModelPreference updates a user's transcriber preference.
func (db *DB) SetModelPreference(userID string, pref ModelPreference) error {
	res, err := db.bun.NewUpdate().
		Model((*User)(nil)).
		Set("model_preference = ?", pref).
		Where("id = ?", userID).
		Exec(ctx())
	if err != nil {
		return fmt.Errorf("failed to set model preference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no such user: %s", userID)
	}
	return nil
}

// --- Contacts ---

// AddContact creates the directed edge owner -> contact. Duplicate adds are
// idempotent: the existing edge is left in place and no error is returned.
func (db *DB) AddContact(ownerID, contactID string) error {
	exists, err := db.ContactExists(ownerID, contactID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	edge := Contact{OwnerID: ownerID, ContactID: contactID}
	if _, err := db.bun.NewInsert().Model(&edge).Exec(ctx()); err != nil {
		return fmt.Errorf("failed to add contact: %w", err)
	}
	return nil
}

// ContactExists reports whether the directed edge owner -> contact exists.
func (db *DB) ContactExists(ownerID, contactID string) (bool, error) {
	n, err := db.bun.NewSelect().
		Model((*Contact)(nil)).
		Where("owner_id = ? AND contact_id = ?", ownerID, contactID).
		Count(ctx())
	if err != nil {
		return false, fmt.Errorf("failed to check contact: %w", err)
	}
	return n > 0, nil
}

// ListContacts returns the users the owner has added, ordered by username.
func (db *DB) ListContacts(ownerID string) ([]User, error) {
	var users []User
	err := db.bun.NewSelect().
		Model(&users).
		Join("JOIN contacts AS c ON c.contact_id = \"user\".id").
		Where("c.owner_id = ?", ownerID).
		Order("username ASC").
		Scan(ctx())
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return users, nil
}

// --- Refresh tokens ---

// InsertRefreshToken records a newly issued refresh jti as valid.
func (db *DB) InsertRefreshToken(tok RefreshToken) error {
	if _, err := db.bun.NewInsert().Model(&tok).Exec(ctx()); err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken atomically revokes the given jti if it is still valid
// and unexpired. Returns true exactly once per jti: the single UPDATE makes
// double-use impossible without a surrounding transaction.
func (db *DB) ConsumeRefreshToken(jti string, now time.Time) (bool, error) {
	res, err := db.bun.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked = ?", true).
		Where("jti = ? AND revoked = ? AND expires_at > ?", jti, false, now).
		Exec(ctx())
	if err != nil {
		return false, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	return n == 1, nil
}

// RevokeAllRefreshTokens revokes every outstanding refresh token for a user.
func (db *DB) RevokeAllRefreshTokens(userID string) error {
	_, err := db.bun.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked = ?", true).
		Where("user_id = ? AND revoked = ?", userID, false).
		Exec(ctx())
	if err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return nil
}

// GetRefreshToken returns the stored token row for a jti, or nil if absent.
func (db *DB) GetRefreshToken(jti string) (*RefreshToken, error) {
	tok := new(RefreshToken)
	err := db.bun.NewSelect().Model(tok).Where("jti = ?", jti).Scan(ctx())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return tok, nil
}

// --- Calls ---

// CreateCall persists a finished call record with its transcript.
func (db *DB) CreateCall(rec CallRecord) error {
	if len(rec.Transcripts) > 0 {
		raw, err := json.Marshal(rec.Transcripts)
		if err != nil {
			return fmt.Errorf("failed to serialize transcripts: %w", err)
		}
		rec.TranscriptsJSON = string(raw)
	}
	if _, err := db.bun.NewInsert().Model(&rec).Exec(ctx()); err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

// GetCall returns a call record by id, or nil if absent.
func (db *DB) GetCall(id string) (*CallRecord, error) {
	rec := new(CallRecord)
	err := db.bun.NewSelect().Model(rec).Where("id = ?", id).Scan(ctx())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	if err := rec.decodeTranscripts(); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListCallsByUser returns up to limit most recent calls the user took part
// in, newest first, with transcripts deserialized.
func (db *DB) ListCallsByUser(userID string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []CallRecord
	err := db.bun.NewSelect().
		Model(&recs).
		Where("caller_id = ? OR callee_id = ?", userID, userID).
		Order("started_at DESC").
		Limit(limit).
		Scan(ctx())
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	for i := range recs {
		if err := recs[i].decodeTranscripts(); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (r *CallRecord) decodeTranscripts() error {
	if r.TranscriptsJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(r.TranscriptsJSON), &r.Transcripts); err != nil {
		return fmt.Errorf("failed to deserialize transcripts for call %s: %w", r.ID, err)
	}
	return nil
}
