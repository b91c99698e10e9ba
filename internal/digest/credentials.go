package digest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	pkgdb "github.com/ahwlsqja/nonce-guard/pkg/db"
)

// CredentialSource looks up the clear password of a user in a realm.
// found is false when the user does not exist.
type CredentialSource interface {
	Password(ctx context.Context, realm, username string) (password string, found bool, err error)
}

// StaticSource serves credentials for a single realm from memory.
type StaticSource struct {
	realm string
	users map[string]string
}

// Compile-time interface compliance check
var _ CredentialSource = (*StaticSource)(nil)

// NewStaticSource copies users (username -> password) for realm.
func NewStaticSource(realm string, users map[string]string) *StaticSource {
	copied := make(map[string]string, len(users))
	for u, p := range users {
		copied[u] = p
	}
	return &StaticSource{realm: realm, users: copied}
}

// Password implements CredentialSource.
func (s *StaticSource) Password(_ context.Context, realm, username string) (string, bool, error) {
	if realm != s.realm {
		return "", false, nil
	}
	p, ok := s.users[username]
	return p, ok, nil
}

const (
	passwordQuery = "SELECT password FROM digest_users WHERE realm = ? AND username = ? LIMIT 1"

	schemaStatement = `CREATE TABLE IF NOT EXISTS digest_users (
    realm    VARCHAR(128) NOT NULL,
    username VARCHAR(128) NOT NULL,
    password VARCHAR(255) NOT NULL,
    PRIMARY KEY (realm, username)
)`

	upsertStatement = "INSERT INTO digest_users (realm, username, password) VALUES (?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE password = VALUES(password)"
)

// SQLSource reads credentials from the digest_users table.
type SQLSource struct {
	db *sql.DB
}

// Compile-time interface compliance check
var _ CredentialSource = (*SQLSource)(nil)

// NewSQLSource creates a database backed credential source
func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

// Password implements CredentialSource.
func (s *SQLSource) Password(ctx context.Context, realm, username string) (string, bool, error) {
	var password string
	err := s.db.QueryRowContext(ctx, passwordQuery, realm, username).Scan(&password)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load digest credentials: %w", err)
	}
	return password, true, nil
}

// EnsureSchema creates the digest_users table when it does not exist.
func (s *SQLSource) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaStatement); err != nil {
		return fmt.Errorf("failed to create digest_users: %w", err)
	}
	return nil
}

// Seed upserts users (username -> password) for realm in one transaction.
func (s *SQLSource) Seed(ctx context.Context, realm string, users map[string]string) error {
	if len(users) == 0 {
		return nil
	}
	return pkgdb.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertStatement)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		for username, password := range users {
			if _, err := stmt.ExecContext(ctx, realm, username, password); err != nil {
				return fmt.Errorf("failed to seed user %s: %w", username, err)
			}
		}
		return nil
	})
}
