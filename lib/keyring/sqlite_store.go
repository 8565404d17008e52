// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/abi/lib/codec"
	"github.com/bureau-foundation/abi/lib/sqlitepool"
)

const identitySchema = `
CREATE TABLE IF NOT EXISTS identities (
	ae_id            TEXT PRIMARY KEY,
	public_key       BLOB NOT NULL,
	trust_state      INTEGER NOT NULL,
	roles            BLOB,
	staged_key       BLOB,
	created_at       INTEGER NOT NULL,
	last_verified_at INTEGER NOT NULL DEFAULT 0,
	expires_at       INTEGER NOT NULL DEFAULT 0
) STRICT;

CREATE UNIQUE INDEX IF NOT EXISTS identities_public_key ON identities (public_key);
`

const identityColumns = `ae_id, public_key, trust_state, roles, staged_key, created_at, last_verified_at, expires_at`

// SQLiteStore persists identities in one SQLite table.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// OpenSQLiteStore opens (creating if needed) the keyring database at
// path.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, identitySchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	return &SQLiteStore{pool: pool}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, aeID string) (AgentIdentity, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return AgentIdentity{}, fmt.Errorf("keyring: load: %w", err)
	}
	defer s.pool.Put(conn)

	var identity AgentIdentity
	found := false
	err = sqlitex.Execute(conn, "SELECT "+identityColumns+" FROM identities WHERE ae_id = ?", &sqlitex.ExecOptions{
		Args: []any{aeID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var scanErr error
			identity, scanErr = scanIdentity(stmt)
			found = true
			return scanErr
		},
	})
	if err != nil {
		return AgentIdentity{}, fmt.Errorf("keyring: load %q: %w", aeID, err)
	}
	if !found {
		return AgentIdentity{}, ErrNotFound
	}
	return identity, nil
}

func (s *SQLiteStore) Save(ctx context.Context, identity AgentIdentity) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("keyring: save: %w", err)
	}
	defer s.pool.Put(conn)

	var roles any
	if len(identity.Roles) > 0 {
		encoded, err := codec.Marshal(identity.Roles)
		if err != nil {
			return fmt.Errorf("keyring: encoding roles: %w", err)
		}
		roles = encoded
	}
	var stagedKey any
	if identity.StagedKey != nil {
		stagedKey = []byte(identity.StagedKey)
	}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("keyring: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ae_id) DO UPDATE SET
			public_key = excluded.public_key,
			trust_state = excluded.trust_state,
			roles = excluded.roles,
			staged_key = excluded.staged_key,
			last_verified_at = excluded.last_verified_at,
			expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				identity.AEID,
				[]byte(identity.PublicKey),
				int64(identity.TrustState),
				roles,
				stagedKey,
				unixNano(identity.CreatedAt),
				unixNano(identity.LastVerifiedAt),
				unixNano(identity.ExpiresAt),
			},
		})
	if err != nil {
		return fmt.Errorf("keyring: save %q: %w", identity.AEID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]AgentIdentity, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("keyring: list: %w", err)
	}
	defer s.pool.Put(conn)

	var identities []AgentIdentity
	err = sqlitex.Execute(conn, "SELECT "+identityColumns+" FROM identities ORDER BY ae_id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			identity, err := scanIdentity(stmt)
			if err != nil {
				return err
			}
			identities = append(identities, identity)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keyring: list: %w", err)
	}
	return identities, nil
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

func scanIdentity(stmt *sqlite.Stmt) (AgentIdentity, error) {
	identity := AgentIdentity{
		AEID:           stmt.ColumnText(0),
		PublicKey:      readBlob(stmt, 1),
		TrustState:     TrustState(stmt.ColumnInt64(2)),
		CreatedAt:      fromUnixNano(stmt.ColumnInt64(5)),
		LastVerifiedAt: fromUnixNano(stmt.ColumnInt64(6)),
		ExpiresAt:      fromUnixNano(stmt.ColumnInt64(7)),
	}
	if !stmt.ColumnIsNull(3) {
		if err := codec.Unmarshal(readBlob(stmt, 3), &identity.Roles); err != nil {
			return identity, fmt.Errorf("keyring: decoding roles of %q: %w", identity.AEID, err)
		}
	}
	if !stmt.ColumnIsNull(4) {
		identity.StagedKey = readBlob(stmt, 4)
	}
	if identity.TrustState > Revoked {
		return identity, fmt.Errorf("keyring: identity %q has invalid trust state %d", identity.AEID, identity.TrustState)
	}
	return identity, nil
}

func readBlob(stmt *sqlite.Stmt, column int) []byte {
	blob := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, blob)
	return blob
}
