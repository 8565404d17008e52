// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/abi/lib/sqlitepool"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	sequence   INTEGER PRIMARY KEY,
	timestamp  TEXT NOT NULL,
	event_kind TEXT NOT NULL,
	envelope   BLOB NOT NULL
) STRICT;

CREATE INDEX IF NOT EXISTS audit_log_event_kind ON audit_log (event_kind, sequence);
`

// SQLiteSink stores envelopes in an indexed table. The full CBOR
// envelope is kept alongside the queryable columns, so what comes back
// out verifies byte for byte.
type SQLiteSink struct {
	pool *sqlitepool.Pool
}

// OpenSQLiteSink opens (creating if needed) the audit database at path.
func OpenSQLiteSink(path string, logger *slog.Logger) (*SQLiteSink, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, auditSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return &SQLiteSink{pool: pool}, nil
}

func (s *SQLiteSink) Append(ctx context.Context, envelope Envelope) error {
	data, err := envelope.Marshal()
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO audit_log (sequence, timestamp, event_kind, envelope)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (sequence) DO UPDATE SET
			timestamp = excluded.timestamp,
			event_kind = excluded.event_kind,
			envelope = excluded.envelope`,
		&sqlitex.ExecOptions{
			Args: []any{
				int64(envelope.Sequence),
				envelope.Timestamp.UTC().Format(time.RFC3339Nano),
				string(envelope.EventKind),
				data,
			},
		})
	if err != nil {
		return fmt.Errorf("audit: append envelope %d: %w", envelope.Sequence, err)
	}
	return nil
}

func (s *SQLiteSink) Last(ctx context.Context) (Envelope, bool, error) {
	envelopes, err := s.query(ctx, "SELECT envelope FROM audit_log ORDER BY sequence DESC LIMIT 1")
	if err != nil || len(envelopes) == 0 {
		return Envelope{}, false, err
	}
	return envelopes[0], true, nil
}

// Range returns envelopes with from <= sequence <= to in order. A zero
// to means no upper bound.
func (s *SQLiteSink) Range(ctx context.Context, from, to uint64) ([]Envelope, error) {
	if to == 0 {
		return s.query(ctx, "SELECT envelope FROM audit_log WHERE sequence >= ? ORDER BY sequence", int64(from))
	}
	return s.query(ctx, "SELECT envelope FROM audit_log WHERE sequence BETWEEN ? AND ? ORDER BY sequence",
		int64(from), int64(to))
}

// ByKind returns every envelope of one event kind in sequence order.
// The result is not a contiguous chain and cannot be passed to
// VerifyChain; verify the full range first.
func (s *SQLiteSink) ByKind(ctx context.Context, kind EventKind) ([]Envelope, error) {
	return s.query(ctx, "SELECT envelope FROM audit_log WHERE event_kind = ? ORDER BY sequence", string(kind))
}

func (s *SQLiteSink) query(ctx context.Context, query string, args ...any) ([]Envelope, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer s.pool.Put(conn)

	var envelopes []Envelope
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			data := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, data)
			envelope, err := UnmarshalEnvelope(data)
			if err != nil {
				return err
			}
			envelopes = append(envelopes, envelope)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return envelopes, nil
}

func (s *SQLiteSink) Close() error {
	return s.pool.Close()
}
