// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

var identityPrefix = []byte("identity/")

// BadgerStore persists identities as CBOR values in a Badger database,
// one key per ae_id. Writes are synced before Save returns.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens the Badger directory at path. An empty path
// opens an in-memory database.
func OpenBadgerStore(path string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	options := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(badgerLogger{logger: logger.With("component", "badger")})
	if path == "" {
		options = options.WithInMemory(true)
	}

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("keyring: opening badger at %q: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func identityKey(aeID string) []byte {
	return append(append([]byte(nil), identityPrefix...), aeID...)
}

func (s *BadgerStore) Load(ctx context.Context, aeID string) (AgentIdentity, error) {
	var identity AgentIdentity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(identityKey(aeID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			identity, err = decodeIdentity(value)
			return err
		})
	})
	if errors.Is(err, ErrNotFound) {
		return AgentIdentity{}, ErrNotFound
	}
	if err != nil {
		return AgentIdentity{}, fmt.Errorf("keyring: load %q: %w", aeID, err)
	}
	return identity, nil
}

func (s *BadgerStore) Save(ctx context.Context, identity AgentIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := encodeIdentity(identity)
	if err != nil {
		return fmt.Errorf("keyring: encoding %q: %w", identity.AEID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(identityKey(identity.AEID), value)
	})
	if err != nil {
		return fmt.Errorf("keyring: save %q: %w", identity.AEID, err)
	}
	return nil
}

// List iterates the identity prefix; Badger orders keys bytewise, so
// the result is sorted by ae_id.
func (s *BadgerStore) List(ctx context.Context) ([]AgentIdentity, error) {
	var identities []AgentIdentity
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = identityPrefix
		iterator := txn.NewIterator(options)
		defer iterator.Close()

		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := iterator.Item().Value(func(value []byte) error {
				identity, err := decodeIdentity(value)
				if err != nil {
					return err
				}
				identities = append(identities, identity)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("keyring: list: %w", err)
	}
	return identities, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes Badger's printf-style logging into slog. Info is
// demoted to debug: Badger reports every compaction at info.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(message(format, args))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(message(format, args))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(message(format, args))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(message(format, args))
}

func message(format string, args []any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
