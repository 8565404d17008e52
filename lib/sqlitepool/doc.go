// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite databases behind the ABI's
// durable state: the keyring store and the SQLite audit sink.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies one set
// of pragmas to every connection. Both users hold security state, so
// the defaults favor durability over write throughput:
//
//   - journal_mode=WAL: readers (keyring lookups, audit verification)
//     never block the single writer.
//   - synchronous=FULL: a committed keyring transition or audit append
//     survives power loss, not just a process crash. The trust core
//     treats these writes as the durable commit point of an admission
//     or authorization outcome.
//   - busy_timeout=5000: wait for the write lock instead of failing
//     with SQLITE_BUSY.
//   - temp_store=MEMORY.
//
// Callers Take a connection, use it from one goroutine, and Put it
// back. Connections are not safe for concurrent use.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/abi/keyring.db",
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
package sqlitepool
