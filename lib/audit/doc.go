// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit implements the trust core's signed, sequenced,
// hash-chained audit log.
//
// A [Log] turns each event into an [Envelope]: the next sequence
// number, a timestamp from the injected clock, the event kind, a
// string payload, the BLAKE3 hash of the previous envelope, and the
// signing key's identifier. The Ed25519 signature covers the CBOR Core
// Deterministic encoding of all of those fields, so any reader holding
// the public key can check an exported log with [VerifyChain] without
// trusting the store it came from.
//
// Envelopes go to a [Sink]. [FileSink] appends a CBOR sequence and
// fsyncs every record, [SQLiteSink] keeps an indexed table,
// [PublishSink] hands the encoded envelope to a message bus through the
// [Publisher] interface, [MemorySink] serves tests, and [MultiSink]
// fans out to several sinks. A sink that also implements [Tailer] lets
// [Open] resume the sequence and chain after a restart.
//
// Record holds a single mutex for the whole sign-and-append step. When
// the sink fails, the sequence number is not consumed and the caller
// receives an error of kind AuditSinkUnavailable.
package audit
