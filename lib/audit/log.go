// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/abi/lib/clock"
	"github.com/bureau-foundation/abi/lib/errkind"
)

// DefaultAppendTimeout bounds a single sink append when the
// configuration does not.
const DefaultAppendTimeout = 5 * time.Second

// Config holds the parameters for opening a Log.
type Config struct {
	// SigningKey signs every envelope. Required.
	SigningKey ed25519.PrivateKey

	// KeyID is recorded in every envelope. Defaults to DefaultKeyID.
	KeyID string

	// Producer names the writer in every envelope. Defaults to
	// DefaultProducer.
	Producer string

	// Sink receives the envelopes. Required.
	Sink Sink

	// Clock stamps envelopes. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger

	// AppendTimeout bounds each sink append. Defaults to
	// DefaultAppendTimeout.
	AppendTimeout time.Duration
}

// Log assigns sequence numbers, signs, chains, and appends envelopes.
type Log struct {
	signingKey    ed25519.PrivateKey
	publicKey     ed25519.PublicKey
	keyID         string
	producer      string
	sink          Sink
	clock         clock.Clock
	logger        *slog.Logger
	appendTimeout time.Duration

	mu       sync.Mutex
	sequence uint64
	prevHash Hash
}

// Open creates a Log. When the sink implements Tailer and already holds
// envelopes, the log continues after the last one.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("audit: signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(cfg.SigningKey))
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("audit: Sink is required")
	}

	log := &Log{
		signingKey:    cfg.SigningKey,
		publicKey:     cfg.SigningKey.Public().(ed25519.PublicKey),
		keyID:         cfg.KeyID,
		producer:      cfg.Producer,
		sink:          cfg.Sink,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		appendTimeout: cfg.AppendTimeout,
	}
	if log.keyID == "" {
		log.keyID = DefaultKeyID
	}
	if log.producer == "" {
		log.producer = DefaultProducer
	}
	if log.clock == nil {
		log.clock = clock.Real()
	}
	if log.logger == nil {
		log.logger = slog.New(slog.DiscardHandler)
	}
	if log.appendTimeout <= 0 {
		log.appendTimeout = DefaultAppendTimeout
	}

	if tailer, ok := cfg.Sink.(Tailer); ok {
		last, found, err := tailer.Last(ctx)
		if err != nil {
			return nil, fmt.Errorf("audit: reading last envelope: %w", err)
		}
		if found {
			if !last.Verify(log.publicKey) {
				log.logger.Warn("last audit envelope not signed by the current key",
					"sequence", last.Sequence, "key_id", last.KeyID)
			}
			hash, err := last.Hash()
			if err != nil {
				return nil, err
			}
			log.sequence = last.Sequence
			log.prevHash = hash
			log.logger.Info("audit log resumed", "sequence", last.Sequence, "key_id", log.keyID)
		}
	}
	return log, nil
}

// Record signs and appends one event. Payload is copied. On sink
// failure the sequence number is not consumed and the error has kind
// AuditSinkUnavailable.
func (l *Log) Record(ctx context.Context, kind EventKind, payload map[string]string) (Envelope, error) {
	copied := make(map[string]string, len(payload))
	for key, value := range payload {
		copied[key] = value
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	envelope := Envelope{
		Sequence:  l.sequence + 1,
		Timestamp: l.clock.Now().UTC(),
		EventKind: kind,
		Payload:   copied,
		PrevHash:  l.prevHash,
		KeyID:     l.keyID,
		Producer:  l.producer,
	}
	message, err := envelope.SigningBytes()
	if err != nil {
		return Envelope{}, err
	}
	envelope.Signature = ed25519.Sign(l.signingKey, message)

	hash, err := envelope.Hash()
	if err != nil {
		return Envelope{}, err
	}

	appendCtx, cancel := context.WithTimeout(ctx, l.appendTimeout)
	defer cancel()
	if err := l.sink.Append(appendCtx, envelope); err != nil {
		l.logger.Error("audit append failed",
			"sequence", envelope.Sequence,
			"event_kind", kind,
			"error", err,
		)
		return Envelope{}, errkind.Wrap(errkind.AuditSinkUnavailable, err,
			"recording %s as envelope %d", kind, envelope.Sequence)
	}

	l.sequence = envelope.Sequence
	l.prevHash = hash
	l.logger.Debug("audit envelope recorded", "sequence", envelope.Sequence, "event_kind", kind)
	return envelope, nil
}

// Sequence returns the sequence number of the last recorded envelope.
func (l *Log) Sequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// PublicKey returns the key that verifies this log's signatures.
func (l *Log) PublicKey() ed25519.PublicKey { return l.publicKey }

// KeyID returns the identifier recorded in every envelope.
func (l *Log) KeyID() string { return l.keyID }

// Close closes the sink.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink.Close()
}
