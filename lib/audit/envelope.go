// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/abi/lib/codec"
)

// DefaultKeyID names the service signing key when the configuration
// does not.
const DefaultKeyID = "abi-ed25519-1"

// DefaultProducer names the service that writes the log when the
// configuration does not.
const DefaultProducer = "abi-service"

// EventKind classifies an audit record.
type EventKind string

const (
	KeyRegistered        EventKind = "key_registered"
	KeyStaged            EventKind = "key_staged"
	KeyRevoked           EventKind = "key_revoked"
	KeyExpirySet         EventKind = "key_expiry_set"
	ChallengeIssued      EventKind = "challenge_issued"
	ChallengeExpired     EventKind = "challenge_expired"
	AdmissionSucceeded   EventKind = "admission_succeeded"
	AdmissionFailed      EventKind = "admission_failed"
	CapabilitiesDeclared EventKind = "capabilities_declared"
	PublishAuthorized    EventKind = "publish_authorized"
	PublishDenied        EventKind = "publish_denied"
	SubscribeAuthorized  EventKind = "subscribe_authorized"
	SubscribeDenied      EventKind = "subscribe_denied"
)

// Hash is a BLAKE3 digest linking an envelope to its predecessor.
type Hash [32]byte

// IsZero reports whether h is the all-zero hash carried by the first
// envelope of a log.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MarshalText renders the hash as lowercase hex for JSON output.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses the hex form produced by MarshalText.
func (h *Hash) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != len(h) {
		return fmt.Errorf("audit: hash must be %d hex characters, got %d", 2*len(h), len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// Envelope is one signed audit record.
type Envelope struct {
	Sequence  uint64            `cbor:"1,keyasint" json:"sequence"`
	Timestamp time.Time         `cbor:"2,keyasint" json:"timestamp"`
	EventKind EventKind         `cbor:"3,keyasint" json:"event_kind"`
	Payload   map[string]string `cbor:"4,keyasint" json:"payload"`
	PrevHash  Hash              `cbor:"5,keyasint" json:"prev_hash"`
	KeyID     string            `cbor:"6,keyasint" json:"key_id"`
	Signature []byte            `cbor:"7,keyasint" json:"signature"`
	Producer  string            `cbor:"8,keyasint" json:"producer"`
}

// signedFields is the portion of an envelope covered by the signature.
// The field numbers match Envelope.
type signedFields struct {
	Sequence  uint64            `cbor:"1,keyasint"`
	Timestamp time.Time         `cbor:"2,keyasint"`
	EventKind EventKind         `cbor:"3,keyasint"`
	Payload   map[string]string `cbor:"4,keyasint"`
	PrevHash  Hash              `cbor:"5,keyasint"`
	KeyID     string            `cbor:"6,keyasint"`
	Producer  string            `cbor:"8,keyasint"`
}

// SigningBytes returns the canonical encoding the signature covers.
func (e Envelope) SigningBytes() ([]byte, error) {
	data, err := codec.Marshal(signedFields{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		EventKind: e.EventKind,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
		KeyID:     e.KeyID,
		Producer:  e.Producer,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: encoding envelope %d for signing: %w", e.Sequence, err)
	}
	return data, nil
}

// Verify checks the envelope's signature against publicKey.
func (e Envelope) Verify(publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(e.Signature) != ed25519.SignatureSize {
		return false
	}
	message, err := e.SigningBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(publicKey, message, e.Signature)
}

// chainDomainKey keys the BLAKE3 hash that links envelopes.
var chainDomainKey = [32]byte{
	'a', 'b', 'i', '.', 'a', 'u', 'd', 'i', 't', '.',
	'c', 'h', 'a', 'i', 'n',
}

// Hash returns the chain hash of the complete envelope, signature
// included. The next envelope carries it as PrevHash.
func (e Envelope) Hash() (Hash, error) {
	data, err := codec.Marshal(e)
	if err != nil {
		return Hash{}, fmt.Errorf("audit: encoding envelope %d for hashing: %w", e.Sequence, err)
	}
	hasher, err := blake3.NewKeyed(chainDomainKey[:])
	if err != nil {
		return Hash{}, fmt.Errorf("audit: creating keyed hasher: %w", err)
	}
	hasher.Write(data)
	var digest Hash
	hasher.Sum(digest[:0])
	return digest, nil
}

// Marshal returns the CBOR encoding sinks store and publish.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("audit: encoding envelope %d: %w", e.Sequence, err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes the output of Envelope.Marshal.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("audit: decoding envelope: %w", err)
	}
	return envelope, nil
}
