// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/abi/lib/clock"
	"github.com/bureau-foundation/abi/lib/testutil"
)

func TestFileSinkRoundTripAndResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.cbor")
	publicKey, privateKey := testutil.SigningKey(t)
	ctx := context.Background()

	sink, err := OpenFileSink(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	log, err := Open(ctx, Config{SigningKey: privateKey, Sink: sink, Clock: clock.Fake(epoch)})
	if err != nil {
		t.Fatal(err)
	}
	for _, kind := range []EventKind{KeyRegistered, ChallengeIssued, AdmissionSucceeded} {
		if _, err := log.Record(ctx, kind, map[string]string{"ae_id": "A1"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenFileSink(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resumed, err := Open(ctx, Config{SigningKey: privateKey, Sink: reopened, Clock: clock.Fake(epoch)})
	if err != nil {
		t.Fatal(err)
	}
	envelope, err := resumed.Record(ctx, KeyRevoked, map[string]string{"ae_id": "A1"})
	if err != nil {
		t.Fatal(err)
	}
	if envelope.Sequence != 4 {
		t.Errorf("resumed sequence = %d, want 4", envelope.Sequence)
	}
	resumed.Close()

	envelopes, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(envelopes) != 4 {
		t.Fatalf("ReadFile returned %d envelopes, want 4", len(envelopes))
	}
	if err := VerifyChain(publicKey, envelopes); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
}

func TestFileSinkTruncatesTornRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.cbor")
	publicKey, privateKey := testutil.SigningKey(t)
	ctx := context.Background()

	sink, err := OpenFileSink(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	log, err := Open(ctx, Config{SigningKey: privateKey, Sink: sink})
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if _, err := log.Record(ctx, KeyRegistered, nil); err != nil {
			t.Fatal(err)
		}
	}
	log.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	intact := info.Size()

	// Simulate a crash halfway through a third record.
	third, err := Envelope{Sequence: 3, EventKind: KeyRevoked, KeyID: DefaultKeyID}.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := file.Write(third[:len(third)/2]); err != nil {
		t.Fatal(err)
	}
	file.Close()

	if _, err := ReadFile(path); err == nil {
		t.Error("ReadFile accepted a torn record")
	}

	repaired, err := OpenFileSink(path, nil)
	if err != nil {
		t.Fatalf("OpenFileSink on torn file: %v", err)
	}
	defer repaired.Close()
	info, err = os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != intact {
		t.Errorf("size after repair = %d, want %d", info.Size(), intact)
	}

	last, found, err := repaired.Last(ctx)
	if err != nil || !found || last.Sequence != 2 {
		t.Errorf("Last = %d, %v, %v; want 2, true, nil", last.Sequence, found, err)
	}

	envelopes, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyChain(publicKey, envelopes); err != nil {
		t.Errorf("VerifyChain after repair: %v", err)
	}
}

func TestFileSinkReplacesRetriedSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.cbor")
	publicKey, privateKey := testutil.SigningKey(t)
	ctx := context.Background()

	file, err := OpenFileSink(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	publish := NewMemorySink()
	log, err := Open(ctx, Config{SigningKey: privateKey, Sink: NewMultiSink(file, publish)})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := log.Record(ctx, KeyRegistered, nil); err != nil {
		t.Fatal(err)
	}
	publish.FailWith(os.ErrDeadlineExceeded)
	if _, err := log.Record(ctx, KeyStaged, map[string]string{"attempt": "1"}); err == nil {
		t.Fatal("expected failure from the second sink")
	}
	publish.FailWith(nil)
	if _, err := log.Record(ctx, KeyStaged, map[string]string{"attempt": "2"}); err != nil {
		t.Fatal(err)
	}
	log.Close()

	envelopes, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(envelopes) != 2 {
		t.Fatalf("file holds %d envelopes, want 2", len(envelopes))
	}
	if got := envelopes[1].Payload["attempt"]; got != "2" {
		t.Errorf("second envelope attempt = %q, want 2", got)
	}
	if err := VerifyChain(publicKey, envelopes); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
}

func TestFileSinkRejectsOlderSequence(t *testing.T) {
	sink, err := OpenFileSink(filepath.Join(t.TempDir(), "audit.cbor"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	ctx := context.Background()

	if err := sink.Append(ctx, Envelope{Sequence: 5}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Append(ctx, Envelope{Sequence: 3}); err == nil {
		t.Error("expected error appending an older sequence")
	}
}
