// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/bureau-foundation/abi/lib/codec"
)

// FileSink appends envelopes to a file as a CBOR sequence (RFC 8742)
// and fsyncs after every record.
type FileSink struct {
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	path string

	// size is the length of the file's complete records.
	size int64

	// last and lastOffset describe the final record; previous is the
	// one before it, restored when replacing the final record fails.
	last       Envelope
	lastOffset int64
	hasLast    bool
	previous   Envelope
	hasPrev    bool
}

// OpenFileSink opens or creates the log file at path. A torn final
// record left by a crash is truncated away; any other decoding failure
// is returned.
func OpenFileSink(path string, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}

	sink := &FileSink{logger: logger, file: file, path: path}
	if err := sink.scan(); err != nil {
		file.Close()
		return nil, err
	}
	return sink, nil
}

func (s *FileSink) scan() error {
	decoder := codec.NewDecoder(bufio.NewReader(s.file))
	for {
		offset := int64(decoder.NumBytesRead())
		var envelope Envelope
		err := decoder.Decode(&envelope)
		if errors.Is(err, io.EOF) {
			s.size = offset
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			info, statErr := s.file.Stat()
			if statErr != nil {
				return fmt.Errorf("audit: stat %s: %w", s.path, statErr)
			}
			s.logger.Warn("truncating torn audit record",
				"path", s.path,
				"offset", offset,
				"discarded_bytes", info.Size()-offset,
			)
			if err := s.file.Truncate(offset); err != nil {
				return fmt.Errorf("audit: truncating %s: %w", s.path, err)
			}
			s.size = offset
			return nil
		}
		if err != nil {
			return fmt.Errorf("audit: reading %s at offset %d: %w", s.path, offset, err)
		}
		s.previous, s.hasPrev = s.last, s.hasLast
		s.last, s.lastOffset, s.hasLast = envelope, offset, true
	}
}

// Append writes envelope after the final record, or over it when the
// sequence numbers match.
func (s *FileSink) Append(ctx context.Context, envelope Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := envelope.Marshal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.size
	replacing := false
	if s.hasLast {
		switch {
		case envelope.Sequence == s.last.Sequence:
			offset, replacing = s.lastOffset, true
		case envelope.Sequence < s.last.Sequence:
			return fmt.Errorf("audit: %s: envelope %d is older than final envelope %d",
				s.path, envelope.Sequence, s.last.Sequence)
		}
	}

	if err := s.write(data, offset); err != nil {
		// The record at offset is unusable either way; drop it.
		if truncateErr := s.file.Truncate(offset); truncateErr != nil {
			s.logger.Error("truncating after failed audit append",
				"path", s.path, "offset", offset, "error", truncateErr)
		}
		s.size = offset
		if replacing {
			s.last, s.hasLast = s.previous, s.hasPrev
			s.hasPrev = false
		}
		return fmt.Errorf("audit: appending envelope %d to %s: %w", envelope.Sequence, s.path, err)
	}

	if !replacing {
		s.previous, s.hasPrev = s.last, s.hasLast
	}
	s.last, s.lastOffset, s.hasLast = envelope, offset, true
	s.size = offset + int64(len(data))
	return nil
}

func (s *FileSink) write(data []byte, offset int64) error {
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return err
	}
	if err := s.file.Truncate(offset + int64(len(data))); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *FileSink) Last(ctx context.Context) (Envelope, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast, nil
}

// Path returns the log file path.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Scan decodes a CBOR sequence of envelopes from r and calls fn for
// each one in order, stopping at the first error from either.
func Scan(r io.Reader, fn func(Envelope) error) error {
	decoder := codec.NewDecoder(r)
	for {
		var envelope Envelope
		err := decoder.Decode(&envelope)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("audit: decoding envelope at offset %d: %w", decoder.NumBytesRead(), err)
		}
		if err := fn(envelope); err != nil {
			return err
		}
	}
}

// ReadAll decodes every envelope in a CBOR sequence.
func ReadAll(r io.Reader) ([]Envelope, error) {
	var envelopes []Envelope
	err := Scan(r, func(envelope Envelope) error {
		envelopes = append(envelopes, envelope)
		return nil
	})
	return envelopes, err
}

// ReadFile decodes every envelope in a FileSink's log file. A torn
// final record is an error here; only OpenFileSink repairs it.
func ReadFile(path string) ([]Envelope, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	defer file.Close()

	envelopes, err := ReadAll(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("%w (in %s)", err, path)
	}
	return envelopes, nil
}
