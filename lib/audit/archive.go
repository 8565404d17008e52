// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the archive compression algorithm. The value is
// stored in the archive header; changing it breaks existing archives.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses the String form.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("audit: unknown compression %q (want none, lz4, or zstd)", name)
	}
}

// archiveMagic opens every archive, followed by a version byte and a
// compression byte. The body is a CBOR sequence of envelopes.
var archiveMagic = [4]byte{'A', 'B', 'I', 'A'}

const archiveVersion = 1

// WriteArchive writes envelopes to w as a compressed archive and
// returns how many were written.
func WriteArchive(w io.Writer, envelopes []Envelope, compression Compression) (int, error) {
	header := append(archiveMagic[:], archiveVersion, byte(compression))
	if _, err := w.Write(header); err != nil {
		return 0, fmt.Errorf("audit: writing archive header: %w", err)
	}

	var body io.WriteCloser
	switch compression {
	case CompressionNone:
		body = nopWriteCloser{w}
	case CompressionLZ4:
		body = lz4.NewWriter(w)
	case CompressionZstd:
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return 0, fmt.Errorf("audit: creating zstd encoder: %w", err)
		}
		body = encoder
	default:
		return 0, fmt.Errorf("audit: unsupported compression %s", compression)
	}

	buffered := bufio.NewWriter(body)
	written := 0
	for _, envelope := range envelopes {
		data, err := envelope.Marshal()
		if err != nil {
			body.Close()
			return written, err
		}
		if _, err := buffered.Write(data); err != nil {
			body.Close()
			return written, fmt.Errorf("audit: writing archive: %w", err)
		}
		written++
	}
	if err := buffered.Flush(); err != nil {
		body.Close()
		return written, fmt.Errorf("audit: writing archive: %w", err)
	}
	if err := body.Close(); err != nil {
		return written, fmt.Errorf("audit: finishing %s archive: %w", compression, err)
	}
	return written, nil
}

// ReadArchive calls fn for each envelope in an archive written by
// WriteArchive.
func ReadArchive(r io.Reader, fn func(Envelope) error) error {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("audit: reading archive header: %w", err)
	}
	if [4]byte(header[:4]) != archiveMagic {
		return errors.New("audit: not an audit archive")
	}
	if header[4] != archiveVersion {
		return fmt.Errorf("audit: unsupported archive version %d", header[4])
	}

	compression := Compression(header[5])
	var body io.Reader
	switch compression {
	case CompressionNone:
		body = r
	case CompressionLZ4:
		body = lz4.NewReader(r)
	case CompressionZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("audit: creating zstd decoder: %w", err)
		}
		defer decoder.Close()
		body = decoder
	default:
		return fmt.Errorf("audit: archive uses unsupported compression %s", compression)
	}
	return Scan(bufio.NewReader(body), fn)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
