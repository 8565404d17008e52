// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/abi/cmd/abi/cli"
	"github.com/bureau-foundation/abi/lib/audit"
	"github.com/bureau-foundation/abi/lib/config"
	"github.com/bureau-foundation/abi/lib/keyring"
)

func auditCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "audit",
		Summary: "Inspect, verify, and export the audit log",
		Subcommands: []*cli.Command{
			auditVerifyCommand(out),
			auditShowCommand(out),
			auditExportCommand(out),
		},
	}
}

// auditSource selects where envelopes are read from.
type auditSource struct {
	global  globalFlags
	source  string
	file    string
	archive string
	from    uint64
	to      uint64
}

func (s *auditSource) register(flagSet *pflag.FlagSet) {
	s.global.register(flagSet)
	flagSet.StringVar(&s.source, "source", "", "configured sink to read: file or sqlite (default: first configured)")
	flagSet.StringVar(&s.file, "file", "", "read this audit log file instead of a configured sink")
	flagSet.StringVar(&s.archive, "archive", "", "read this exported archive instead of a configured sink")
	flagSet.Uint64Var(&s.from, "from", 0, "first sequence number")
	flagSet.Uint64Var(&s.to, "to", 0, "last sequence number (0: to the end)")
}

func (s *auditSource) inRange(envelope audit.Envelope) bool {
	return envelope.Sequence >= s.from && (s.to == 0 || envelope.Sequence <= s.to)
}

// each calls fn for every envelope in range, in sequence order.
func (s *auditSource) each(ctx context.Context, env *environment, fn func(audit.Envelope) error) error {
	filtered := func(envelope audit.Envelope) error {
		if !s.inRange(envelope) {
			return nil
		}
		return fn(envelope)
	}

	switch {
	case s.archive != "":
		file, err := os.Open(s.archive)
		if err != nil {
			return err
		}
		defer file.Close()
		return audit.ReadArchive(bufio.NewReader(file), filtered)
	case s.file != "":
		return scanFile(s.file, filtered)
	}

	source := s.source
	if source == "" {
		for _, sink := range env.config.Audit.Sinks {
			if sink == config.SinkFile || sink == config.SinkSQLite {
				source = sink
				break
			}
		}
	}
	switch source {
	case config.SinkFile:
		return scanFile(env.config.Audit.FilePath, filtered)
	case config.SinkSQLite:
		sink, err := audit.OpenSQLiteSink(env.config.Audit.SQLitePath, env.logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		envelopes, err := sink.Range(ctx, s.from, s.to)
		if err != nil {
			return err
		}
		for _, envelope := range envelopes {
			if err := fn(envelope); err != nil {
				return err
			}
		}
		return nil
	case "":
		return fmt.Errorf("no readable audit sink configured; use --file or --archive")
	default:
		return fmt.Errorf("--source %q: want file or sqlite", source)
	}
}

func scanFile(path string, fn func(audit.Envelope) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := audit.Scan(bufio.NewReader(file), fn); err != nil {
		return fmt.Errorf("%w (in %s)", err, path)
	}
	return nil
}

func auditVerifyCommand(out io.Writer) *cli.Command {
	var source auditSource
	var publicKeyText string
	return &cli.Command{
		Name:    "verify",
		Summary: "Verify signatures, sequence, and hash chain",
		Description: `Check every envelope's signature, that sequence numbers are
contiguous, and that each envelope links to the hash of the one before.
Reports the first failure and exits 1.

Without --public-key the key is derived from the sealed service key,
which requires the operator age identity.`,
		Examples: []cli.Example{
			{Description: "Verify the configured log", Command: "abi audit verify"},
			{Description: "Verify an export with a known key", Command: "abi audit verify --archive audit.abia --public-key <base64>"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
			source.register(flagSet)
			flagSet.StringVar(&publicKeyText, "public-key", "", "audit public key (default: from the sealed service key)")
			return flagSet
		},
		Run: func(args []string) error {
			env, err := loadEnvironment(&source.global)
			if err != nil {
				return err
			}
			defer env.Close()

			var publicKey ed25519.PublicKey
			if publicKeyText != "" {
				if publicKey, err = keyring.ParsePublicKey(publicKeyText); err != nil {
					return err
				}
			} else {
				signingKey, err := env.loadSigningKey()
				if err != nil {
					return fmt.Errorf("%w (or pass --public-key)", err)
				}
				publicKey = signingKey.Public().(ed25519.PublicKey)
			}

			verifier := audit.NewVerifier(publicKey)
			err = source.each(context.Background(), env, verifier.Next)
			var chainErr *audit.ChainError
			if errors.As(err, &chainErr) {
				fmt.Fprintf(out, "FAILED after %d valid envelopes: %v\n", verifier.Count(), chainErr)
				return &cli.ExitError{Code: 1}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "ok: %d envelopes verified, last sequence %d\n", verifier.Count(), verifier.Last())
			return nil
		},
	}
}

// envelopeView is the JSON form of an envelope.
type envelopeView struct {
	Sequence  uint64            `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	EventKind audit.EventKind   `json:"event_kind"`
	Payload   map[string]string `json:"payload"`
	PrevHash  audit.Hash        `json:"prev_hash"`
	KeyID     string            `json:"key_id"`
	Producer  string            `json:"producer"`
}

func auditShowCommand(out io.Writer) *cli.Command {
	var source auditSource
	var kinds []string
	var outputJSON bool
	return &cli.Command{
		Name:    "show",
		Summary: "Print audit envelopes",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
			source.register(flagSet)
			flagSet.StringSliceVar(&kinds, "kind", nil, "only these event kinds (e.g. admission_failed,publish_denied)")
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			env, err := loadEnvironment(&source.global)
			if err != nil {
				return err
			}
			defer env.Close()

			var views []envelopeView
			err = source.each(context.Background(), env, func(envelope audit.Envelope) error {
				if len(kinds) > 0 && !slices.Contains(kinds, string(envelope.EventKind)) {
					return nil
				}
				views = append(views, envelopeView{
					Sequence:  envelope.Sequence,
					Timestamp: envelope.Timestamp,
					EventKind: envelope.EventKind,
					Payload:   envelope.Payload,
					PrevHash:  envelope.PrevHash,
					KeyID:     envelope.KeyID,
					Producer:  envelope.Producer,
				})
				return nil
			})
			if err != nil {
				return err
			}
			if outputJSON {
				return cli.WriteJSON(out, views)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTIME\tEVENT\tPAYLOAD")
			for _, view := range views {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
					view.Sequence, view.Timestamp.UTC().Format(time.RFC3339), view.EventKind, formatPayload(view.Payload))
			}
			return tw.Flush()
		},
	}
}

func formatPayload(payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+payload[key])
	}
	return strings.Join(parts, " ")
}

func auditExportCommand(out io.Writer) *cli.Command {
	var source auditSource
	var outputPath string
	var compressionName string
	return &cli.Command{
		Name:    "export",
		Summary: "Export envelopes to a compressed archive",
		Description: `Write a range of envelopes to an archive file. Archives keep the
envelopes byte for byte, so 'abi audit verify --archive' checks them
with the same key as the live log.`,
		Examples: []cli.Example{
			{Description: "Export the first 10000 envelopes", Command: "abi audit export --to 10000 --out audit-0001.abia"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("export", pflag.ContinueOnError)
			source.register(flagSet)
			flagSet.StringVarP(&outputPath, "out", "o", "", "archive file to create (required)")
			flagSet.StringVar(&compressionName, "compression", audit.CompressionZstd.String(), "zstd, lz4, or none")
			return flagSet
		},
		Run: func(args []string) error {
			if outputPath == "" {
				return fmt.Errorf("--out is required")
			}
			compression, err := audit.ParseCompression(compressionName)
			if err != nil {
				return err
			}
			env, err := loadEnvironment(&source.global)
			if err != nil {
				return err
			}
			defer env.Close()

			var envelopes []audit.Envelope
			err = source.each(context.Background(), env, func(envelope audit.Envelope) error {
				envelopes = append(envelopes, envelope)
				return nil
			})
			if err != nil {
				return err
			}

			file, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
			if err != nil {
				return err
			}
			written, err := audit.WriteArchive(file, envelopes, compression)
			if err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "exported %d envelopes to %s (%s)\n", written, outputPath, compression)
			return nil
		},
	}
}
