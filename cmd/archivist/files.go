// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tomtom215/archivist/internal/archive"
	"github.com/tomtom215/archivist/internal/hashing"
)

// digestArg normalizes a digest given on the command line.
func digestArg(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// printJSON writes v as indented JSON to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCmd(flags *globalFlags) *cobra.Command {
	var md archive.SubmitMetadata
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Fingerprint a file (or - for stdin), classify it and dispatch it",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, done, err := openArchive(ctx, flags)
			if err != nil {
				return err
			}
			defer done()

			var r io.Reader = cmd.InOrStdin()
			md.SizeBytes = hashing.UnknownSize
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("%w: %w", errNoInput, err)
				}
				defer func() { _ = f.Close() }()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				r, md.SizeBytes = f, info.Size()
				if md.SourceMessageID == "" {
					md.SourceMessageID = filepath.Base(args[0])
				}
			}

			res, err := a.Submit(ctx, r, md)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&md.SourceID, "source", "cli", "source channel id")
	cmd.Flags().StringVar(&md.SourceMessageID, "message-id", "", "source message id (default: file name)")
	cmd.Flags().StringVar(&md.MimeHint, "mime", "", "declared MIME type")
	cmd.Flags().StringSliceVar(&md.Labels, "label", nil, "classification label (repeatable)")
	return cmd
}

func newLookupCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup SHA256",
		Short: "Show the stored record for a content digest",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			rec, err := a.Lookup(cmd.Context(), digestArg(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func newSimilarCmd(flags *globalFlags) *cobra.Command {
	var (
		algorithm string
		threshold int
	)
	cmd := &cobra.Command{
		Use:   "similar SHA256",
		Short: "List stored files similar to a known file",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := hashing.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			matches, err := a.FindSimilar(cmd.Context(), digestArg(args[0]), alg, threshold)
			if err != nil {
				return err
			}
			if matches == nil {
				matches = []hashing.Match{}
			}
			return printJSON(cmd, matches)
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", "perceptual", "exact, perceptual or fuzzy")
	cmd.Flags().IntVar(&threshold, "threshold", -1, "maximum distance (-1 for the configured default)")
	return cmd
}
