package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/qledger/pkg/evidence"
)

// runVerifyCmd implements `qledger verify`.
//
// Replays an exported bundle offline: every entry hash, the Merkle root and
// the bundle hash. Accepts a bare bundle or the GET /evidence/export body.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		jsonOutput bool
	)
	cmd.StringVar(&bundlePath, "bundle", "", "Path to the exported bundle JSON (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verification report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		return 2
	}

	b, err := readBundle(bundlePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	report := evidence.VerifyBundle(b)

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		_, _ = passColor.Fprintln(stdout, "PASS bundle verified")
		_, _ = fmt.Fprintf(stdout, "Bundle:  %s\n", bundlePath)
		_, _ = fmt.Fprintf(stdout, "Entries: %d (sealed %d)\n", report.EntryCount, report.LeafCount)
		_, _ = fmt.Fprintf(stdout, "Root:    %s\n", report.RecomputedRoot)
	} else {
		_, _ = failColor.Fprintln(stdout, "FAIL bundle verification failed")
		_, _ = fmt.Fprintf(stdout, "Bundle: %s\n", bundlePath)
		for _, f := range report.Errors {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", f.String())
		}
	}

	if !report.Valid {
		return 1
	}
	return 0
}

func readBundle(path string) (*evidence.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var envelope struct {
		*evidence.Bundle
		Wrapped *evidence.Bundle `json:"bundle"`
	}
	envelope.Bundle = &evidence.Bundle{}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if envelope.Wrapped != nil {
		return envelope.Wrapped, nil
	}
	if envelope.Bundle.Version == "" {
		return nil, fmt.Errorf("decode bundle: %s has no version field", path)
	}
	return envelope.Bundle, nil
}
