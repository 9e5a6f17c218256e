package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/qledger/pkg/canonicalize"
)

// runHashCmd prints the canonical form of a JSON document and its SHA-256,
// the same digest the ledger stores as request_hash or result_hash.
func runHashCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("hash", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file      string
		canonOnly bool
	)
	cmd.StringVar(&file, "file", "-", "JSON document to hash (- for stdin)")
	cmd.BoolVar(&canonOnly, "canonical", false, "Print only the canonical form")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	canon, err := canonicalize.Canonicalize(json.RawMessage(data))
	if err != nil {
		_, _ = failColor.Fprintf(stderr, "FAIL %v\n", err)
		return 1
	}
	if canonOnly {
		_, _ = fmt.Fprintln(stdout, canon)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "canonical: %s\n", canon)
	_, _ = fmt.Fprintf(stdout, "sha256:    %s\n", canonicalize.HashString(canon))
	return 0
}
