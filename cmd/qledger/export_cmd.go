package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/qledger/pkg/artifacts"
	"github.com/Mindburn-Labs/qledger/pkg/config"
	"github.com/Mindburn-Labs/qledger/pkg/evidence"
)

// runExportCmd implements `qledger export`.
//
// Loads the configured store, verifies it while rebuilding the chain, and
// writes a bundle. With --publish the bundle also goes to the export sink.
//
// Exit codes:
//
//	0 = bundle written
//	1 = store failed verification
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		outPath string
		envFile string
		publish bool
	)
	cmd.StringVar(&outPath, "out", "", "Output path for the bundle JSON")
	cmd.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	cmd.BoolVar(&publish, "publish", false, "Also publish the bundle to QLEDGER_EXPORT_SINK")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if outPath == "" && !publish {
		_, _ = fmt.Fprintln(stderr, "Error: --out or --publish is required")
		return 2
	}

	cfg, err := config.LoadWithDotEnv(envFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()

	st, closer, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closer.Close() }()

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ledger, err := evidence.NewLedger(ctx, st, evidence.WithLogger(logger))
	if err != nil {
		_, _ = failColor.Fprintf(stderr, "FAIL %v\n", err)
		return 1
	}
	b, err := ledger.Export(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if outPath != "" {
		data, err := json.MarshalIndent(b, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if dir := filepath.Dir(outPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
		}
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write bundle: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Bundle written to %s\n", outPath)
	}

	if publish {
		sink, err := openSink(ctx, cfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		rec, err := artifacts.Publish(ctx, sink, cfg.ExportSink, b)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Published %s to %s\n", rec.Ref, rec.Sink)
	}

	_, _ = fmt.Fprintf(stdout, "Entries: %d  Root: %s\n", len(b.Entries), b.Chain.Root)
	_, _ = fmt.Fprintf(stdout, "Bundle hash: %s\n", b.BundleHash)
	return 0
}
