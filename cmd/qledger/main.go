package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = verification or runtime failure
//	2 = usage error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "hash":
		return runHashCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "qledger %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServeCmd(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

var (
	headerColor  = color.New(color.Bold, color.FgBlue)
	sectionColor = color.New(color.Bold, color.FgCyan)
	commandColor = color.New(color.FgGreen)
	passColor    = color.New(color.FgGreen, color.Bold)
	failColor    = color.New(color.FgRed, color.Bold)
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w)
	_, _ = headerColor.Fprintf(w, "qledger %s\n", version)
	_, _ = fmt.Fprintln(w, "Hash-chained evidence ledger with fail-closed admission.")
	_, _ = fmt.Fprintln(w)
	_, _ = sectionColor.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  qledger <command> [flags]")
	_, _ = fmt.Fprintln(w)

	_, _ = sectionColor.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP ledger server (default)")
	printCommand(w, "verify", "Verify an exported bundle offline (--bundle, --json)")
	printCommand(w, "export", "Export the configured store as a bundle (--out, --publish)")
	printCommand(w, "hash", "Print the canonical form and SHA-256 of a JSON document (--file)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s %s\n", commandColor.Sprintf("%-10s", name), desc)
}
