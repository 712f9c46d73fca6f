package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "audit":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: mergeflow audit <verify|health|is-valid>")
			return 2
		}
		return runAuditCmd(args[2], args[3:], stdout, stderr)
	case "runs":
		if len(args) < 3 || args[2] != "list" {
			_, _ = fmt.Fprintln(stderr, "Usage: mergeflow runs list [flags]")
			return 2
		}
		return runRunsListCmd(args[3:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "mergeflow - run control plane administration")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Usage: mergeflow <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  audit verify    Verify a tenant's hash chain and print a report")
	_, _ = fmt.Fprintln(w, "  audit health    Print chain health (head, tail validity)")
	_, _ = fmt.Fprintln(w, "  audit is-valid  Exit 0 when the chain verifies, 1 when it does not")
	_, _ = fmt.Fprintln(w, "  runs list       List indexed runs, optionally filtered")
	_, _ = fmt.Fprintln(w, "  doctor          Check the local environment and configuration")
	_, _ = fmt.Fprintln(w, "  help            Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "The chain and run index live in the SQLite database named by")
	_, _ = fmt.Fprintln(w, "--db or the MERGEFLOW_DB environment variable.")
	_, _ = fmt.Fprintln(w, "")
}

// dbPath resolves the database location from flag then environment.
func dbPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("MERGEFLOW_DB")
}
