package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/mergeflow/mergeflow/pkg/chain"
)

// auditFlags are shared by every audit subcommand.
type auditFlags struct {
	db         string
	tenant     string
	start      int64
	end        int64
	max        int
	timestamps bool
	jsonOutput bool
}

func bindAuditFlags(cmd *flag.FlagSet, f *auditFlags) {
	cmd.StringVar(&f.db, "db", "", "Path to the SQLite database (or MERGEFLOW_DB)")
	cmd.StringVar(&f.tenant, "tenant", "", "Tenant whose chain to inspect (REQUIRED)")
	cmd.Int64Var(&f.start, "start", -1, "First sequence to verify (default: chain start)")
	cmd.Int64Var(&f.end, "end", -1, "Last sequence to verify (default: chain head)")
	cmd.IntVar(&f.max, "max", 0, "Maximum entries to verify (0 = unlimited)")
	cmd.BoolVar(&f.timestamps, "timestamps", false, "Also check timestamp monotonicity")
	cmd.BoolVar(&f.jsonOutput, "json", false, "Output as JSON instead of text")
}

func runAuditCmd(sub string, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var f auditFlags
	bindAuditFlags(cmd, &f)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if f.tenant == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant is required")
		return 2
	}
	path := dbPath(f.db)
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: no database; pass --db or set MERGEFLOW_DB")
		return 2
	}

	ctx := context.Background()
	store, err := chain.OpenSQLiteStore(ctx, path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot open database: %v\n", err)
		return 2
	}
	defer store.Close()
	verifier := chain.NewVerifier(store)

	switch sub {
	case "verify":
		return auditVerify(ctx, verifier, f, stdout, stderr)
	case "health":
		return auditHealth(ctx, verifier, f, stdout, stderr)
	case "is-valid":
		return auditIsValid(ctx, verifier, f, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown audit subcommand: %s\n", sub)
		return 2
	}
}

// auditVerify implements `mergeflow audit verify`.
//
// Exit codes:
//
//	0 = chain verified clean
//	1 = issues found
//	2 = runtime error
func auditVerify(ctx context.Context, verifier *chain.Verifier, f auditFlags, stdout, stderr io.Writer) int {
	opts := chain.VerifyOptions{
		MaxEntries:       f.max,
		VerifyTimestamps: f.timestamps,
	}
	if f.start >= 0 {
		opts.StartSequence = &f.start
	}
	if f.end >= 0 {
		opts.EndSequence = &f.end
	}

	report, err := verifier.Verify(ctx, f.tenant, opts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if f.jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		if report.Valid {
			_, _ = fmt.Fprintf(stdout, "✅ chain for %s verified\n", report.TenantID)
		} else {
			_, _ = fmt.Fprintf(stdout, "❌ chain for %s has integrity issues\n", report.TenantID)
		}
		_, _ = fmt.Fprintf(stdout, "%s\n", report.Summary)
		_, _ = fmt.Fprintf(stdout, "entries verified: %d/%d, continuity: %.1f%%\n",
			report.Stats.EntriesVerified, report.Stats.TotalEntries, report.Stats.ContinuityPercent)
		for _, issue := range report.Issues {
			_, _ = fmt.Fprintf(stdout, "  [%s] seq %d %s: %s\n",
				issue.Severity, issue.Sequence, issue.Type, issue.Message)
		}
	}

	if len(report.Issues) > 0 {
		return 1
	}
	return 0
}

// auditHealth implements `mergeflow audit health`. Exit 0 on success.
func auditHealth(ctx context.Context, verifier *chain.Verifier, f auditFlags, stdout, stderr io.Writer) int {
	health, err := verifier.GetChainHealth(ctx, f.tenant)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: health check failed: %v\n", err)
		return 2
	}

	if f.jsonOutput {
		data, _ := json.MarshalIndent(health, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "tenant:      %s\n", health.TenantID)
	_, _ = fmt.Fprintf(stdout, "entries:     %d\n", health.TotalEntries)
	_, _ = fmt.Fprintf(stdout, "head:        %d\n", health.HeadSequence)
	if health.LastEntryAt != nil {
		_, _ = fmt.Fprintf(stdout, "last entry:  %s\n", health.LastEntryAt.Format("2006-01-02 15:04:05 MST"))
	}
	_, _ = fmt.Fprintf(stdout, "tail valid:  %t\n", health.TailValid)
	return 0
}

// auditIsValid implements `mergeflow audit is-valid`.
//
// Exit codes:
//
//	0 = valid
//	1 = invalid
//	2 = error
func auditIsValid(ctx context.Context, verifier *chain.Verifier, f auditFlags, stdout, stderr io.Writer) int {
	valid, err := verifier.IsChainValid(ctx, f.tenant)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if f.jsonOutput {
		_, _ = fmt.Fprintf(stdout, "{\"tenantId\":%q,\"valid\":%t}\n", f.tenant, valid)
	} else {
		_, _ = fmt.Fprintf(stdout, "%t\n", valid)
	}
	if !valid {
		return 1
	}
	return 0
}
