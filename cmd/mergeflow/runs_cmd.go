package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/mergeflow/mergeflow/pkg/runindex"
)

// runRunsListCmd implements `mergeflow runs list`.
func runRunsListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("runs list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		db         string
		tenant     string
		repo       string
		state      string
		limit      int
		jsonOutput bool
	)
	cmd.StringVar(&db, "db", "", "Path to the SQLite database (or MERGEFLOW_DB)")
	cmd.StringVar(&tenant, "tenant", "", "Only runs for this tenant")
	cmd.StringVar(&repo, "repo", "", "Only runs against this repo (owner/name)")
	cmd.StringVar(&state, "state", "", "Only runs in this state")
	cmd.IntVar(&limit, "limit", 50, "Maximum rows to print")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON instead of a table")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	path := dbPath(db)
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: no database; pass --db or set MERGEFLOW_DB")
		return 2
	}

	ctx := context.Background()
	index, err := runindex.OpenSQLiteIndex(ctx, path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot open database: %v\n", err)
		return 2
	}
	defer index.Close()

	entries, err := index.List(ctx, runindex.Filter{
		TenantID: tenant,
		Repo:     repo,
		State:    state,
		Limit:    limit,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: list failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(entries, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	w := tabwriter.NewWriter(stdout, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tTENANT\tREPO\tSTATE\tUPDATED")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.RunID, e.TenantID, e.Repo, e.State, e.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(stdout, "%d run(s)\n", len(entries))
	return 0
}
