package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/mergeflow/mergeflow/pkg/chain"
	"github.com/mergeflow/mergeflow/pkg/config"
	"github.com/mergeflow/mergeflow/pkg/idempotency"
	"github.com/mergeflow/mergeflow/pkg/reliability"
)

// runDoctorCmd implements `mergeflow doctor`: a quick sanity report on
// the local environment and configuration. Exit 0 when nothing failed.
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var db string
	cmd.StringVar(&db, "db", "", "Path to the SQLite database (or MERGEFLOW_DB)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	type checkResult struct {
		Name   string
		Status string // "ok", "warn", "fail"
		Detail string
	}

	var results []checkResult
	allOK := true

	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	cfgPath := os.Getenv(config.EnvConfigPath)
	cfg, err := config.LoadFromEnv()
	switch {
	case err != nil:
		allOK = false
		results = append(results, checkResult{
			Name:   "config",
			Status: "fail",
			Detail: err.Error(),
		})
	case cfgPath == "":
		results = append(results, checkResult{
			Name:   "config",
			Status: "warn",
			Detail: "MERGEFLOW_CONFIG not set, using defaults",
		})
	default:
		results = append(results, checkResult{
			Name:   "config",
			Status: "ok",
			Detail: cfgPath,
		})
	}
	if err == nil {
		results = append(results, checkResult{
			Name:   "backends",
			Status: "ok",
			Detail: fmt.Sprintf("idempotency=%s metering=%s", cfg.Backends.Idempotency, cfg.Backends.Metering),
		})

		// Round-trip a probe key through a store built with the
		// configured TTL bounds.
		idemStore := idempotency.NewMemoryStore().WithTTLBounds(cfg.Idempotency.Bounds())
		if res, idemErr := idemStore.CheckAndSet(context.Background(), "doctor-probe", "doctor", 0, ""); idemErr != nil {
			allOK = false
			results = append(results, checkResult{
				Name:   "idempotency",
				Status: "fail",
				Detail: idemErr.Error(),
			})
		} else {
			ttl := int(res.Record.ExpiresAt.Sub(res.Record.CreatedAt).Seconds())
			results = append(results, checkResult{
				Name:   "idempotency",
				Status: "ok",
				Detail: fmt.Sprintf("default TTL %ds, bounds [%d, %d]", ttl,
					cfg.Idempotency.MinTTLSeconds, cfg.Idempotency.MaxTTLSeconds),
			})
		}

		limiter := reliability.NewMemoryLimiter(cfg.LimitPolicies(), reliability.LimitPolicy{})
		if lim, limErr := limiter.Check(context.Background(), "doctor", "runs"); limErr != nil {
			allOK = false
			results = append(results, checkResult{
				Name:   "rate_limits",
				Status: "fail",
				Detail: limErr.Error(),
			})
		} else {
			results = append(results, checkResult{
				Name:   "rate_limits",
				Status: "ok",
				Detail: fmt.Sprintf("%d resources configured, runs remaining=%d", len(cfg.RateLimits), lim.Remaining),
			})
		}
	}

	if path := dbPath(db); path == "" {
		results = append(results, checkResult{
			Name:   "database",
			Status: "warn",
			Detail: "MERGEFLOW_DB not set (required for audit commands)",
		})
	} else if store, err := chain.OpenSQLiteStore(context.Background(), path); err != nil {
		allOK = false
		results = append(results, checkResult{
			Name:   "database",
			Status: "fail",
			Detail: err.Error(),
		})
	} else {
		_ = store.Close()
		results = append(results, checkResult{
			Name:   "database",
			Status: "ok",
			Detail: path,
		})
	}

	for _, r := range results {
		mark := "✅"
		switch r.Status {
		case "warn":
			mark = "⚠️ "
		case "fail":
			mark = "❌"
		}
		_, _ = fmt.Fprintf(stdout, "%s %-12s %s\n", mark, r.Name, r.Detail)
	}

	if !allOK {
		return 1
	}
	return 0
}
