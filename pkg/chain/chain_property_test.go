//go:build property
// +build property

// Package chain_test contains property-based tests for chain sealing
// and verification.
package chain_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mergeflow/mergeflow/pkg/chain"
)

// TestHonestChainsAlwaysVerify checks that any sequence of honest
// appends produces a chain the verifier accepts.
func TestHonestChainsAlwaysVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("honest append sequences verify as valid", prop.ForAll(
		func(payloads []string) bool {
			store := chain.NewMemoryStore()
			c := chain.New(store)
			ctx := context.Background()
			for i, p := range payloads {
				if _, err := c.Append(ctx, "tenant-prop", map[string]any{"index": i, "data": p}); err != nil {
					return false
				}
			}
			report, err := chain.NewVerifier(store).Verify(ctx, "tenant-prop", chain.VerifyOptions{VerifyTimestamps: true})
			if err != nil {
				return false
			}
			return report.Valid && len(report.Issues) == 0
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// TestTamperedPayloadAlwaysDetected checks that flipping any one
// payload is flagged as a critical issue.
func TestTamperedPayloadAlwaysDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("tampering any entry invalidates the chain", prop.ForAll(
		func(n uint8, victim uint8) bool {
			size := int(n%20) + 2
			target := int(victim) % size
			store := chain.NewMemoryStore()
			c := chain.New(store)
			ctx := context.Background()
			for i := 0; i < size; i++ {
				if _, err := c.Append(ctx, "tenant-prop", map[string]any{"index": i}); err != nil {
					return false
				}
			}
			entries, err := store.Entries(ctx, "tenant-prop", chain.AllEntries())
			if err != nil {
				return false
			}
			if err := store.Delete(ctx, "tenant-prop", entries[target].Sequence); err != nil {
				return false
			}
			tampered := entries[target]
			tampered.Payload = []byte(`{"tampered":true}`)
			if err := store.Append(ctx, "tenant-prop", tampered); err != nil {
				return false
			}

			report, err := chain.NewVerifier(store).Verify(ctx, "tenant-prop", chain.VerifyOptions{})
			if err != nil {
				return false
			}
			if report.Valid {
				return false
			}
			for _, issue := range report.Issues {
				if issue.Type == chain.IssueHashMismatch && issue.Severity == chain.SeverityCritical {
					return true
				}
			}
			return false
		},
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
