package readiness

import (
	"context"
	"fmt"

	"github.com/mergeflow/mergeflow/pkg/chain"
)

// CheckFunc adapts a plain probe function into a Check.
type CheckFunc struct {
	CheckID       string
	CheckName     string
	CheckCategory string
	IsRequired    bool
	Probe         func(ctx context.Context) error
}

func (c CheckFunc) ID() string       { return c.CheckID }
func (c CheckFunc) Name() string     { return c.CheckName }
func (c CheckFunc) Category() string { return c.CheckCategory }
func (c CheckFunc) Required() bool   { return c.IsRequired }

func (c CheckFunc) Run(ctx context.Context) CheckResult {
	if err := c.Probe(ctx); err != nil {
		return CheckResult{Pass: false, Reasons: []string{err.Error()}}
	}
	return CheckResult{Pass: true}
}

// NewProbeCheck wraps a ping-style probe, typically a store or
// adapter health call.
func NewProbeCheck(id, name, category string, required bool, probe func(ctx context.Context) error) Check {
	return CheckFunc{
		CheckID:       id,
		CheckName:     name,
		CheckCategory: category,
		IsRequired:    required,
		Probe:         probe,
	}
}

// ChainIntegrityCheck verifies the audit chains of the given tenants.
// A single broken chain fails the check.
type ChainIntegrityCheck struct {
	verifier *chain.Verifier
	tenants  func(ctx context.Context) ([]string, error)
}

// NewChainIntegrityCheck builds the check. The tenants function
// supplies the tenant IDs to verify, usually from the tenant store.
func NewChainIntegrityCheck(verifier *chain.Verifier, tenants func(ctx context.Context) ([]string, error)) *ChainIntegrityCheck {
	return &ChainIntegrityCheck{verifier: verifier, tenants: tenants}
}

func (c *ChainIntegrityCheck) ID() string       { return "chain-integrity" }
func (c *ChainIntegrityCheck) Name() string     { return "Audit chain integrity" }
func (c *ChainIntegrityCheck) Category() string { return CategorySecurity }
func (c *ChainIntegrityCheck) Required() bool   { return true }

func (c *ChainIntegrityCheck) Run(ctx context.Context) CheckResult {
	tenantIDs, err := c.tenants(ctx)
	if err != nil {
		return CheckResult{Pass: false, Reasons: []string{fmt.Sprintf("failed to list tenants: %v", err)}}
	}

	result := CheckResult{Pass: true, Details: map[string]any{"tenantsVerified": len(tenantIDs)}}
	for _, id := range tenantIDs {
		valid, err := c.verifier.IsChainValid(ctx, id)
		if err != nil {
			result.Pass = false
			result.Reasons = append(result.Reasons, fmt.Sprintf("tenant %s: verification failed: %v", id, err))
			continue
		}
		if !valid {
			result.Pass = false
			result.Reasons = append(result.Reasons, fmt.Sprintf("tenant %s: chain integrity violated", id))
		}
	}
	return result
}
