// Package tenant manages tenant lifecycle, plan assignment, and plan
// limit enforcement. The Manager implements the metering package's
// LimitsSource and PlanUpdater interfaces, so entitlement checks and
// payment-provider events both resolve through it.
package tenant

import (
	"time"

	"github.com/mergeflow/mergeflow/pkg/metering"
)

// Status is the tenant lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusSuspended   Status = "suspended"
	StatusDeactivated Status = "deactivated"
)

// Known reports whether s is a recognized status.
func (s Status) Known() bool {
	switch s {
	case StatusActive, StatusPaused, StatusSuspended, StatusDeactivated:
		return true
	}
	return false
}

// Plan names in the catalog.
const (
	PlanFree       = "free"
	PlanTeam       = "team"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// planCatalog maps plans to their limits. A zero limit is unlimited.
var planCatalog = map[string]metering.Limits{
	PlanFree:       {RunsPerMonth: 50, RunsPerDay: 10, SignalsPerDay: 100, Repos: 3, Members: 3},
	PlanTeam:       {RunsPerMonth: 500, RunsPerDay: 50, SignalsPerDay: 1000, Repos: 10, Members: 15},
	PlanPro:        {RunsPerMonth: 2000, RunsPerDay: 200, SignalsPerDay: 5000, Repos: 50, Members: 50},
	PlanEnterprise: {},
}

// LimitsForPlan returns the catalog limits for a plan.
func LimitsForPlan(plan string) (metering.Limits, bool) {
	l, ok := planCatalog[plan]
	return l, ok
}

// Tenant is one installed organization.
type Tenant struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"orgId"`
	OrgLogin       string          `json:"orgLogin"`
	DisplayName    string          `json:"displayName"`
	InstallationID int64           `json:"installationId"`
	InstalledBy    string          `json:"installedBy"`
	Plan           string          `json:"plan"`
	PlanLimits     metering.Limits `json:"planLimits"`
	Status         Status          `json:"status"`
	RunsThisMonth  int64           `json:"runsThisMonth"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Settings       map[string]any  `json:"settings,omitempty"`
}

// Usage is a point-in-time snapshot of a tenant's consumption across
// plan dimensions.
type Usage struct {
	RunsThisMonth int64
	RunsToday     int64
	SignalsToday  int64
	Repos         int64
	Members       int64
}
