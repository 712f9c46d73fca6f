// Package readiness implements the launch readiness gate: a
// category-scored checklist over automated probes and manually
// attested items. The checklist decides whether a deployment is
// ready to take tenant traffic.
package readiness

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// Categories group checklist items. Scores are reported per category
// and rolled up into an overall percentage.
const (
	CategoryReliability   = "reliability"
	CategorySecurity      = "security"
	CategoryObservability = "observability"
	CategoryBilling       = "billing"
	CategoryOperations    = "operations"
)

// Check is one automated readiness probe.
type Check interface {
	// ID returns the stable check identifier (e.g. "chain-integrity").
	ID() string

	// Name returns a human-readable name.
	Name() string

	// Category returns the category the check scores under.
	Category() string

	// Required marks checks that must pass for the gate to open,
	// regardless of the overall score.
	Required() bool

	// Run executes the probe. It must not panic; failures are
	// expressed through the returned result.
	Run(ctx context.Context) CheckResult
}

// CheckResult is the outcome of a single automated check.
type CheckResult struct {
	CheckID    string         `json:"checkId"`
	Pass       bool           `json:"pass"`
	Reasons    []string       `json:"reasons,omitempty"`
	DurationMS int64          `json:"durationMs"`
	Details    map[string]any `json:"details,omitempty"`
}

// ManualItem is a checklist entry a human has to attest to, such as
// an on-call rotation or a signed data-processing agreement.
type ManualItem struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Category    string     `json:"category"`
	Required    bool       `json:"required"`
	Description string     `json:"description,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedBy string     `json:"completedBy,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// ItemStatus is the per-item line in a report, uniform across
// automated and manual entries.
type ItemStatus struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Kind     string   `json:"kind"` // "automated" or "manual"
	Required bool     `json:"required"`
	Pass     bool     `json:"pass"`
	Reasons  []string `json:"reasons,omitempty"`
}

// CategoryScore aggregates the items of one category.
type CategoryScore struct {
	Category string       `json:"category"`
	Score    int          `json:"score"` // 0..100
	Passed   int          `json:"passed"`
	Total    int          `json:"total"`
	Items    []ItemStatus `json:"items"`
}

// Report is the result of evaluating the full checklist.
type Report struct {
	GeneratedAt   time.Time       `json:"generatedAt"`
	Ready         bool            `json:"ready"`
	OverallScore  int             `json:"overallScore"` // 0..100
	MinScore      int             `json:"minScore"`
	Categories    []CategoryScore `json:"categories"`
	FailedRequire []string        `json:"failedRequired,omitempty"`
}

// DefaultMinScore is the overall percentage the checklist must reach
// before the gate opens, on top of every required item passing.
const DefaultMinScore = 90

// Checklist runs automated checks in registration order, merges in
// manual attestations, and scores the result per category.
type Checklist struct {
	mu       sync.Mutex
	checks   map[string]Check
	ordered  []string
	manual   map[string]*ManualItem
	manualID []string
	minScore int
	now      func() time.Time
}

// NewChecklist creates an empty checklist with the default minimum
// score.
func NewChecklist() *Checklist {
	return &Checklist{
		checks:   make(map[string]Check),
		manual:   make(map[string]*ManualItem),
		minScore: DefaultMinScore,
		now:      time.Now,
	}
}

// WithMinScore overrides the overall score threshold.
func (c *Checklist) WithMinScore(score int) *Checklist {
	c.minScore = score
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Checklist) WithClock(now func() time.Time) *Checklist {
	c.now = now
	return c
}

// RegisterCheck adds an automated check. Checks run in registration
// order; re-registering an ID replaces the check in place.
func (c *Checklist) RegisterCheck(chk Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := chk.ID()
	if _, exists := c.checks[id]; !exists {
		c.ordered = append(c.ordered, id)
	}
	c.checks[id] = chk
}

// RegisterManual adds a manual checklist item, initially incomplete.
func (c *Checklist) RegisterManual(item ManualItem) error {
	if item.ID == "" || item.Category == "" {
		return fault.New(fault.CodeInvalidInput, "manual item requires an id and a category")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.manual[item.ID]; !exists {
		c.manualID = append(c.manualID, item.ID)
	}
	item.Completed = false
	item.CompletedBy = ""
	item.CompletedAt = nil
	c.manual[item.ID] = &item
	return nil
}

// Complete marks a manual item as attested.
func (c *Checklist) Complete(id, by, notes string) error {
	if by == "" {
		return fault.New(fault.CodeInvalidInput, "manual completion requires an attester")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.manual[id]
	if !ok {
		return fault.Newf(fault.CodeCheckNotFound, "manual item %s is not registered", id)
	}
	at := c.now().UTC()
	item.Completed = true
	item.CompletedBy = by
	item.CompletedAt = &at
	item.Notes = notes
	return nil
}

// Reset clears a manual item's attestation, for example after the
// attested fact changed.
func (c *Checklist) Reset(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.manual[id]
	if !ok {
		return fault.Newf(fault.CodeCheckNotFound, "manual item %s is not registered", id)
	}
	item.Completed = false
	item.CompletedBy = ""
	item.CompletedAt = nil
	item.Notes = ""
	return nil
}

// ManualItems returns the registered manual items in registration
// order.
func (c *Checklist) ManualItems() []ManualItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ManualItem, 0, len(c.manualID))
	for _, id := range c.manualID {
		out = append(out, *c.manual[id])
	}
	return out
}

// Evaluate runs every automated check, folds in the manual items, and
// scores the checklist. The gate is ready when every required item
// passes and the overall score reaches the minimum.
func (c *Checklist) Evaluate(ctx context.Context) (Report, error) {
	c.mu.Lock()
	ordered := append([]string(nil), c.ordered...)
	checks := make(map[string]Check, len(c.checks))
	for id, chk := range c.checks {
		checks[id] = chk
	}
	manual := make([]ManualItem, 0, len(c.manualID))
	for _, id := range c.manualID {
		manual = append(manual, *c.manual[id])
	}
	minScore := c.minScore
	now := c.now
	c.mu.Unlock()

	if len(ordered) == 0 && len(manual) == 0 {
		return Report{}, fault.New(fault.CodeMisconfigured, "checklist has no items")
	}

	byCategory := make(map[string]*CategoryScore)
	var failedRequired []string

	record := func(category string, st ItemStatus) {
		cs, ok := byCategory[category]
		if !ok {
			cs = &CategoryScore{Category: category}
			byCategory[category] = cs
		}
		cs.Total++
		if st.Pass {
			cs.Passed++
		} else if st.Required {
			failedRequired = append(failedRequired, st.ID)
		}
		cs.Items = append(cs.Items, st)
	}

	for _, id := range ordered {
		chk := checks[id]
		started := now()
		result := runCheck(ctx, chk)
		result.CheckID = id
		result.DurationMS = now().Sub(started).Milliseconds()
		record(chk.Category(), ItemStatus{
			ID:       id,
			Name:     chk.Name(),
			Kind:     "automated",
			Required: chk.Required(),
			Pass:     result.Pass,
			Reasons:  result.Reasons,
		})
	}

	for _, item := range manual {
		st := ItemStatus{
			ID:       item.ID,
			Name:     item.Name,
			Kind:     "manual",
			Required: item.Required,
			Pass:     item.Completed,
		}
		if !item.Completed {
			st.Reasons = []string{"not yet attested"}
		}
		record(item.Category, st)
	}

	categories := make([]CategoryScore, 0, len(byCategory))
	passed, total := 0, 0
	for _, cs := range byCategory {
		cs.Score = percent(cs.Passed, cs.Total)
		passed += cs.Passed
		total += cs.Total
		categories = append(categories, *cs)
	}
	sort.Slice(categories, func(i, j int) bool {
		return categories[i].Category < categories[j].Category
	})
	sort.Strings(failedRequired)

	overall := percent(passed, total)
	return Report{
		GeneratedAt:   now().UTC(),
		Ready:         len(failedRequired) == 0 && overall >= minScore,
		OverallScore:  overall,
		MinScore:      minScore,
		Categories:    categories,
		FailedRequire: failedRequired,
	}, nil
}

// IsReady is the gate decision without the full report.
func (c *Checklist) IsReady(ctx context.Context) (bool, error) {
	report, err := c.Evaluate(ctx)
	if err != nil {
		return false, err
	}
	return report.Ready, nil
}

func runCheck(ctx context.Context, chk Check) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{
				Pass:    false,
				Reasons: []string{fmt.Sprintf("check panicked: %v", r)},
			}
		}
	}()
	return chk.Run(ctx)
}

func percent(passed, total int) int {
	if total == 0 {
		return 0
	}
	return passed * 100 / total
}
