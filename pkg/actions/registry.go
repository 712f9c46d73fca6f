package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// Registry stores action policies per tenant and resolves trigger
// matches. CEL match expressions are compiled once at registration.
type Registry struct {
	mu       sync.RWMutex
	actions  map[string]Action
	programs map[string]cel.Program
	env      *cel.Env
	newID    func() string
}

// NewRegistry creates an empty registry.
func NewRegistry() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("alert", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fault.Wrap(fault.CodeMisconfigured, err)
	}
	return &Registry{
		actions:  make(map[string]Action),
		programs: make(map[string]cel.Program),
		env:      env,
		newID:    uuid.NewString,
	}, nil
}

// WithIDGenerator overrides action ID generation. Test hook.
func (r *Registry) WithIDGenerator(gen func() string) *Registry {
	r.newID = gen
	return r
}

// Register validates and stores a new action, assigning its ID.
func (r *Registry) Register(ctx context.Context, a Action) (Action, error) {
	if err := r.validate(a); err != nil {
		return Action{}, err
	}
	a.ID = r.newID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.compileTriggers(a); err != nil {
		return Action{}, err
	}
	r.actions[a.ID] = a
	return a, nil
}

// Update replaces an existing action.
func (r *Registry) Update(ctx context.Context, a Action) error {
	if a.ID == "" {
		return fault.Newf(fault.CodeInvalidInput, "action update requires an id")
	}
	if err := r.validate(a); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[a.ID]; !ok {
		return fault.Newf(fault.CodeActionNotFound, "action %s not found", a.ID)
	}
	if err := r.compileTriggers(a); err != nil {
		return err
	}
	r.actions[a.ID] = a
	return nil
}

// Delete removes an action.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[id]; !ok {
		return fault.Newf(fault.CodeActionNotFound, "action %s not found", id)
	}
	delete(r.actions, id)
	return nil
}

// Get loads one action.
func (r *Registry) Get(ctx context.Context, id string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[id]
	if !ok {
		return Action{}, fault.Newf(fault.CodeActionNotFound, "action %s not found", id)
	}
	return a, nil
}

// List returns a tenant's actions ordered by ID.
func (r *Registry) List(ctx context.Context, tenantID string) ([]Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Action
	for _, a := range r.actions {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindMatchingActions returns the tenant's enabled actions with at
// least one trigger matching the alert and trigger type. All specified
// filters of a trigger must pass.
func (r *Registry) FindMatchingActions(ctx context.Context, alert Alert, triggerType string) ([]Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Match
	for _, a := range r.actions {
		if !a.Enabled || a.TenantID != alert.TenantID {
			continue
		}
		for _, tr := range a.Triggers {
			if tr.Type != triggerType || !tr.matchesFilters(alert) {
				continue
			}
			if tr.MatchExpression != "" {
				ok, err := r.evalLocked(tr.MatchExpression, alert)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			out = append(out, Match{Action: a, Trigger: tr})
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action.ID < out[j].Action.ID })
	return out, nil
}

// Match pairs an action with the trigger that selected it.
type Match struct {
	Action  Action
	Trigger Trigger
}

func (r *Registry) validate(a Action) error {
	if a.TenantID == "" {
		return fault.Newf(fault.CodeInvalidInput, "action requires a tenant id")
	}
	if a.Type == "" {
		return fault.Newf(fault.CodeInvalidInput, "action requires a type")
	}
	if len(a.Triggers) == 0 {
		return fault.Newf(fault.CodeInvalidInput, "action requires at least one trigger")
	}
	for _, tr := range a.Triggers {
		if tr.Type == "" {
			return fault.Newf(fault.CodeInvalidInput, "trigger requires a type")
		}
		if tr.DelaySeconds < 0 {
			return fault.Newf(fault.CodeInvalidInput, "trigger delay must not be negative")
		}
	}
	return nil
}

// compileTriggers caches CEL programs for every match expression the
// action carries. Caller holds the write lock.
func (r *Registry) compileTriggers(a Action) error {
	for _, tr := range a.Triggers {
		if tr.MatchExpression == "" {
			continue
		}
		if _, ok := r.programs[tr.MatchExpression]; ok {
			continue
		}
		ast, issues := r.env.Compile(tr.MatchExpression)
		if issues != nil && issues.Err() != nil {
			return fault.Newf(fault.CodeInvalidInput, "invalid match expression %q: %v", tr.MatchExpression, issues.Err())
		}
		prg, err := r.env.Program(ast)
		if err != nil {
			return fault.Newf(fault.CodeInvalidInput, "invalid match expression %q: %v", tr.MatchExpression, err)
		}
		r.programs[tr.MatchExpression] = prg
	}
	return nil
}

// evalLocked evaluates a compiled match expression. Caller holds at
// least the read lock.
func (r *Registry) evalLocked(expr string, alert Alert) (bool, error) {
	prg, ok := r.programs[expr]
	if !ok {
		return false, fault.Newf(fault.CodeMisconfigured, "match expression %q was never compiled", expr)
	}
	labels := map[string]any{}
	for k, v := range alert.Labels {
		labels[k] = v
	}
	out, _, err := prg.Eval(map[string]any{
		"alert": map[string]any{
			"id":       alert.ID,
			"tenantId": alert.TenantID,
			"ruleId":   alert.RuleID,
			"severity": alert.Severity,
			"labels":   labels,
			"summary":  alert.Summary,
		},
	})
	if err != nil {
		return false, fault.Newf(fault.CodeInvalidInput, "match expression %q failed: %v", expr, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fault.Newf(fault.CodeInvalidInput, "match expression %q must evaluate to bool", expr)
	}
	return matched, nil
}
