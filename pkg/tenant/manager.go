package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mergeflow/mergeflow/pkg/chain"
	"github.com/mergeflow/mergeflow/pkg/fault"
	"github.com/mergeflow/mergeflow/pkg/metering"
)

// UsageSource reports a tenant's current consumption for plan change
// validation and static entitlement dimensions.
type UsageSource interface {
	Usage(ctx context.Context, tenantID string) (Usage, error)
}

// UsageFunc adapts a function to UsageSource.
type UsageFunc func(ctx context.Context, tenantID string) (Usage, error)

func (f UsageFunc) Usage(ctx context.Context, tenantID string) (Usage, error) {
	return f(ctx, tenantID)
}

// lifecycleRecorder appends lifecycle events to the tenant's
// tamper-evident chain. chain.Chain satisfies it.
type lifecycleRecorder interface {
	Append(ctx context.Context, tenantID string, payload any) (chain.Entry, error)
}

// Manager drives tenant lifecycle and plan changes.
type Manager struct {
	store    Store
	usage    UsageSource
	recorder lifecycleRecorder
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithUsageSource wires a usage provider for plan change validation.
func WithUsageSource(u UsageSource) ManagerOption {
	return func(m *Manager) { m.usage = u }
}

// WithLifecycleRecorder wires lifecycle events into a chain appender.
func WithLifecycleRecorder(r lifecycleRecorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides tenant ID generation.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates a tenant manager over store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRequest describes a new installation.
type CreateRequest struct {
	OrgID          string
	OrgLogin       string
	DisplayName    string
	InstallationID int64
	InstalledBy    string
	Plan           string
}

// Create provisions a tenant with status active and initialized
// counters, and records the lifecycle event.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Tenant, error) {
	if req.OrgID == "" || req.OrgLogin == "" {
		return Tenant{}, fault.Newf(fault.CodeInvalidInput, "tenant requires org id and login")
	}
	plan := req.Plan
	if plan == "" {
		plan = PlanFree
	}
	limits, ok := LimitsForPlan(plan)
	if !ok {
		return Tenant{}, fault.Newf(fault.CodeInvalidInput, "unknown plan %q", plan)
	}

	now := m.now().UTC()
	t := Tenant{
		ID:             m.newID(),
		OrgID:          req.OrgID,
		OrgLogin:       req.OrgLogin,
		DisplayName:    req.DisplayName,
		InstallationID: req.InstallationID,
		InstalledBy:    req.InstalledBy,
		Plan:           plan,
		PlanLimits:     limits,
		Status:         StatusActive,
		RunsThisMonth:  0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return Tenant{}, err
	}
	m.record(ctx, t.ID, map[string]any{
		"event": "tenant_created",
		"plan":  plan,
		"by":    req.InstalledBy,
	})
	m.logger.Info("tenant created",
		slog.String("tenantId", t.ID),
		slog.String("orgLogin", t.OrgLogin),
		slog.String("plan", plan))
	return t, nil
}

// Get loads a tenant.
func (m *Manager) Get(ctx context.Context, id string) (Tenant, error) {
	return m.store.Get(ctx, id)
}

// Suspend moves an active tenant to suspended.
func (m *Manager) Suspend(ctx context.Context, id, reason, by string) (Tenant, error) {
	return m.transition(ctx, id, StatusSuspended, []Status{StatusActive}, map[string]any{
		"event":  "tenant_suspended",
		"reason": reason,
		"by":     by,
	})
}

// Activate moves a suspended or paused tenant back to active.
func (m *Manager) Activate(ctx context.Context, id string) (Tenant, error) {
	return m.transition(ctx, id, StatusActive, []Status{StatusSuspended, StatusPaused}, map[string]any{
		"event": "tenant_activated",
	})
}

// Pause moves an active tenant to paused.
func (m *Manager) Pause(ctx context.Context, id, by string) (Tenant, error) {
	return m.transition(ctx, id, StatusPaused, []Status{StatusActive}, map[string]any{
		"event": "tenant_paused",
		"by":    by,
	})
}

// Delete soft-deletes to deactivated; the tenant remains recoverable.
func (m *Manager) Delete(ctx context.Context, id, by string) (Tenant, error) {
	return m.transition(ctx, id, StatusDeactivated,
		[]Status{StatusActive, StatusPaused, StatusSuspended}, map[string]any{
			"event": "tenant_deactivated",
			"by":    by,
		})
}

// HardDelete permanently removes a tenant. The confirmation token must
// equal the tenant id.
func (m *Manager) HardDelete(ctx context.Context, id, confirmToken string) error {
	if confirmToken != id {
		return fault.Newf(fault.CodeInvalidInput, "hard delete refused: confirmation token does not match tenant id")
	}
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	if err := m.store.Remove(ctx, id); err != nil {
		return err
	}
	m.logger.Warn("tenant hard-deleted", slog.String("tenantId", id))
	return nil
}

// planDimension is one limit walked during plan change validation.
type planDimension struct {
	current int64
	limit   func(metering.Limits) int64
	// noun phrased so the refusal reads naturally.
	noun string
}

// ChangePlan validates current usage against the target plan's limits
// and applies the change only if every dimension fits.
func (m *Manager) ChangePlan(ctx context.Context, id, newPlan string) (Tenant, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	limits, ok := LimitsForPlan(newPlan)
	if !ok {
		return Tenant{}, fault.Newf(fault.CodeInvalidInput, "unknown plan %q", newPlan)
	}

	usage := Usage{RunsThisMonth: t.RunsThisMonth}
	if m.usage != nil {
		usage, err = m.usage.Usage(ctx, id)
		if err != nil {
			return Tenant{}, err
		}
	}
	dims := []planDimension{
		{usage.Repos, func(l metering.Limits) int64 { return l.Repos }, "active repos"},
		{usage.Members, func(l metering.Limits) int64 { return l.Members }, "members"},
		{usage.RunsThisMonth, func(l metering.Limits) int64 { return l.RunsPerMonth }, "runs this month"},
	}
	for _, d := range dims {
		if limit := d.limit(limits); limit > 0 && d.current > limit {
			return Tenant{}, fault.Newf(fault.CodeQuotaExceeded,
				"%d %s exceeds limit of %d", d.current, d.noun, limit)
		}
	}

	oldPlan := t.Plan
	t.Plan = newPlan
	t.PlanLimits = limits
	t.UpdatedAt = m.now().UTC()
	if err := m.store.Update(ctx, t); err != nil {
		return Tenant{}, err
	}
	m.record(ctx, id, map[string]any{
		"event": "plan_changed",
		"from":  oldPlan,
		"to":    newPlan,
	})
	m.logger.Info("tenant plan changed",
		slog.String("tenantId", id),
		slog.String("from", oldPlan),
		slog.String("to", newPlan))
	return t, nil
}

func (m *Manager) transition(ctx context.Context, id string, to Status, from []Status, event map[string]any) (Tenant, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	allowed := false
	for _, s := range from {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return Tenant{}, fault.Newf(fault.CodeInvalidTransition,
			"tenant %s cannot move from %s to %s", id, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = m.now().UTC()
	if err := m.store.Update(ctx, t); err != nil {
		return Tenant{}, err
	}
	m.record(ctx, id, event)
	return t, nil
}

func (m *Manager) record(ctx context.Context, tenantID string, payload map[string]any) {
	if m.recorder == nil {
		return
	}
	if _, err := m.recorder.Append(ctx, tenantID, payload); err != nil {
		// Lifecycle proceeds even if the chain append fails; the
		// failure itself is logged for the operator.
		m.logger.Error("failed to record tenant lifecycle event",
			slog.String("tenantId", tenantID),
			slog.String("error", err.Error()))
	}
}

// Limits implements metering.LimitsSource from the tenant's current
// plan.
func (m *Manager) Limits(ctx context.Context, tenantID string) (metering.Limits, error) {
	t, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return metering.Limits{}, err
	}
	return t.PlanLimits, nil
}

// SetPlan implements metering.PlanUpdater for the payment bridge. A
// payment-driven plan change applies directly: billing already
// happened, so it is never blocked on usage.
func (m *Manager) SetPlan(ctx context.Context, tenantID, plan string) error {
	t, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	limits, ok := LimitsForPlan(plan)
	if !ok {
		return fault.Newf(fault.CodeInvalidInput, "unknown plan %q", plan)
	}
	t.Plan = plan
	t.PlanLimits = limits
	t.UpdatedAt = m.now().UTC()
	if err := m.store.Update(ctx, t); err != nil {
		return err
	}
	m.record(ctx, tenantID, map[string]any{"event": "plan_changed", "to": plan, "source": "payment"})
	return nil
}

// PlanBridge adapts a Manager to metering.PlanUpdater so payment
// events can drive tenant state.
type PlanBridge struct {
	m *Manager
}

// NewPlanBridge wraps a Manager for the payment bridge.
func NewPlanBridge(m *Manager) *PlanBridge { return &PlanBridge{m: m} }

func (b *PlanBridge) SetPlan(ctx context.Context, tenantID, plan string) error {
	return b.m.SetPlan(ctx, tenantID, plan)
}

func (b *PlanBridge) Suspend(ctx context.Context, tenantID, reason string) error {
	_, err := b.m.Suspend(ctx, tenantID, reason, "payment-bridge")
	return err
}

// Activate reactivates after a successful payment; an already active
// tenant is a no-op.
func (b *PlanBridge) Activate(ctx context.Context, tenantID string) error {
	t, err := b.m.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.Status == StatusActive {
		return nil
	}
	_, err = b.m.Activate(ctx, tenantID)
	return err
}

// StaticUsage is a metering.StaticUsageFunc resolving repos and
// members, the dimensions that are not usage events.
func (m *Manager) StaticUsage(ctx context.Context, tenantID, resource string) (int64, bool, error) {
	if m.usage == nil {
		return 0, false, nil
	}
	switch resource {
	case metering.ResourceRepos, metering.ResourceMembers:
	default:
		return 0, false, nil
	}
	u, err := m.usage.Usage(ctx, tenantID)
	if err != nil {
		return 0, false, fmt.Errorf("tenant: failed to resolve usage: %w", err)
	}
	if resource == metering.ResourceRepos {
		return u.Repos, true, nil
	}
	return u.Members, true, nil
}
