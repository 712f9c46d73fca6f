package metering

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// Payment provider event types the bridge understands.
const (
	PaymentSubscriptionCreated = "customer.subscription.created"
	PaymentSubscriptionUpdated = "customer.subscription.updated"
	PaymentInvoicePaid         = "invoice.paid"
	PaymentInvoiceFailed       = "invoice.payment_failed"
)

// PaymentEvent is a normalized payment-provider webhook event.
type PaymentEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TenantID string `json:"tenantId"`
	Plan     string `json:"plan,omitempty"`
}

// PlanUpdater applies subscription changes to tenant state.
type PlanUpdater interface {
	SetPlan(ctx context.Context, tenantID, plan string) error
	Suspend(ctx context.Context, tenantID, reason string) error
	Activate(ctx context.Context, tenantID string) error
}

// Bridge projects payment-provider subscription lifecycle events onto
// tenant plan state. Processing is idempotent on the event id: a replayed
// webhook is acknowledged without reapplying its effect.
type Bridge struct {
	updater PlanUpdater
	logger  *slog.Logger

	mu        sync.Mutex
	processed map[string]bool
}

// NewBridge creates a payment bridge.
func NewBridge(updater PlanUpdater, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{updater: updater, logger: logger, processed: make(map[string]bool)}
}

// Handle applies one payment event. Unknown event types are acknowledged
// and ignored.
func (b *Bridge) Handle(ctx context.Context, e PaymentEvent) error {
	if e.ID == "" {
		return fault.Newf(fault.CodeInvalidInput, "payment event requires an id")
	}
	if e.TenantID == "" {
		return fault.Newf(fault.CodeInvalidInput, "payment event requires a tenant id")
	}

	b.mu.Lock()
	if b.processed[e.ID] {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	var err error
	switch e.Type {
	case PaymentSubscriptionCreated, PaymentSubscriptionUpdated:
		if e.Plan == "" {
			return fault.Newf(fault.CodeInvalidInput, "subscription event %s carries no plan", e.ID)
		}
		err = b.updater.SetPlan(ctx, e.TenantID, e.Plan)
	case PaymentInvoicePaid:
		err = b.updater.Activate(ctx, e.TenantID)
	case PaymentInvoiceFailed:
		err = b.updater.Suspend(ctx, e.TenantID, "payment failed")
	default:
		b.logger.Debug("ignoring payment event", slog.String("type", e.Type), slog.String("id", e.ID))
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.processed[e.ID] = true
	b.mu.Unlock()
	return nil
}
