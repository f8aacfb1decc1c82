// Package gateway provides payment.Gateway implementations: an in-process
// Mock for local runs and tests, and an HTTP client for a real provider.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/inventory-saga/internal/payment"
)

// DefaultDeclineAbove is the amount, in minor units, above which Mock
// declines a charge.
const DefaultDeclineAbove int64 = 50_000

// Mock approves every charge up to a limit and remembers charges so they can
// be refunded.
type Mock struct {
	mu           sync.Mutex
	charges      map[string]payment.ChargeRequest
	declineAbove int64
	delay        time.Duration
	failing      map[string]bool
	unreachable  bool
}

type MockOption func(*Mock)

// WithDelay makes every call wait d or until the context is done.
func WithDelay(d time.Duration) MockOption {
	return func(m *Mock) { m.delay = d }
}

func WithDeclineAbove(amount int64) MockOption {
	return func(m *Mock) { m.declineAbove = amount }
}

// WithDeclinedCustomers declines every charge of the given customers.
func WithDeclinedCustomers(customerIDs ...string) MockOption {
	return func(m *Mock) {
		for _, id := range customerIDs {
			m.failing[id] = true
		}
	}
}

func NewMock(opts ...MockOption) *Mock {
	m := &Mock{
		charges:      make(map[string]payment.ChargeRequest),
		declineAbove: DefaultDeclineAbove,
		failing:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetUnreachable makes subsequent calls fail with a transport error.
func (m *Mock) SetUnreachable(v bool) {
	m.mu.Lock()
	m.unreachable = v
	m.mu.Unlock()
}

func (m *Mock) ProcessPayment(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	if err := m.wait(ctx); err != nil {
		return payment.ChargeResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable {
		return payment.ChargeResult{}, fmt.Errorf("gateway: connection refused")
	}

	slog.DebugContext(ctx, "mock gateway charge", "payment_id", req.PaymentID, "amount", req.Amount)

	if m.failing[req.CustomerID] {
		return payment.ChargeResult{ErrorMessage: "card declined"}, nil
	}
	if m.declineAbove > 0 && req.Amount > m.declineAbove {
		return payment.ChargeResult{ErrorMessage: fmt.Sprintf("amount %d exceeds limit", req.Amount)}, nil
	}

	gatewayTxID := "MOCK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
	m.charges[gatewayTxID] = req
	return payment.ChargeResult{
		Success:              true,
		GatewayTransactionID: gatewayTxID,
		ApprovalCode:         gatewayTxID[len(gatewayTxID)-6:],
	}, nil
}

func (m *Mock) RefundPayment(ctx context.Context, gatewayTransactionID string) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unreachable {
		return false, fmt.Errorf("gateway: connection refused")
	}
	if _, ok := m.charges[gatewayTransactionID]; !ok {
		slog.WarnContext(ctx, "mock gateway refund of unknown charge", "gateway_tx_id", gatewayTransactionID)
		return true, nil
	}
	delete(m.charges, gatewayTransactionID)
	return true, nil
}

// Charged reports the number of outstanding (not refunded) charges.
func (m *Mock) Charged() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.charges)
}

func (m *Mock) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
