package payment_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/inventory-saga/internal/payment"
	"github.com/jcmexdev/inventory-saga/internal/payment/gateway"
	"github.com/jcmexdev/inventory-saga/internal/store/sqlite"
	"github.com/jcmexdev/inventory-saga/internal/wal"
)

func newService(t *testing.T, gw payment.Gateway, opts ...payment.Option) (*payment.Service, *wal.Service) {
	t.Helper()
	s, journal, _ := newServiceWithRepo(t, gw, func(r payment.Repository) payment.Repository { return r }, opts...)
	return s, journal
}

func newServiceWithRepo(t *testing.T, gw payment.Gateway, wrap func(payment.Repository) payment.Repository, opts ...payment.Option) (*payment.Service, *wal.Service, payment.Repository) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "payments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	journal := wal.NewService(db.WAL(), nil)
	repo := db.Payments()
	return payment.NewService(wrap(repo), gw, journal, nil, opts...), journal, repo
}

// lossyRepo refuses to store a COMPLETED payment.
type lossyRepo struct {
	payment.Repository
}

func (r lossyRepo) Update(ctx context.Context, p *payment.Payment, expected payment.Status) error {
	if p.Status == payment.StatusCompleted {
		return errors.New("disk full")
	}
	return r.Repository.Update(ctx, p, expected)
}

// refundlessGateway charges normally but never answers a refund.
type refundlessGateway struct {
	*gateway.Mock
}

func (refundlessGateway) RefundPayment(context.Context, string) (bool, error) {
	return false, errors.New("gateway unreachable")
}

func request(amount int64) payment.ProcessRequest {
	return payment.ProcessRequest{
		OrderID:       "ORD-1",
		ReservationID: "RES-1",
		CustomerID:    "C1",
		Amount:        amount,
		Currency:      "USD",
		Method:        "card",
	}
}

func TestService_ProcessAndRefund(t *testing.T) {
	gw := gateway.NewMock()
	s, journal := newService(t, gw)
	ctx := context.Background()

	p, err := s.Process(ctx, "TX1", request(1_000))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, p.Status)
	assert.NotEmpty(t, p.GatewayTransactionID)
	assert.Equal(t, 1, gw.Charged())

	refunded, err := s.Refund(ctx, "TX1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, refunded.Status)
	assert.Zero(t, gw.Charged())

	_, err = s.Refund(ctx, "TX1", p.ID)
	require.NoError(t, err)

	byOrder, err := s.FindByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, byOrder.Status)

	pending, err := journal.FindPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestService_Declined(t *testing.T) {
	s, journal := newService(t, gateway.NewMock(gateway.WithDeclinedCustomers("C1")))
	ctx := context.Background()

	p, err := s.Process(ctx, "TX1", request(1_000))
	require.ErrorIs(t, err, payment.ErrDeclined)
	require.NotNil(t, p)
	assert.Equal(t, payment.StatusFailed, p.Status)
	assert.Contains(t, p.FailureReason, "card declined")

	stored, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, stored.Status)

	entries, err := journal.FindByTransaction(ctx, "TX1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, wal.StatusFailed, entries[0].Status)
	assert.Equal(t, "PAYMENT_PROCESS_FAILED", entries[1].Operation)

	_, err = s.Refund(ctx, "TX1", p.ID)
	assert.ErrorIs(t, err, payment.ErrInvalidState)
}

func TestService_GatewayTimeoutIsADecline(t *testing.T) {
	gw := gateway.NewMock(gateway.WithDelay(time.Second))
	s, _ := newService(t, gw, payment.WithTimeout(20*time.Millisecond))

	p, err := s.Process(context.Background(), "TX1", request(1_000))
	require.ErrorIs(t, err, payment.ErrDeclined)
	assert.Contains(t, p.FailureReason, "gateway timeout")
	assert.Zero(t, gw.Charged())
}

func TestService_AmountAboveLimitDeclined(t *testing.T) {
	s, _ := newService(t, gateway.NewMock(gateway.WithDeclineAbove(500)))
	_, err := s.Process(context.Background(), "TX1", request(501))
	assert.ErrorIs(t, err, payment.ErrDeclined)
}

func TestService_RefundFailureKeepsPaymentCompleted(t *testing.T) {
	gw := gateway.NewMock()
	s, _ := newService(t, gw)
	ctx := context.Background()

	p, err := s.Process(ctx, "TX1", request(1_000))
	require.NoError(t, err)

	gw.SetUnreachable(true)
	_, err = s.Refund(ctx, "TX1", p.ID)
	require.Error(t, err)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, got.Status)
}

func TestService_MarkFailed(t *testing.T) {
	gw := gateway.NewMock()
	s, _ := newService(t, gw)
	ctx := context.Background()

	p, err := s.Process(ctx, "TX1", request(1_000))
	require.NoError(t, err)

	// Only PROCESSING payments are touched.
	got, err := s.MarkFailed(ctx, p.ID, "recovery")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, got.Status)
}

func TestService_UnrecordedChargeIsRefunded(t *testing.T) {
	gw := gateway.NewMock()
	s, journal, repo := newServiceWithRepo(t, gw, func(r payment.Repository) payment.Repository { return lossyRepo{r} })
	ctx := context.Background()

	p, err := s.Process(ctx, "TX1", request(1_000))
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Zero(t, gw.Charged())

	stored, err := repo.FindByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, stored.Status)

	entries, err := journal.FindByTransaction(ctx, "TX1")
	require.NoError(t, err)
	var refundDone bool
	for _, e := range entries {
		if e.Operation == wal.KindPaymentRefund.Complete() {
			refundDone = true
			assert.NotEmpty(t, e.EntityID(wal.KeyGatewayTxID))
		}
	}
	assert.True(t, refundDone)

	pending, err := journal.FindPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestService_UnrecordedChargeRefundFailureLeftPending(t *testing.T) {
	gw := refundlessGateway{gateway.NewMock()}
	s, journal, _ := newServiceWithRepo(t, gw, func(r payment.Repository) payment.Repository { return lossyRepo{r} })
	ctx := context.Background()

	_, err := s.Process(ctx, "TX1", request(1_000))
	require.Error(t, err)
	assert.Equal(t, 1, gw.Charged())

	pending, err := journal.FindPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, wal.KindPaymentRefund, pending[0].Kind())
	assert.NotEmpty(t, pending[0].EntityID(wal.KeyGatewayTxID))
}
