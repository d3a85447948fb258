package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recobra/recobra/internal/billing"
	"github.com/recobra/recobra/internal/shared"
)

type memoryStorage struct {
	receivables map[int64]*billing.Receivable
	paid        map[int64]float64
	updateErr   error
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{
		receivables: make(map[int64]*billing.Receivable),
		paid:        make(map[int64]float64),
	}
}

func (s *memoryStorage) GetReceivable(ctx context.Context, id int64) (*billing.Receivable, error) {
	rec, ok := s.receivables[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return rec, nil
}

func (s *memoryStorage) UpdateReceivableStatusPaid(ctx context.Context, id int64, paidAt time.Time, paidValue float64) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	rec, ok := s.receivables[id]
	if !ok {
		return billing.ErrNotFound
	}
	rec.Status = billing.StatusPaid
	rec.PaidAt = &paidAt
	rec.PaidValue = &paidValue
	s.paid[id] = paidValue
	return nil
}

type fakeERP struct {
	settled []string
	ok      bool
	err     error
}

func (e *fakeERP) SettleReceivable(ctx context.Context, id string, paidAt time.Time, paidValue float64) (bool, error) {
	e.settled = append(e.settled, id)
	return e.ok, e.err
}

type fakeBank struct {
	settled []string
	ok      bool
	err     error
}

func (b *fakeBank) SettleCharge(ctx context.Context, id string) (bool, error) {
	b.settled = append(b.settled, id)
	return b.ok, b.err
}

type fakeAudit struct {
	logs []shared.AuditLog
	err  error
}

func (a *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return a.err
}

func TestSettlePropagatesToBothSystems(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	storage.receivables[1] = &billing.Receivable{
		ID: 1, ERPID: "erp-1", ChargeID: "ch-1", Status: billing.StatusOverdue,
	}
	erp := &fakeERP{ok: true}
	bank := &fakeBank{ok: true}
	audit := &fakeAudit{}

	svc := NewService(storage, erp, bank, audit, nil)
	paidAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := svc.Settle(ctx, Input{ReceivableID: 1, PaidValue: 1500, PaidAt: paidAt, ActorID: 42})
	require.NoError(t, err)

	require.Equal(t, []string{"erp-1"}, erp.settled)
	require.Equal(t, []string{"ch-1"}, bank.settled)
	require.Equal(t, billing.StatusPaid, storage.receivables[1].Status)
	require.Equal(t, 1500.0, *storage.receivables[1].PaidValue)

	require.Len(t, audit.logs, 1)
	require.Equal(t, int64(42), audit.logs[0].ActorID)
	require.Equal(t, "settle", audit.logs[0].Action)
	require.Equal(t, "1", audit.logs[0].EntityID)
}

func TestSettleSkipsAbsentCorrelationIDs(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	storage.receivables[1] = &billing.Receivable{ID: 1, Status: billing.StatusOverdue}
	erp := &fakeERP{ok: true}
	bank := &fakeBank{ok: true}

	svc := NewService(storage, erp, bank, &fakeAudit{}, nil)
	err := svc.Settle(ctx, Input{ReceivableID: 1, PaidValue: 100})
	require.NoError(t, err)
	require.Empty(t, erp.settled)
	require.Empty(t, bank.settled)
	require.Equal(t, billing.StatusPaid, storage.receivables[1].Status)
}

func TestSettleAbortsOnERPFailure(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	storage.receivables[1] = &billing.Receivable{
		ID: 1, ERPID: "erp-1", ChargeID: "ch-1", Status: billing.StatusOverdue,
	}
	erp := &fakeERP{err: errors.New("erp down")}
	bank := &fakeBank{ok: true}

	svc := NewService(storage, erp, bank, &fakeAudit{}, nil)
	err := svc.Settle(ctx, Input{ReceivableID: 1, PaidValue: 100})
	require.Error(t, err)
	require.Empty(t, bank.settled)
	require.Equal(t, billing.StatusOverdue, storage.receivables[1].Status)
}

func TestSettleAbortsWhenUpstreamRejects(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	storage.receivables[1] = &billing.Receivable{ID: 1, ERPID: "erp-1", Status: billing.StatusOverdue}
	erp := &fakeERP{ok: false}

	svc := NewService(storage, erp, &fakeBank{ok: true}, &fakeAudit{}, nil)
	err := svc.Settle(ctx, Input{ReceivableID: 1, PaidValue: 100})
	require.ErrorIs(t, err, ErrSettleRejected)
	require.Equal(t, billing.StatusOverdue, storage.receivables[1].Status)
}

func TestSettleUnknownReceivable(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemoryStorage(), &fakeERP{ok: true}, &fakeBank{ok: true}, &fakeAudit{}, nil)
	err := svc.Settle(ctx, Input{ReceivableID: 9, PaidValue: 100})
	require.ErrorIs(t, err, billing.ErrNotFound)
}

func TestSettleRejectsNonPositiveValue(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	storage.receivables[1] = &billing.Receivable{ID: 1}
	svc := NewService(storage, &fakeERP{ok: true}, &fakeBank{ok: true}, &fakeAudit{}, nil)
	err := svc.Settle(ctx, Input{ReceivableID: 1, PaidValue: 0})
	require.Error(t, err)
}

func TestSettleAuditFailureDoesNotUndoSettlement(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	storage.receivables[1] = &billing.Receivable{ID: 1, Status: billing.StatusOverdue}
	audit := &fakeAudit{err: errors.New("audit table missing")}

	svc := NewService(storage, &fakeERP{ok: true}, &fakeBank{ok: true}, audit, nil)
	err := svc.Settle(ctx, Input{ReceivableID: 1, PaidValue: 100})
	require.NoError(t, err)
	require.Equal(t, billing.StatusPaid, storage.receivables[1].Status)
}
