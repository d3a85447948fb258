package recon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recobra/recobra/internal/billing"
)

type memoryStorage struct {
	receivables []billing.Receivable
	clients     map[int64]*billing.Client
	linked      map[int64]string
	linkErr     map[int64]error
	listErr     error
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{
		clients: make(map[int64]*billing.Client),
		linked:  make(map[int64]string),
		linkErr: make(map[int64]error),
	}
}

func (s *memoryStorage) FindReceivablesNeedingLink(ctx context.Context) ([]billing.Receivable, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []billing.Receivable
	for _, rec := range s.receivables {
		if rec.ChargeID == "" || rec.SlipURL == "" {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memoryStorage) GetClient(ctx context.Context, id int64) (*billing.Client, error) {
	c, ok := s.clients[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return c, nil
}

func (s *memoryStorage) UpdateReceivableLink(ctx context.Context, id int64, chargeID, slipURL, slipBarcode string) error {
	if err := s.linkErr[id]; err != nil {
		return err
	}
	s.linked[id] = chargeID
	for i := range s.receivables {
		if s.receivables[i].ID == id {
			s.receivables[i].ChargeID = chargeID
			s.receivables[i].SlipURL = slipURL
			s.receivables[i].SlipBarcode = slipBarcode
		}
	}
	return nil
}

type memoryBank struct {
	charges map[string][]billing.ExternalCharge
	err     error
	calls   map[string]int
}

func newMemoryBank() *memoryBank {
	return &memoryBank{
		charges: make(map[string][]billing.ExternalCharge),
		calls:   make(map[string]int),
	}
}

func (b *memoryBank) GetChargesByDocument(ctx context.Context, document string, dateFrom, dateTo time.Time) ([]billing.ExternalCharge, error) {
	b.calls[document]++
	if b.err != nil {
		return nil, b.err
	}
	return b.charges[document], nil
}

func newTestService(storage *memoryStorage, bank *memoryBank) *Service {
	return NewService(Config{Storage: storage, Bank: bank, LookbackDays: 90})
}

func TestReconcileLinksAndReports(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	bank := newMemoryBank()

	storage.clients[10] = &billing.Client{ID: 10, Name: "Acme", Document: "12345678000190"}
	storage.receivables = []billing.Receivable{
		{ID: 1, ClientID: 10, ERPID: "erp-1", Value: 100, DueDate: day(2026, 1, 10)},
		{ID: 2, ClientID: 10, Value: 999, DueDate: day(2026, 1, 20)},
	}
	bank.charges["12345678000190"] = []billing.ExternalCharge{
		{ID: "ch-1", CorrelationID: "erp-1", TotalCents: 10000,
			SlipURL: "https://bank/ch-1", SlipBarcode: "123"},
	}

	report, err := newTestService(storage, bank).Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Updated)
	require.Equal(t, 1, report.NotFound)
	require.Zero(t, report.Errors)
	require.Equal(t, "ch-1", storage.linked[1])
}

func TestReconcileFetchesOncePerDocument(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	bank := newMemoryBank()

	storage.clients[10] = &billing.Client{ID: 10, Document: "111"}
	storage.receivables = []billing.Receivable{
		{ID: 1, ClientID: 10, ERPID: "erp-1"},
		{ID: 2, ClientID: 10, ERPID: "erp-2"},
		{ID: 3, ClientID: 10, ERPID: "erp-3"},
	}
	bank.charges["111"] = []billing.ExternalCharge{
		{ID: "ch-1", CorrelationID: "erp-1"},
		{ID: "ch-2", CorrelationID: "erp-2"},
	}

	report, err := newTestService(storage, bank).Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, bank.calls["111"])
	require.Equal(t, 2, report.Updated)
	require.Equal(t, 1, report.NotFound)
}

func TestReconcileChargeNotSharedAcrossReceivables(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	bank := newMemoryBank()

	storage.clients[10] = &billing.Client{ID: 10, Document: "111"}
	storage.receivables = []billing.Receivable{
		{ID: 1, ClientID: 10, Value: 100, DueDate: day(2026, 1, 10)},
		{ID: 2, ClientID: 10, Value: 100, DueDate: day(2026, 1, 10)},
	}
	bank.charges["111"] = []billing.ExternalCharge{
		{ID: "ch-1", TotalCents: 10000, DueDate: datePtr(day(2026, 1, 10))},
	}

	report, err := newTestService(storage, bank).Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Updated)
	require.Equal(t, 1, report.NotFound)
	require.Equal(t, "ch-1", storage.linked[1])
	require.Empty(t, storage.linked[2])
}

func TestReconcileAlreadyLinkedIsNoOp(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	bank := newMemoryBank()

	storage.clients[10] = &billing.Client{ID: 10, Document: "111"}
	storage.receivables = []billing.Receivable{
		{ID: 1, ClientID: 10, ChargeID: "ch-1", SlipURL: "https://bank/ch-1"},
	}

	report, err := newTestService(storage, bank).Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Updated)
	require.Zero(t, report.NotFound)
	require.Empty(t, bank.calls)
}

func TestReconcileBankFailureCountsGroupAndContinues(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	bank := newMemoryBank()

	storage.clients[10] = &billing.Client{ID: 10, Document: "111"}
	storage.receivables = []billing.Receivable{
		{ID: 1, ClientID: 10},
		{ID: 2, ClientID: 10},
	}
	bank.err = errors.New("bank unavailable")

	report, err := newTestService(storage, bank).Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Errors)
	require.Zero(t, report.Updated)
}

func TestReconcileListFailureAbortsRun(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	storage.listErr = errors.New("db down")

	_, err := newTestService(storage, newMemoryBank()).Reconcile(ctx)
	require.Error(t, err)
}

func TestReconcilePersistFailureCountsError(t *testing.T) {
	ctx := context.Background()
	storage := newMemoryStorage()
	bank := newMemoryBank()

	storage.clients[10] = &billing.Client{ID: 10, Document: "111"}
	storage.receivables = []billing.Receivable{{ID: 1, ClientID: 10, ERPID: "erp-1"}}
	storage.linkErr[1] = errors.New("write failed")
	bank.charges["111"] = []billing.ExternalCharge{{ID: "ch-1", CorrelationID: "erp-1"}}

	report, err := newTestService(storage, bank).Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Errors)
	require.Zero(t, report.Updated)
}
