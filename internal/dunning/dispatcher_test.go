package dunning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recobra/recobra/internal/billing"
	"github.com/recobra/recobra/internal/mail"
)

type memoryStorage struct {
	receivables map[int64]*billing.Receivable
	clients     map[int64]*billing.Client
	rules       []billing.ChargeRule
	templates   map[int64]*billing.MessageTemplate
	sent        []billing.SentEmail
	nextSentID  int64
	listErr     error
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{
		receivables: make(map[int64]*billing.Receivable),
		clients:     make(map[int64]*billing.Client),
		templates:   make(map[int64]*billing.MessageTemplate),
	}
}

func (s *memoryStorage) FindOverdueReceivables(ctx context.Context) ([]billing.Receivable, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []billing.Receivable
	for _, rec := range s.receivables {
		if rec.Status == billing.StatusOverdue || rec.Status == billing.StatusPending {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *memoryStorage) GetReceivable(ctx context.Context, id int64) (*billing.Receivable, error) {
	rec, ok := s.receivables[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return rec, nil
}

func (s *memoryStorage) GetClient(ctx context.Context, id int64) (*billing.Client, error) {
	c, ok := s.clients[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return c, nil
}

func (s *memoryStorage) FindActiveRules(ctx context.Context) ([]billing.ChargeRule, error) {
	var out []billing.ChargeRule
	for _, r := range s.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memoryStorage) GetTemplate(ctx context.Context, id int64) (*billing.MessageTemplate, error) {
	tpl, ok := s.templates[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return tpl, nil
}

func (s *memoryStorage) FindSentEmail(ctx context.Context, receivableID, ruleID int64) (*billing.SentEmail, error) {
	for i := range s.sent {
		rec := s.sent[i]
		if rec.ReceivableID == receivableID && rec.RuleID != nil && *rec.RuleID == ruleID && rec.Status == billing.SentStatusSent {
			return &rec, nil
		}
	}
	return nil, billing.ErrNotFound
}

func (s *memoryStorage) CreateSentEmail(ctx context.Context, rec billing.SentEmail) (*billing.SentEmail, error) {
	if rec.RuleID != nil && rec.Status == billing.SentStatusSent {
		for _, existing := range s.sent {
			if existing.ReceivableID == rec.ReceivableID && existing.RuleID != nil &&
				*existing.RuleID == *rec.RuleID && existing.Status == billing.SentStatusSent {
				return nil, billing.ErrAlreadySent
			}
		}
	}
	s.nextSentID++
	rec.ID = s.nextSentID
	rec.CreatedAt = time.Now()
	s.sent = append(s.sent, rec)
	return &rec, nil
}

type fakeMailer struct {
	sent    []mail.Message
	succeed bool
	err     error
}

func (m *fakeMailer) Send(msg mail.Message) (bool, error) {
	m.sent = append(m.sent, msg)
	return m.succeed, m.err
}

type fakeBank struct {
	pdf []byte
	err error
}

func (b *fakeBank) GetBoletoPdf(ctx context.Context, id string) ([]byte, error) {
	return b.pdf, b.err
}

type fakeERP struct {
	pdf []byte
	err error
}

func (e *fakeERP) GetInvoicePdf(ctx context.Context, id string) ([]byte, error) {
	return e.pdf, e.err
}

func seedStorage(daysOverdue int) *memoryStorage {
	storage := newMemoryStorage()
	storage.clients[10] = &billing.Client{
		ID: 10, Name: "Acme Ltda", Document: "12345678000190",
		Email: "fin@acme.example",
		Extra: []billing.ClientEmail{
			{Address: "ceo@acme.example", Active: true},
			{Address: "old@acme.example", Active: false},
		},
	}
	storage.receivables[1] = &billing.Receivable{
		ID: 1, ClientID: 10, ERPID: "erp-1", ChargeID: "ch-1",
		Description: "Mensalidade Janeiro", Value: 1500.00,
		DueDate: time.Now().UTC().AddDate(0, 0, -daysOverdue),
		Status:  billing.StatusOverdue,
	}
	storage.rules = []billing.ChargeRule{
		{ID: 3, Name: "D+3", DaysOverdue: 3, TemplateID: 100, Active: true, AttachSlip: true},
		{ID: 7, Name: "D+7", DaysOverdue: 7, TemplateID: 100, Active: true, AttachSlip: true, AttachInvoice: true},
		{ID: 15, Name: "D+15", DaysOverdue: 15, TemplateID: 100, Active: true},
		{ID: 30, Name: "D+30", DaysOverdue: 30, TemplateID: 100, Active: true},
	}
	storage.templates[100] = &billing.MessageTemplate{
		ID: 100, Subject: "Fatura em atraso: {{descricao}}",
		Body: "Olá {{nome}}, {{valor}} venceu em {{vencimento}} ({{dias_atraso}} dias).",
	}
	return storage
}

func newTestService(storage *memoryStorage, mailer *fakeMailer) *Service {
	return NewService(Config{
		Storage: storage,
		Bank:    &fakeBank{pdf: []byte("slip")},
		ERP:     &fakeERP{pdf: []byte("invoice")},
		Mailer:  mailer,
	})
}

func TestAutomaticDispatchSendsAndRecords(t *testing.T) {
	ctx := context.Background()
	storage := seedStorage(10)
	mailer := &fakeMailer{succeed: true}

	report, err := newTestService(storage, mailer).RunAutomaticDispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
	require.Zero(t, report.Failed)

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	require.ElementsMatch(t, []string{"fin@acme.example", "ceo@acme.example"}, msg.To)
	require.Equal(t, "Fatura em atraso: Mensalidade Janeiro", msg.Subject)
	require.Contains(t, msg.HTML, "Acme Ltda")
	require.Contains(t, msg.HTML, "R$ 1.500,00")
	require.Contains(t, msg.HTML, "10 dias")
	// D+7 attaches both documents.
	require.Len(t, msg.Attachments, 2)

	require.Len(t, storage.sent, 1)
	require.NotNil(t, storage.sent[0].RuleID)
	require.Equal(t, int64(7), *storage.sent[0].RuleID)
	require.Equal(t, billing.SentStatusSent, storage.sent[0].Status)
	require.NotNil(t, storage.sent[0].SentAt)
}

func TestAutomaticDispatchIsIdempotentPerTier(t *testing.T) {
	ctx := context.Background()
	storage := seedStorage(10)
	mailer := &fakeMailer{succeed: true}
	svc := newTestService(storage, mailer)

	first, err := svc.RunAutomaticDispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Sent)

	// Second run with no state change: tier already recorded, nothing sent.
	second, err := svc.RunAutomaticDispatch(ctx)
	require.NoError(t, err)
	require.Zero(t, second.Sent)
	require.Zero(t, second.Failed)
	require.Equal(t, 1, second.Skipped)
	require.Len(t, storage.sent, 1)
}

func TestAutomaticDispatchEscalatesWithoutResendingLowerTier(t *testing.T) {
	ctx := context.Background()
	storage := seedStorage(16)
	mailer := &fakeMailer{succeed: true}

	// A D+7 record already exists from an earlier run.
	ruleID := int64(7)
	sentAt := time.Now().UTC().AddDate(0, 0, -9)
	storage.sent = append(storage.sent, billing.SentEmail{
		ID: 99, ClientID: 10, ReceivableID: 1, RuleID: &ruleID,
		Status: billing.SentStatusSent, SentAt: &sentAt,
	})
	storage.nextSentID = 99

	report, err := newTestService(storage, mailer).RunAutomaticDispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)

	require.Len(t, storage.sent, 2)
	latest := storage.sent[1]
	require.NotNil(t, latest.RuleID)
	require.Equal(t, int64(15), *latest.RuleID)
}

func TestAutomaticDispatchSkipsBelowLowestTier(t *testing.T) {
	ctx := context.Background()
	storage := seedStorage(1)
	mailer := &fakeMailer{succeed: true}

	report, err := newTestService(storage, mailer).RunAutomaticDispatch(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Sent)
	require.Equal(t, 1, report.Skipped)
	require.Empty(t, storage.sent)
}

func TestAutomaticDispatchNoRecipientsSkipsWithoutRecord(t *testing.T) {
	ctx := context.Background()
	storage := seedStorage(10)
	storage.clients[10].Email = ""
	storage.clients[10].Extra = []billing.ClientEmail{{Address: "x@acme.example", Active: false}}
	mailer := &fakeMailer{succeed: true}

	report, err := newTestService(storage, mailer).RunAutomaticDispatch(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Sent)
	require.Zero(t, report.Failed)
	require.Equal(t, 1, report.Skipped)
	require.Empty(t, storage.sent)
	require.Empty(t, mailer.sent)
}

func TestAutomaticDispatchRecordsDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	storage := seedStorage(10)
	mailer := &fakeMailer{succeed: false, err: errors.New("smtp refused")}

	report, err := newTestService(storage, mailer).RunAutomaticDispatch(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Sent)
	require.Equal(t, 1, report.Failed)

	require.Len(t, storage.sent, 1)
	require.Equal(t, billing.SentStatusFailed, storage.sent[0].Status)
	require.Equal(t, "smtp refused", storage.sent[0].ErrorMessage)
	require.Nil(t, storage.sent[0].SentAt)
}

func TestAutomaticDispatchFailedRowDoesNotBlockRetry(t *testing.T) {
	ctx := context.Background()
	storage := seedStorage(10)
	mailer := &fakeMailer{succeed: false, err: errors.New("smtp refused")}
	svc := newTestService(storage, mailer)

	_, err := svc.RunAutomaticDispatch(ctx)
	require.NoError(t, err)

	// Delivery recovers; the FAILED row does not satisfy the dedup check.
	mailer.succeed = true
	mailer.err = nil
	report, err := svc.RunAutomaticDispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
	require.Len(t, storage.sent, 2)
}

func TestAutomaticDispatchAttachmentFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	storage := seedStorage(10)
	mailer := &fakeMailer{succeed: true}
	svc := NewService(Config{
		Storage: storage,
		Bank:    &fakeBank{err: errors.New("bank down")},
		ERP:     &fakeERP{pdf: []byte("invoice")},
		Mailer:  mailer,
	})

	report, err := svc.RunAutomaticDispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
	require.Len(t, mailer.sent, 1)
	require.Len(t, mailer.sent[0].Attachments, 1)
	require.Equal(t, "fatura-1.pdf", mailer.sent[0].Attachments[0].Filename)
}

func TestManualSendBypassesDedup(t *testing.T) {
	ctx := context.Background()
	storage := seedStorage(10)
	mailer := &fakeMailer{succeed: true}
	svc := newTestService(storage, mailer)

	// Automatic dispatch already recorded the only reachable tier.
	_, err := svc.RunAutomaticDispatch(ctx)
	require.NoError(t, err)
	require.Len(t, storage.sent, 1)

	sent, err := svc.ManualSend(ctx, ManualSendInput{
		ReceivableID:    1,
		TemplateID:      100,
		ExtraRecipients: []string{"juridico@acme.example"},
	})
	require.NoError(t, err)
	require.Nil(t, sent.RuleID)
	require.Equal(t, billing.SentStatusSent, sent.Status)
	require.Len(t, storage.sent, 2)
	require.Contains(t, mailer.sent[1].To, "juridico@acme.example")
}

func TestManualSendUnknownReceivable(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMemoryStorage(), &fakeMailer{succeed: true})

	_, err := svc.ManualSend(ctx, ManualSendInput{ReceivableID: 42, TemplateID: 100})
	require.ErrorIs(t, err, billing.ErrNotFound)
}

func TestManualSendUnknownTemplate(t *testing.T) {
	ctx := context.Background()
	storage := seedStorage(10)
	svc := newTestService(storage, &fakeMailer{succeed: true})

	_, err := svc.ManualSend(ctx, ManualSendInput{ReceivableID: 1, TemplateID: 404})
	require.ErrorIs(t, err, billing.ErrNotFound)
}

func TestManualSendNoRecipients(t *testing.T) {
	ctx := context.Background()
	storage := seedStorage(10)
	storage.clients[10].Email = ""
	storage.clients[10].Extra = nil
	svc := newTestService(storage, &fakeMailer{succeed: true})

	_, err := svc.ManualSend(ctx, ManualSendInput{ReceivableID: 1, TemplateID: 100})
	require.ErrorIs(t, err, ErrNoRecipients)
}

func TestResolveRecipientsDeduplicates(t *testing.T) {
	client := billing.Client{
		Email: "fin@acme.example",
		Extra: []billing.ClientEmail{
			{Address: "FIN@acme.example", Active: true},
			{Address: "ceo@acme.example", Active: true},
		},
	}
	out := resolveRecipients(client, []string{"ceo@acme.example", "extra@acme.example"})
	require.Equal(t, []string{"fin@acme.example", "ceo@acme.example", "extra@acme.example"}, out)
}
