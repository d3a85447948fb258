// Package dunning selects the overdue notification tier for each
// receivable and delivers it at most once per tier.
package dunning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/recobra/recobra/internal/billing"
	"github.com/recobra/recobra/internal/mail"
	"github.com/recobra/recobra/internal/template"
)

// ErrNoRecipients indicates the client has no usable notification address.
var ErrNoRecipients = errors.New("dunning: no recipients resolved")

// StoragePort defines the persistence operations dispatch needs.
type StoragePort interface {
	FindOverdueReceivables(ctx context.Context) ([]billing.Receivable, error)
	GetReceivable(ctx context.Context, id int64) (*billing.Receivable, error)
	GetClient(ctx context.Context, id int64) (*billing.Client, error)
	FindActiveRules(ctx context.Context) ([]billing.ChargeRule, error)
	GetTemplate(ctx context.Context, id int64) (*billing.MessageTemplate, error)
	FindSentEmail(ctx context.Context, receivableID, ruleID int64) (*billing.SentEmail, error)
	CreateSentEmail(ctx context.Context, rec billing.SentEmail) (*billing.SentEmail, error)
}

// BankPort fetches the payment slip document.
type BankPort interface {
	GetBoletoPdf(ctx context.Context, id string) ([]byte, error)
}

// ERPPort fetches the invoice document.
type ERPPort interface {
	GetInvoicePdf(ctx context.Context, id string) ([]byte, error)
}

// MailPort delivers the rendered message.
type MailPort interface {
	Send(msg mail.Message) (bool, error)
}

// Report aggregates one automatic dispatch run.
type Report struct {
	Sent    int
	Failed  int
	Skipped int
}

// Service orchestrates recipient resolution, attachment retrieval, send
// and audit recording.
type Service struct {
	storage StoragePort
	bank    BankPort
	erp     ERPPort
	mailer  MailPort
	logger  *slog.Logger
	clock   func() time.Time
}

// Config collects the service dependencies.
type Config struct {
	Storage StoragePort
	Bank    BankPort
	ERP     ERPPort
	Mailer  MailPort
	Logger  *slog.Logger
}

// NewService constructs the dispatch service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		storage: cfg.Storage,
		bank:    cfg.Bank,
		erp:     cfg.ERP,
		mailer:  cfg.Mailer,
		logger:  logger.With(slog.String("component", "dunning")),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// RunAutomaticDispatch notifies every overdue receivable at its currently
// reached tier. Only the initial listings abort the run; per-item failures
// are logged and the loop continues. The persisted SENT record per
// (receivable, rule) pair keeps each tier at-most-once.
func (s *Service) RunAutomaticDispatch(ctx context.Context) (Report, error) {
	var report Report

	rules, err := s.storage.FindActiveRules(ctx)
	if err != nil {
		return report, fmt.Errorf("dunning: list rules: %w", err)
	}
	if len(rules) == 0 {
		s.logger.Info("no active rules, nothing to dispatch")
		return report, nil
	}
	receivables, err := s.storage.FindOverdueReceivables(ctx)
	if err != nil {
		return report, fmt.Errorf("dunning: list receivables: %w", err)
	}

	now := s.clock()
	for _, rec := range receivables {
		daysOverdue := billing.ComputeDaysOverdue(rec.DueDate, now)
		rec.DaysOverdue = daysOverdue
		rule, ok := SelectRule(rules, daysOverdue)
		if !ok {
			report.Skipped++
			continue
		}
		logger := s.logger.With(
			slog.Int64("receivable_id", rec.ID),
			slog.Int64("rule_id", rule.ID),
			slog.Int("days_overdue", daysOverdue))

		if _, err := s.storage.FindSentEmail(ctx, rec.ID, rule.ID); err == nil {
			report.Skipped++
			continue
		} else if !errors.Is(err, billing.ErrNotFound) {
			logger.Warn("dedup lookup failed", slog.Any("error", err))
			report.Failed++
			continue
		}

		sent, err := s.dispatch(ctx, rec, rule, daysOverdue, nil)
		switch {
		case errors.Is(err, ErrNoRecipients):
			logger.Warn("no recipients resolved, skipping")
			report.Skipped++
		case errors.Is(err, billing.ErrAlreadySent):
			logger.Warn("concurrent run already recorded this tier")
			report.Skipped++
		case err != nil:
			logger.Warn("dispatch failed", slog.Any("error", err))
			report.Failed++
		case sent.Status == billing.SentStatusFailed:
			logger.Warn("delivery failed", slog.String("error", sent.ErrorMessage))
			report.Failed++
		default:
			logger.Info("notification sent", slog.String("rule", rule.Name))
			report.Sent++
		}
	}

	s.logger.Info("dispatch completed",
		slog.Int("sent", report.Sent),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped))
	return report, nil
}

// ManualSendInput triggers an unconditional send for one receivable.
type ManualSendInput struct {
	ReceivableID    int64
	TemplateID      int64
	ExtraRecipients []string
}

// ManualSend delivers the given template for a receivable regardless of
// tier gating or prior automatic sends, and still records an audit row
// (with no rule id). NotFound and recipient failures surface to the caller.
func (s *Service) ManualSend(ctx context.Context, input ManualSendInput) (*billing.SentEmail, error) {
	rec, err := s.storage.GetReceivable(ctx, input.ReceivableID)
	if err != nil {
		return nil, fmt.Errorf("dunning: receivable %d: %w", input.ReceivableID, err)
	}
	daysOverdue := billing.ComputeDaysOverdue(rec.DueDate, s.clock())
	rec.DaysOverdue = daysOverdue
	rule := billing.ChargeRule{TemplateID: input.TemplateID, AttachSlip: true, AttachInvoice: true}
	sent, err := s.dispatchManual(ctx, *rec, rule, daysOverdue, input.ExtraRecipients)
	if err != nil {
		return nil, err
	}
	return sent, nil
}

func (s *Service) dispatch(ctx context.Context, rec billing.Receivable, rule billing.ChargeRule, daysOverdue int, extraRecipients []string) (*billing.SentEmail, error) {
	ruleID := rule.ID
	return s.deliver(ctx, rec, rule, &ruleID, daysOverdue, extraRecipients)
}

func (s *Service) dispatchManual(ctx context.Context, rec billing.Receivable, rule billing.ChargeRule, daysOverdue int, extraRecipients []string) (*billing.SentEmail, error) {
	return s.deliver(ctx, rec, rule, nil, daysOverdue, extraRecipients)
}

func (s *Service) deliver(ctx context.Context, rec billing.Receivable, rule billing.ChargeRule, ruleID *int64, daysOverdue int, extraRecipients []string) (*billing.SentEmail, error) {
	client, err := s.storage.GetClient(ctx, rec.ClientID)
	if err != nil {
		return nil, fmt.Errorf("dunning: client %d: %w", rec.ClientID, err)
	}
	recipients := resolveRecipients(*client, extraRecipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	tpl, err := s.storage.GetTemplate(ctx, rule.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("dunning: template %d: %w", rule.TemplateID, err)
	}
	vars := TemplateVariables(rec, *client, daysOverdue)
	subject := template.Render(tpl.Subject, vars)
	body := template.Render(tpl.Body, vars)

	attachments := s.fetchAttachments(ctx, rec, rule)

	record := billing.SentEmail{
		ClientID:     client.ID,
		ReceivableID: rec.ID,
		RuleID:       ruleID,
		Recipients:   recipients,
		Subject:      subject,
		Body:         body,
	}
	for _, att := range attachments {
		record.Attachments = append(record.Attachments, att.Filename)
	}

	ok, sendErr := s.mailer.Send(mail.Message{
		To:          recipients,
		Subject:     subject,
		HTML:        body,
		Attachments: attachments,
	})
	if ok && sendErr == nil {
		now := s.clock()
		record.Status = billing.SentStatusSent
		record.SentAt = &now
	} else {
		record.Status = billing.SentStatusFailed
		if sendErr != nil {
			record.ErrorMessage = sendErr.Error()
		} else {
			record.ErrorMessage = "mail provider refused message"
		}
	}
	return s.storage.CreateSentEmail(ctx, record)
}

// fetchAttachments gathers the documents the rule asks for. A fetch
// failure drops that attachment only; the notification still goes out.
func (s *Service) fetchAttachments(ctx context.Context, rec billing.Receivable, rule billing.ChargeRule) []mail.Attachment {
	var out []mail.Attachment
	if rule.AttachSlip && rec.ChargeID != "" && s.bank != nil {
		pdf, err := s.bank.GetBoletoPdf(ctx, rec.ChargeID)
		if err != nil {
			s.logger.Warn("boleto pdf fetch failed",
				slog.Int64("receivable_id", rec.ID),
				slog.Any("error", err))
		} else if pdf != nil {
			out = append(out, mail.Attachment{Filename: fmt.Sprintf("boleto-%d.pdf", rec.ID), Content: pdf})
		}
	}
	if rule.AttachInvoice && rec.ERPID != "" && s.erp != nil {
		pdf, err := s.erp.GetInvoicePdf(ctx, rec.ERPID)
		if err != nil {
			s.logger.Warn("invoice pdf fetch failed",
				slog.Int64("receivable_id", rec.ID),
				slog.Any("error", err))
		} else if pdf != nil {
			out = append(out, mail.Attachment{Filename: fmt.Sprintf("fatura-%d.pdf", rec.ID), Content: pdf})
		}
	}
	return out
}

// resolveRecipients collects the primary client address, every active
// additional address and any extras, de-duplicated case-insensitively.
func resolveRecipients(client billing.Client, extra []string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		key := strings.ToLower(addr)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	add(client.Email)
	for _, e := range client.Extra {
		if e.Active {
			add(e.Address)
		}
	}
	for _, e := range extra {
		add(e)
	}
	return out
}
