// Package recon links receivables to externally issued bank charges when
// no shared key is guaranteed.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/recobra/recobra/internal/billing"
)

// StoragePort defines the persistence operations reconciliation needs.
type StoragePort interface {
	FindReceivablesNeedingLink(ctx context.Context) ([]billing.Receivable, error)
	GetClient(ctx context.Context, id int64) (*billing.Client, error)
	UpdateReceivableLink(ctx context.Context, id int64, chargeID, slipURL, slipBarcode string) error
}

// BankPort fetches charge candidates from the banking adapter.
type BankPort interface {
	GetChargesByDocument(ctx context.Context, document string, dateFrom, dateTo time.Time) ([]billing.ExternalCharge, error)
}

// Report aggregates one reconciliation run.
type Report struct {
	Updated  int
	NotFound int
	Errors   int
}

// Service drives the reconciliation batch.
type Service struct {
	storage      StoragePort
	bank         BankPort
	matcher      *Matcher
	lookbackDays int
	logger       *slog.Logger
	clock        func() time.Time
}

// Config collects the service dependencies.
type Config struct {
	Storage      StoragePort
	Bank         BankPort
	Tolerances   Tolerances
	LookbackDays int
	Logger       *slog.Logger
}

// NewService constructs the reconciliation service.
func NewService(cfg Config) *Service {
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = 90
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		storage:      cfg.Storage,
		bank:         cfg.Bank,
		matcher:      NewMatcher(cfg.Tolerances),
		lookbackDays: lookback,
		logger:       logger.With(slog.String("component", "recon")),
		clock:        func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile links every receivable missing a bank correlation id. Only the
// initial listing aborts the run; per-item failures are counted and the
// loop continues. Candidates are fetched once per distinct client document
// to bound adapter calls, and the full per-document pool is offered to
// every receivable in that group.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	var report Report

	receivables, err := s.storage.FindReceivablesNeedingLink(ctx)
	if err != nil {
		return report, fmt.Errorf("recon: list receivables: %w", err)
	}
	if len(receivables) == 0 {
		s.logger.Info("nothing to reconcile")
		return report, nil
	}

	now := s.clock()
	dateFrom := now.AddDate(0, 0, -s.lookbackDays)

	// Group receivables by client document, preserving order inside each
	// group so runs stay deterministic.
	clients := make(map[int64]*billing.Client)
	groups := make(map[string][]billing.Receivable)
	var order []string
	for _, rec := range receivables {
		client, ok := clients[rec.ClientID]
		if !ok {
			client, err = s.storage.GetClient(ctx, rec.ClientID)
			if err != nil {
				s.logger.Warn("load client failed",
					slog.Int64("receivable_id", rec.ID),
					slog.Int64("client_id", rec.ClientID),
					slog.Any("error", err))
				report.Errors++
				continue
			}
			clients[rec.ClientID] = client
		}
		doc := billing.OnlyDigits(client.Document)
		if doc == "" {
			s.logger.Warn("client without document, skipping",
				slog.Int64("receivable_id", rec.ID),
				slog.Int64("client_id", rec.ClientID))
			report.NotFound++
			continue
		}
		if _, seen := groups[doc]; !seen {
			order = append(order, doc)
		}
		groups[doc] = append(groups[doc], rec)
	}

	for _, doc := range order {
		group := groups[doc]
		candidates, err := s.bank.GetChargesByDocument(ctx, doc, dateFrom, now)
		if err != nil {
			s.logger.Warn("fetch charges failed",
				slog.String("document", doc),
				slog.Any("error", err))
			report.Errors += len(group)
			continue
		}
		pool := NewPool(candidates)
		for _, rec := range group {
			match, ok := s.matcher.Find(rec, doc, pool)
			if !ok {
				s.logger.Info("no candidate matched",
					slog.Int64("receivable_id", rec.ID),
					slog.Int("candidates", pool.Remaining()))
				report.NotFound++
				continue
			}
			if err := s.storage.UpdateReceivableLink(ctx, rec.ID, match.Charge.ID, match.Charge.SlipURL, match.Charge.SlipBarcode); err != nil {
				s.logger.Warn("persist link failed",
					slog.Int64("receivable_id", rec.ID),
					slog.String("charge_id", match.Charge.ID),
					slog.Any("error", err))
				report.Errors++
				continue
			}
			s.logger.Info("receivable linked",
				slog.Int64("receivable_id", rec.ID),
				slog.String("charge_id", match.Charge.ID),
				slog.String("strategy", string(match.Strategy)))
			report.Updated++
		}
	}

	s.logger.Info("reconciliation completed",
		slog.Int("updated", report.Updated),
		slog.Int("not_found", report.NotFound),
		slog.Int("errors", report.Errors))
	return report, nil
}
