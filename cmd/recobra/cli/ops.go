package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/recobra/recobra/internal/billing"
	"github.com/recobra/recobra/internal/dunning"
	"github.com/recobra/recobra/internal/rules"
	"github.com/recobra/recobra/internal/settlement"
)

// ManualSender sends one collection email outside the scheduled batches.
type ManualSender interface {
	ManualSend(ctx context.Context, input dunning.ManualSendInput) (*billing.SentEmail, error)
}

// Settler marks a receivable paid across all systems.
type Settler interface {
	Settle(ctx context.Context, input settlement.Input) error
}

// RuleLister reads the configured dunning tiers.
type RuleLister interface {
	ListRules(ctx context.Context, includeInactive bool) ([]billing.ChargeRule, error)
}

// OpsCLI runs operator actions against the live services.
type OpsCLI struct {
	Sender  ManualSender
	Settler Settler
	Rules   RuleLister
}

// SendOptions defines available flags for the send command.
type SendOptions struct {
	ReceivableID int64
	TemplateID   int64
	Recipients   []string
	Stdout       io.Writer
	Stderr       io.Writer
}

// SendCommand dispatches one email immediately and prints the outcome.
func (c *OpsCLI) SendCommand(ctx context.Context, opts SendOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.ReceivableID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "send: --receivable is required and must be positive")
		return 1
	}
	if opts.TemplateID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "send: --template is required and must be positive")
		return 1
	}
	sent, err := c.Sender.ManualSend(ctx, dunning.ManualSendInput{
		ReceivableID:    opts.ReceivableID,
		TemplateID:      opts.TemplateID,
		ExtraRecipients: opts.Recipients,
	})
	if err != nil {
		if errors.Is(err, dunning.ErrNoRecipients) {
			_, _ = fmt.Fprintf(opts.Stderr, "send: receivable %d has no reachable recipients\n", opts.ReceivableID)
			return 10
		}
		_, _ = fmt.Fprintf(opts.Stderr, "send: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "sent email %d to %s (status %s)\n", sent.ID, strings.Join(sent.Recipients, ", "), sent.Status)
	if sent.Status == billing.SentStatusFailed {
		return 10
	}
	return 0
}

// SettleOptions defines available flags for the settle command.
type SettleOptions struct {
	ReceivableID int64
	PaidValue    float64
	PaidAt       string
	ActorID      int64
	Stdout       io.Writer
	Stderr       io.Writer
}

// SettleCommand marks the receivable paid and prints the outcome.
func (c *OpsCLI) SettleCommand(ctx context.Context, opts SettleOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.ReceivableID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "settle: --receivable is required and must be positive")
		return 1
	}
	if opts.PaidValue <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "settle: --value is required and must be positive")
		return 1
	}
	var paidAt time.Time
	if strings.TrimSpace(opts.PaidAt) != "" {
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(opts.PaidAt))
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "settle: invalid --paid-at %q (expected YYYY-MM-DD)\n", opts.PaidAt)
			return 1
		}
		paidAt = parsed
	}
	err := c.Settler.Settle(ctx, settlement.Input{
		ReceivableID: opts.ReceivableID,
		PaidValue:    opts.PaidValue,
		PaidAt:       paidAt,
		ActorID:      opts.ActorID,
	})
	if err != nil {
		if errors.Is(err, settlement.ErrSettleRejected) {
			_, _ = fmt.Fprintf(opts.Stderr, "settle: %v\n", err)
			return 10
		}
		_, _ = fmt.Fprintf(opts.Stderr, "settle: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "receivable %d settled\n", opts.ReceivableID)
	return 0
}

// RulesOptions defines available flags for the rules command.
type RulesOptions struct {
	IncludeInactive bool
	JSONOutput      bool
	Stdout          io.Writer
	Stderr          io.Writer
}

// RulesCommand prints the configured dunning tiers.
func (c *OpsCLI) RulesCommand(ctx context.Context, opts RulesOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	list, err := c.Rules.ListRules(ctx, opts.IncludeInactive)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "rules: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(list); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "rules: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	if len(list) == 0 {
		_, _ = fmt.Fprintln(opts.Stdout, "no rules configured")
		return 0
	}
	for _, rule := range list {
		state := "active"
		if !rule.Active {
			state = "inactive"
		}
		_, _ = fmt.Fprintf(opts.Stdout, "#%d D+%d %q template=%d %s\n", rule.ID, rule.DaysOverdue, rule.Name, rule.TemplateID, state)
	}
	return 0
}

var _ ManualSender = (*dunning.Service)(nil)
var _ Settler = (*settlement.Service)(nil)
var _ RuleLister = (*rules.Service)(nil)
