package recon

import (
	"strings"
	"time"

	"github.com/recobra/recobra/internal/billing"
)

// Strategy names the heuristic that produced a link, in decreasing order of
// confidence.
type Strategy string

const (
	StrategyCorrelation   Strategy = "correlation_id"
	StrategyDescription   Strategy = "description"
	StrategyValueDueDate  Strategy = "value_due_date"
	StrategyDocumentValue Strategy = "document_value"
)

// Tolerances bound the fuzzy strategies. ValueCents is exclusive (a
// difference equal to it does not match); DateDays is inclusive.
type Tolerances struct {
	ValueCents int64
	DateDays   int
}

// DefaultTolerances mirror the production configuration: 10 centavos and
// 3 days.
func DefaultTolerances() Tolerances {
	return Tolerances{ValueCents: 10, DateDays: 3}
}

// Pool is the candidate set for one reconciliation group. Candidates are
// immutable; consumption is tracked in a separate index set so one charge
// never links two receivables in the same run.
type Pool struct {
	candidates []billing.ExternalCharge
	consumed   map[int]struct{}
}

// NewPool wraps a candidate slice.
func NewPool(candidates []billing.ExternalCharge) *Pool {
	return &Pool{candidates: candidates, consumed: make(map[int]struct{})}
}

// Remaining reports how many candidates are still available.
func (p *Pool) Remaining() int {
	return len(p.candidates) - len(p.consumed)
}

func (p *Pool) each(fn func(idx int, charge billing.ExternalCharge) bool) {
	for i, c := range p.candidates {
		if _, ok := p.consumed[i]; ok {
			continue
		}
		if fn(i, c) {
			return
		}
	}
}

// Match is a successful link between a receivable and a charge.
type Match struct {
	Charge   billing.ExternalCharge
	Strategy Strategy
}

// Matcher applies the link heuristics in decreasing-confidence order.
type Matcher struct {
	tol Tolerances
}

// NewMatcher constructs a matcher with the given tolerances.
func NewMatcher(tol Tolerances) *Matcher {
	if tol.ValueCents <= 0 {
		tol.ValueCents = DefaultTolerances().ValueCents
	}
	if tol.DateDays < 0 {
		tol.DateDays = DefaultTolerances().DateDays
	}
	return &Matcher{tol: tol}
}

// Find attempts each strategy in order against the pool; the first hit wins
// and the charge is consumed. clientDocument is the receivable owner's
// document, used by the lowest-confidence strategy.
func (m *Matcher) Find(rec billing.Receivable, clientDocument string, pool *Pool) (*Match, bool) {
	type attempt struct {
		strategy Strategy
		test     func(billing.ExternalCharge) bool
	}
	attempts := []attempt{
		{StrategyCorrelation, func(c billing.ExternalCharge) bool {
			return rec.ERPID != "" && c.CorrelationID != "" && c.CorrelationID == rec.ERPID
		}},
		{StrategyDescription, func(c billing.ExternalCharge) bool {
			return descriptionsOverlap(rec.Description, firstItemName(c))
		}},
		{StrategyValueDueDate, func(c billing.ExternalCharge) bool {
			return m.valueWithinTolerance(rec, c) && m.dueDateWithinTolerance(rec, c)
		}},
		{StrategyDocumentValue, func(c billing.ExternalCharge) bool {
			return documentsEqual(clientDocument, c.CustomerDocument) && m.valueWithinTolerance(rec, c)
		}},
	}

	for _, a := range attempts {
		var match *Match
		pool.each(func(idx int, charge billing.ExternalCharge) bool {
			if !a.test(charge) {
				return false
			}
			pool.consumed[idx] = struct{}{}
			match = &Match{Charge: charge, Strategy: a.strategy}
			return true
		})
		if match != nil {
			return match, true
		}
	}
	return nil, false
}

func (m *Matcher) valueWithinTolerance(rec billing.Receivable, c billing.ExternalCharge) bool {
	diff := c.TotalCents - billing.ToCents(rec.Value)
	if diff < 0 {
		diff = -diff
	}
	return diff < m.tol.ValueCents
}

func (m *Matcher) dueDateWithinTolerance(rec billing.Receivable, c billing.ExternalCharge) bool {
	if c.DueDate == nil || rec.DueDate.IsZero() {
		return false
	}
	days := daysBetween(rec.DueDate, *c.DueDate)
	if days < 0 {
		days = -days
	}
	return days <= m.tol.DateDays
}

func daysBetween(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bd.Sub(ad).Hours() / 24)
}

func firstItemName(c billing.ExternalCharge) string {
	if len(c.Items) == 0 {
		return ""
	}
	return c.Items[0].Name
}

func descriptionsOverlap(description, itemName string) bool {
	a := strings.ToLower(strings.TrimSpace(description))
	b := strings.ToLower(strings.TrimSpace(itemName))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func documentsEqual(a, b string) bool {
	da := billing.OnlyDigits(a)
	db := billing.OnlyDigits(b)
	return da != "" && da == db
}
