package dunning

import (
	"sort"

	"github.com/recobra/recobra/internal/billing"
)

// SelectRule picks the single applicable tier for a receivable: the active
// rule with the greatest threshold still at or below daysOverdue. A
// receivable aged past several tiers is notified only at the most
// aggressive tier it has reached; earlier tiers are left to the dedup
// record. Returns false when no active rule qualifies.
func SelectRule(rules []billing.ChargeRule, daysOverdue int) (billing.ChargeRule, bool) {
	if daysOverdue <= 0 {
		return billing.ChargeRule{}, false
	}
	eligible := make([]billing.ChargeRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Active || rule.DaysOverdue <= 0 {
			continue
		}
		if rule.DaysOverdue <= daysOverdue {
			eligible = append(eligible, rule)
		}
	}
	if len(eligible) == 0 {
		return billing.ChargeRule{}, false
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].DaysOverdue < eligible[j].DaysOverdue
	})
	return eligible[len(eligible)-1], true
}
