package dunning

import (
	"strconv"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/recobra/recobra/internal/billing"
)

var currencyPrinter = message.NewPrinter(language.BrazilianPortuguese)

// FormatCurrency renders a monetary value the way the notification
// templates expect, e.g. "R$ 1.500,00".
func FormatCurrency(value float64) string {
	return currencyPrinter.Sprintf("R$ %.2f", value)
}

// TemplateVariables builds the substitution map for a dunning message.
// These five fields are the whole template contract.
func TemplateVariables(rec billing.Receivable, client billing.Client, daysOverdue int) map[string]string {
	return map[string]string{
		"nome":        client.Name,
		"valor":       FormatCurrency(rec.Value),
		"vencimento":  rec.DueDate.Format("02/01/2006"),
		"dias_atraso": strconv.Itoa(daysOverdue),
		"descricao":   rec.Description,
	}
}
