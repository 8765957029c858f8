// Package writer persists computed level rows to files, object storage and
// Redis.
package writer

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"optionlevels/internal/models"
)

// Sink stores batches of level rows.
type Sink interface {
	Name() string
	Write(ctx context.Context, rows []models.LevelRow) error
	Close() error
}

// RoundLevel rounds a level to a whole price, half to even.
func RoundLevel(v float64) string {
	return decimal.NewFromFloat(v).RoundBank(0).String()
}

// PathFor substitutes {provider} and {currency} in a path template.
func PathFor(tmpl, provider, currency string) string {
	return strings.NewReplacer(
		"{provider}", strings.ToLower(provider),
		"{currency}", strings.ToLower(currency),
	).Replace(tmpl)
}

func expandPath(tmpl string, row models.LevelRow) string {
	return PathFor(tmpl, row.Provider, row.Currency)
}

// groupByPath splits rows by their expanded path, keeping row order.
func groupByPath(tmpl string, rows []models.LevelRow) ([]string, map[string][]models.LevelRow) {
	var order []string
	groups := make(map[string][]models.LevelRow)
	for _, r := range rows {
		p := expandPath(tmpl, r)
		if _, ok := groups[p]; !ok {
			order = append(order, p)
		}
		groups[p] = append(groups[p], r)
	}
	return order, groups
}
