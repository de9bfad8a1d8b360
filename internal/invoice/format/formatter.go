// Package format renders invoice amounts and periods for humans.
package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// zeroDecimal lists currencies whose minor unit equals the major unit.
var zeroDecimal = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
	"XOF": true,
	"XAF": true,
}

// Money formats an amount in minor units, e.g. Money(49900, "NGN") is
// "NGN 499.00".
func Money(amount int64, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if zeroDecimal[currency] {
		return fmt.Sprintf("%s %d", currency, amount)
	}
	value := decimal.New(amount, -2)
	if currency == "" {
		return value.StringFixed(2)
	}
	return currency + " " + value.StringFixed(2)
}

// Period formats a half-open billing period as an inclusive date range.
func Period(start, end time.Time) string {
	last := end.Add(-time.Nanosecond)
	if last.Before(start) {
		last = start
	}
	return start.UTC().Format("2006-01-02") + " to " + last.UTC().Format("2006-01-02")
}
