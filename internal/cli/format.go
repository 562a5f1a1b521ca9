// Package cli provides the command-line interface for the trading application.
package cli

import (
	"fmt"
	"strings"
	"time"
)

// FormatUSD formats a dollar amount with thousands separators.
func FormatUSD(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")
	intPart := parts[0]
	decPart := parts[1]

	result := "$" + groupThousands(intPart) + "." + decPart
	if negative {
		result = "-" + result
	}
	return result
}

// groupThousands inserts commas into an unsigned integer string.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	result := s[n-3:]
	s = s[:n-3]
	for len(s) > 3 {
		result = s[len(s)-3:] + "," + result
		s = s[:len(s)-3]
	}
	return s + "," + result
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats P&L with sign.
func FormatPnL(pnl float64) string {
	formatted := FormatUSD(pnl)
	if pnl > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatQuantity formats a share or contract count.
func FormatQuantity(qty int64) string {
	neg := qty < 0
	if neg {
		qty = -qty
	}
	s := groupThousands(fmt.Sprintf("%d", qty))
	if neg {
		return "-" + s
	}
	return s
}

// FormatVolume formats volume in compact form (K/M).
func FormatVolume(volume int64) string {
	switch {
	case volume >= 1000000:
		return fmt.Sprintf("%.2fM", float64(volume)/1000000)
	case volume >= 1000:
		return fmt.Sprintf("%.1fK", float64(volume)/1000)
	default:
		return fmt.Sprintf("%d", volume)
	}
}

// FormatExpiry renders a YYYYMMDD expiry as a readable date.
func FormatExpiry(expiry string) string {
	t, err := time.Parse("20060102", expiry)
	if err != nil {
		return expiry
	}
	return t.Format("Jan 02 2006")
}

// FormatAge renders the time since a timestamp in compact form.
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%.1fh", d.Hours())
	}
}
