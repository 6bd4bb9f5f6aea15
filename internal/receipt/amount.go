package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	errBlank     = errors.New("blank value")
	errNotNumber = errors.New("not a number")

	currencyTokens = regexp.MustCompile(`(?i)\b(USD|EUR|GBP|CAD|US)\b|[$€£¥]`)
	decimalComma   = regexp.MustCompile(`^\d+,\d{1,2}$`)
	plainNumber    = regexp.MustCompile(`^\d+(\.\d+)?$|^\.\d+$`)
)

// parseAmount reads a number the way receipts print them: currency symbols,
// thousands separators, decimal commas ("2,59"), and negatives written as
// "(1.00)", "-1.00" or "1.00-". The sign is preserved; callers decide what a
// negative value means.
func parseAmount(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, errBlank
	case json.Number:
		return parseAmountString(string(n))
	case string:
		return parseAmountString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %T", errNotNumber, v)
	}
}

func parseAmountString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errBlank
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	s = currencyTokens.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), "")

	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	} else if strings.HasSuffix(s, "-") {
		negative = !negative
		s = s[:len(s)-1]
	}
	s = strings.TrimPrefix(s, "+")

	s, err := normalizeSeparators(s)
	if err != nil || !plainNumber.MatchString(s) {
		return decimal.Zero, errNotNumber
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", errNotNumber, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// normalizeSeparators rewrites thousands and decimal separators so that only
// a single "." remains as the decimal point. Thousands groups must have three
// digits; "12,5" is a decimal comma and "1,234,56" is not a number.
func normalizeSeparators(s string) (string, error) {
	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")

	switch {
	case comma >= 0 && dot >= 0:
		point, sep := ".", ","
		if comma > dot {
			// 1.234,56
			point, sep = ",", "."
		}
		i := strings.LastIndex(s, point)
		whole, ok := joinThousands(s[:i], sep)
		if !ok || strings.Contains(whole, point) {
			return "", errNotNumber
		}
		return whole + "." + s[i+1:], nil
	case comma >= 0:
		if decimalComma.MatchString(s) {
			return strings.Replace(s, ",", ".", 1), nil
		}
		if whole, ok := joinThousands(s, ","); ok {
			return whole, nil
		}
		return "", errNotNumber
	case strings.Count(s, ".") > 1:
		// 1.234.567
		if whole, ok := joinThousands(s, "."); ok {
			return whole, nil
		}
		return "", errNotNumber
	}
	return s, nil
}

// joinThousands removes sep from s when it splits s into a leading group of
// one to three characters followed by groups of exactly three.
func joinThousands(s, sep string) (string, bool) {
	groups := strings.Split(s, sep)
	if len(groups[0]) == 0 || len(groups[0]) > 3 {
		return "", false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return "", false
		}
	}
	return strings.Join(groups, ""), true
}

// parseQuantity accepts the amount forms plus the "2 @" and "3x" forms
// receipts use for multiples.
func parseQuantity(v any) (decimal.Decimal, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		s = strings.TrimRight(s, " xX@")
		s = strings.TrimLeft(s, "xX ")
		v = s
	}
	return parseAmount(v)
}
