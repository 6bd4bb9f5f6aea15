package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Each canonical field lists the payload paths it may be read from, canonical
// nested form first. The flat names are what plain OCR parsers emit.
var fieldPaths = map[string][]string{
	"store.name":           {"store.name", "merchant_name", "store_name", "merchant"},
	"store.location":       {"store.location", "store.address", "store_location", "store_address"},
	"store.phone":          {"store.phone", "store_phone"},
	"store.pharmacy_phone": {"store.pharmacy_phone", "pharmacy_phone"},
	"store.store_hours":    {"store.store_hours", "store.hours", "store_hours"},

	"receipt_meta.date":       {"receipt_meta.date", "receipt.date", "transaction_date", "date"},
	"receipt_meta.time":       {"receipt_meta.time", "receipt.time", "transaction_time", "time"},
	"receipt_meta.cashier":    {"receipt_meta.cashier", "receipt.cashier", "cashier"},
	"receipt_meta.receipt_id": {"receipt_meta.receipt_id", "receipt.receipt_id", "receipt_number", "receipt_id"},
	"receipt_meta.expires":    {"receipt_meta.expires", "receipt.expires", "expires"},

	"summary.items_purchased": {"summary.items_purchased", "items_purchased"},
	"summary.subtotal":        {"summary.subtotal", "subtotal"},
	"summary.savings":         {"summary.savings", "savings"},
	"summary.tax":             {"summary.tax", "summary.tax_amount", "tax_amount", "tax"},
	"summary.total":           {"summary.total", "total_amount", "total"},

	"payment.method":         {"payment.method", "payment_method"},
	"payment.card_type":      {"payment.card_type", "card_type"},
	"payment.last4":          {"payment.last4", "last4"},
	"payment.amount":         {"payment.amount", "payment_amount"},
	"payment.transaction_id": {"payment.transaction_id", "transaction_id"},
	"payment.ref_no":         {"payment.ref_no", "ref_no"},

	"ocr_text": {"ocr_text", "raw_ocr_text", "raw_text", "metadata.raw_ocr_text"},
}

// Item sub-fields, relative to one element of "items"
var itemPaths = map[string][]string{
	"name":       {"name", "description", "item"},
	"quantity":   {"quantity", "qty"},
	"unit_price": {"unit_price", "price"},
	"total":      {"total", "total_price", "amount"},
}

// fieldReader reads typed values out of one decoded object and collects
// warnings for values that cannot be used.
type fieldReader struct {
	obj      map[string]any
	prefix   string
	paths    map[string][]string
	warnings *[]Warning
}

func (r fieldReader) warn(field, format string, args ...any) {
	*r.warnings = append(*r.warnings, Warning{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

// raw returns the first non-null value for a canonical field
func (r fieldReader) raw(field string) (any, bool) {
	for _, path := range r.paths[field] {
		if v, ok := lookup(r.obj, path); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookup(obj map[string]any, path string) (any, bool) {
	var cur any = obj
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func (r fieldReader) name(field string) string {
	return r.prefix + field
}

// text reads a string field. Numbers and booleans are stringified; nested
// values are dropped with a warning.
func (r fieldReader) text(field string) string {
	v, ok := r.raw(field)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		r.warn(r.name(field), "%s: expected text, got %s", r.name(field), describe(v))
		return ""
	}
}

// money reads a non-negative amount rounded to cents
func (r fieldReader) money(field string) *decimal.Decimal {
	v, ok := r.raw(field)
	if !ok {
		return nil
	}
	d, err := parseAmount(v)
	if errors.Is(err, errBlank) {
		return nil
	}
	if err != nil {
		r.warn(r.name(field), "%s: cannot read %s as an amount", r.name(field), describe(v))
		return nil
	}
	if d.IsNegative() {
		r.warn(r.name(field), "%s: negative amount %s treated as absent", r.name(field), d.String())
		return nil
	}
	d = d.Round(2)
	return &d
}

// maxCount bounds counts read from a payload; nothing on a receipt comes close
var maxCount = decimal.NewFromInt(1_000_000)

// count reads a non-negative whole number
func (r fieldReader) count(field string) (int, bool) {
	v, ok := r.raw(field)
	if !ok {
		return 0, false
	}
	d, err := parseAmount(v)
	if errors.Is(err, errBlank) {
		return 0, false
	}
	if err != nil || d.IsNegative() || !d.IsInteger() || d.GreaterThan(maxCount) {
		r.warn(r.name(field), "%s: cannot read %s as a count", r.name(field), describe(v))
		return 0, false
	}
	return int(d.IntPart()), true
}

func describe(v any) string {
	switch t := v.(type) {
	case string:
		return strconv.Quote(t)
	case json.Number:
		return t.String()
	case map[string]any:
		return "an object"
	case []any:
		return "a list"
	default:
		return fmt.Sprintf("%v", t)
	}
}
