package receipt

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-processor/internal/scanning"
)

// DefaultTolerance is how far a printed total may drift from the computed
// one before it is flagged
var DefaultTolerance = decimal.New(1, -2)

//go:embed payload.schema.json
var payloadSchemaJSON []byte

var payloadSchema = mustCompilePayloadSchema()

func mustCompilePayloadSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("payload.schema.json", bytes.NewReader(payloadSchemaJSON)); err != nil {
		panic(fmt.Sprintf("adding payload schema: %v", err))
	}
	schema, err := compiler.Compile("payload.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compiling payload schema: %v", err))
	}
	return schema
}

var (
	itemSequencePrefix = regexp.MustCompile(`^\d+\s*[.)]\s+`)
	nonDigits          = regexp.MustCompile(`\D`)
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"01-02-2006",
	"01-02-06",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"02 Jan 2006",
}

var timeLayouts = []string{
	"15:04",
	"15:04:05",
	"3:04 PM",
	"3:04PM",
	"3:04:05 PM",
	"3:04:05PM",
	"03:04 PM",
	"03:04:05 PM",
}

// Normalizer turns raw extractor output into a Receipt. It holds no mutable
// state and is safe for concurrent use.
type Normalizer struct {
	tolerance  decimal.Decimal
	timeSource TimeSource
}

// NewNormalizer creates a Normalizer using the wall clock
func NewNormalizer(tolerance decimal.Decimal) *Normalizer {
	return NewNormalizerWithClock(tolerance, &defaultTimeSource{})
}

// NewNormalizerWithClock creates a Normalizer with a custom time source for testing
func NewNormalizerWithClock(tolerance decimal.Decimal, timeSrc TimeSource) *Normalizer {
	if tolerance.IsNegative() {
		tolerance = DefaultTolerance
	}
	return &Normalizer{
		tolerance:  tolerance,
		timeSource: timeSrc,
	}
}

// Normalize validates an extraction and converts it into a Receipt.
// Structural problems fail with ErrExtractionMalformed, an empty item list
// with ErrNoItemsFound. Everything else is repaired or dropped and reported
// as a Warning.
func (n *Normalizer) Normalize(ex *scanning.Extraction) (*Receipt, []Warning, error) {
	if ex == nil {
		return nil, nil, fmt.Errorf("%w: no extraction", ErrExtractionMalformed)
	}

	root, canonical, err := decodeRoot(ex.Payload)
	if err != nil {
		return nil, nil, err
	}

	warnings := make([]Warning, 0)
	r := fieldReader{obj: root, paths: fieldPaths, warnings: &warnings}
	dropScalarSections(r)

	items := n.readItems(root["items"], &warnings)
	if len(items) == 0 {
		return nil, warnings, ErrNoItemsFound
	}

	receipt := &Receipt{
		Store: Store{
			Name:          r.text("store.name"),
			Location:      r.text("store.location"),
			Phone:         r.text("store.phone"),
			PharmacyPhone: r.text("store.pharmacy_phone"),
			StoreHours:    r.text("store.store_hours"),
		},
		Meta: Meta{
			Date:      r.text("receipt_meta.date"),
			Time:      r.text("receipt_meta.time"),
			Cashier:   r.text("receipt_meta.cashier"),
			ReceiptID: r.text("receipt_meta.receipt_id"),
			Expires:   r.text("receipt_meta.expires"),
		},
		Items: items,
		Summary: Summary{
			Subtotal: r.money("summary.subtotal"),
			Savings:  r.money("summary.savings"),
			Tax:      r.money("summary.tax"),
			Total:    r.money("summary.total"),
		},
		Payment: Payment{
			Method:        r.text("payment.method"),
			CardType:      r.text("payment.card_type"),
			Last4:         readLast4(r),
			Amount:        r.money("payment.amount"),
			TransactionID: r.text("payment.transaction_id"),
			RefNo:         r.text("payment.ref_no"),
		},
		Metadata: Metadata{
			CreatedAt:   n.timeSource.Now(),
			ProcessedBy: ex.ProcessedBy,
			RawText:     ex.Text,
		},
	}
	if receipt.Metadata.RawText == "" {
		receipt.Metadata.RawText = string(canonical)
	}

	receipt.Meta.Timestamp = combineTimestamp(receipt.Meta.Date, receipt.Meta.Time)

	if receipt.Store.Name == "" {
		if name, ok := detectMerchant(r.text("ocr_text")); ok {
			receipt.Store.Name = name
			r.warn("store.name", "store.name: missing, inferred %q from receipt text", name)
		}
	}

	printedTotal := receipt.Summary.Total
	n.reconcile(receipt, r)

	if receipt.Payment.Amount == nil && printedTotal != nil {
		amount := *printedTotal
		receipt.Payment.Amount = &amount
	}

	return receipt, warnings, nil
}

// decodeRoot canonicalizes the payload through JSON, keeping numbers exact,
// and checks the container structure.
func decodeRoot(payload any) (map[string]any, []byte, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrExtractionMalformed, err)
	}

	dec := json.NewDecoder(bytes.NewReader(canonical))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrExtractionMalformed, err)
	}

	if err := payloadSchema.Validate(v); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrExtractionMalformed, err)
	}

	root, ok := v.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: payload is not an object", ErrExtractionMalformed)
	}
	return root, canonical, nil
}

// Sections are read as objects. Any other value is dropped with a warning so
// the rest of the record can still be used.
var sections = []string{"store", "receipt_meta", "receipt", "summary", "payment", "metadata"}

func dropScalarSections(r fieldReader) {
	for _, key := range sections {
		v, ok := r.obj[key]
		if !ok || v == nil {
			continue
		}
		if _, isObj := v.(map[string]any); isObj {
			continue
		}
		r.warn(key, "%s: expected an object, got %s, ignored", key, describe(v))
		delete(r.obj, key)
	}
}

func (n *Normalizer) readItems(raw any, warnings *[]Warning) []LineItem {
	list, _ := raw.([]any)
	items := make([]LineItem, 0, len(list))

	for i, el := range list {
		prefix := fmt.Sprintf("items[%d].", i)
		obj, ok := el.(map[string]any)
		if !ok {
			*warnings = append(*warnings, Warning{
				Field:   fmt.Sprintf("items[%d]", i),
				Message: fmt.Sprintf("items[%d]: expected an object, got %s, dropped", i, describe(el)),
			})
			continue
		}

		r := fieldReader{obj: obj, prefix: prefix, paths: itemPaths, warnings: warnings}
		if item, ok := n.readItem(r); ok {
			items = append(items, item)
		}
	}
	return items
}

func (n *Normalizer) readItem(r fieldReader) (LineItem, bool) {
	name := cleanItemName(r.text("name"))
	if name == "" {
		r.warn(strings.TrimSuffix(r.prefix, "."), "%smissing name, dropped", r.prefix)
		return LineItem{}, false
	}

	item := LineItem{
		Name:      name,
		Quantity:  readQuantity(r),
		UnitPrice: r.money("unit_price"),
		Total:     r.money("total"),
	}

	switch {
	case item.Total == nil && item.UnitPrice != nil:
		total := item.UnitPrice.Mul(item.Quantity).Round(2)
		item.Total = &total
	case item.UnitPrice == nil && item.Total != nil:
		unit := item.Total.DivRound(item.Quantity, 2)
		item.UnitPrice = &unit
	case item.UnitPrice != nil && item.Total != nil:
		expected := item.UnitPrice.Mul(item.Quantity).Round(2)
		if expected.Sub(*item.Total).Abs().GreaterThan(n.tolerance) {
			r.warn(r.name("total"), "%s mismatch: expected %s, got %s",
				r.name("total"), expected.StringFixed(2), item.Total.StringFixed(2))
		}
	}

	return item, true
}

func readQuantity(r fieldReader) decimal.Decimal {
	one := decimal.NewFromInt(1)
	v, ok := r.raw("quantity")
	if !ok {
		return one
	}
	q, err := parseQuantity(v)
	if err != nil {
		if !errors.Is(err, errBlank) {
			r.warn(r.name("quantity"), "%s: cannot read %s as a quantity, using 1", r.name("quantity"), describe(v))
		}
		return one
	}
	if !q.IsPositive() {
		r.warn(r.name("quantity"), "%s: quantity %s is not positive, using 1", r.name("quantity"), q.String())
		return one
	}
	return q
}

func cleanItemName(name string) string {
	name = itemSequencePrefix.ReplaceAllString(strings.TrimSpace(name), "")
	return strings.Join(strings.Fields(name), " ")
}

// readLast4 keeps only the trailing four digits of a card number
func readLast4(r fieldReader) string {
	raw := r.text("payment.last4")
	if raw == "" {
		return ""
	}
	digits := nonDigits.ReplaceAllString(raw, "")
	switch {
	case digits == "":
		r.warn("payment.last4", "payment.last4: no digits in %q", raw)
		return ""
	case len(digits) > 4:
		r.warn("payment.last4", "payment.last4: %q has more than 4 digits, keeping the last 4", raw)
		return digits[len(digits)-4:]
	}
	return digits
}

// reconcile recomputes the total from the line items and checks the printed
// summary against it.
func (n *Normalizer) reconcile(receipt *Receipt, r fieldReader) {
	s := &receipt.Summary

	itemsTotal := decimal.Zero
	for _, item := range receipt.Items {
		if item.Total != nil {
			itemsTotal = itemsTotal.Add(*item.Total)
		}
	}
	computed := itemsTotal
	if s.Savings != nil {
		computed = computed.Sub(*s.Savings)
	}
	if s.Tax != nil {
		computed = computed.Add(*s.Tax)
	}
	s.ComputedTotal = computed.Round(2)

	switch {
	case s.Total == nil:
		total := s.ComputedTotal
		s.Total = &total
		s.Reconciled = true
	case s.Total.Sub(s.ComputedTotal).Abs().GreaterThan(n.tolerance):
		r.warn("summary.total", "summary.total mismatch: expected %s, got %s",
			s.ComputedTotal.StringFixed(2), s.Total.StringFixed(2))
		s.Reconciled = false
	default:
		s.Reconciled = true
	}

	lines := len(receipt.Items)
	extracted, ok := r.count("summary.items_purchased")
	if !ok {
		s.ItemsPurchased = lines
		return
	}
	s.ItemsPurchased = extracted
	if extracted != lines && extracted != unitCount(receipt.Items) {
		r.warn("summary.items_purchased", "summary.items_purchased mismatch: expected %d, got %d", lines, extracted)
	}
}

// unitCount sums whole quantities, or returns -1 when any quantity is
// fractional
func unitCount(items []LineItem) int {
	total := 0
	for _, item := range items {
		if !item.Quantity.IsInteger() {
			return -1
		}
		total += int(item.Quantity.IntPart())
	}
	return total
}

func combineTimestamp(date, clock string) *time.Time {
	if date == "" || clock == "" {
		return nil
	}
	d, ok := parseWithLayouts(date, dateLayouts)
	if !ok {
		return nil
	}
	t, ok := parseWithLayouts(strings.ToUpper(clock), timeLayouts)
	if !ok {
		return nil
	}
	ts := time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	return &ts
}

func parseWithLayouts(value string, layouts []string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
