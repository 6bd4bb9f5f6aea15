package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

// Receipt is the canonical record of one purchase. Money fields are nil when
// the receipt did not show them or they could not be read.
type Receipt struct {
	ID       string     `json:"id"`
	Store    Store      `json:"store"`
	Meta     Meta       `json:"receipt_meta"`
	Items    []LineItem `json:"items"`
	Summary  Summary    `json:"summary"`
	Payment  Payment    `json:"payment"`
	Metadata Metadata   `json:"metadata"`
}

type Store struct {
	Name          string `json:"name,omitempty"`
	Location      string `json:"location,omitempty"`
	Phone         string `json:"phone,omitempty"`
	PharmacyPhone string `json:"pharmacy_phone,omitempty"`
	StoreHours    string `json:"store_hours,omitempty"`
}

// Meta holds what the receipt says about itself. Date and Time are kept as
// printed; Timestamp is set only when both parse.
type Meta struct {
	Date      string     `json:"date,omitempty"`
	Time      string     `json:"time,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Cashier   string     `json:"cashier,omitempty"`
	ReceiptID string     `json:"receipt_id,omitempty"`
	Expires   string     `json:"expires,omitempty"`
}

// LineItem is one purchased line
type LineItem struct {
	Name      string           `json:"name"`
	Quantity  decimal.Decimal  `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Total     *decimal.Decimal `json:"total,omitempty"`
}

type Summary struct {
	ItemsPurchased int              `json:"items_purchased"`
	Subtotal       *decimal.Decimal `json:"subtotal,omitempty"`
	Savings        *decimal.Decimal `json:"savings,omitempty"`
	Tax            *decimal.Decimal `json:"tax,omitempty"`
	// Total is the printed total, or ComputedTotal when none was printed
	Total *decimal.Decimal `json:"total,omitempty"`
	// ComputedTotal is sum(items) - savings + tax
	ComputedTotal decimal.Decimal `json:"computed_total"`
	// Reconciled is false when Total and ComputedTotal disagree
	Reconciled bool `json:"reconciled"`
}

type Payment struct {
	Method        string           `json:"method,omitempty"`
	CardType      string           `json:"card_type,omitempty"`
	Last4         string           `json:"last4,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	TransactionID string           `json:"transaction_id,omitempty"`
	RefNo         string           `json:"ref_no,omitempty"`
}

type Metadata struct {
	CreatedAt     time.Time `json:"created_at"`
	ProcessedBy   string    `json:"processed_by"`
	RawText       string    `json:"raw_text"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	// Supersedes is the id of the record this one was reprocessed from
	Supersedes string `json:"supersedes,omitempty"`
}

// Warning is a non-fatal anomaly found while normalizing
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return w.Message
}
