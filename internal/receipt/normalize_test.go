package receipt

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-processor/internal/scanning"
)

var _ = Describe("Normalizer", func() {
	var (
		clock      *mockTimeSource
		normalizer *Normalizer
		ex         *scanning.Extraction
		receipt    *Receipt
		warnings   []Warning
		err        error
	)

	fromPayload := func(payload any) *scanning.Extraction {
		return &scanning.Extraction{Payload: payload, ProcessedBy: "test:model"}
	}

	fromText := func(text string) *scanning.Extraction {
		return scanning.NewExtraction(text, "test:model")
	}

	BeforeEach(func() {
		clock = &mockTimeSource{now: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)}
		normalizer = NewNormalizerWithClock(DefaultTolerance, clock)
	})

	JustBeforeEach(func() {
		receipt, warnings, err = normalizer.Normalize(ex)
	})

	When("the payload is well formed and consistent", func() {
		BeforeEach(func() {
			ex = fromText(`{
				"store": {"name": "H-E-B", "location": "2400 S Congress Ave, Austin TX", "phone": "(512) 555-0100"},
				"receipt_meta": {"date": "01/15/2024", "time": "2:05 PM", "cashier": "JANE", "receipt_id": "0042"},
				"items": [
					{"name": "Whole Milk", "quantity": 2, "unit_price": 3.49, "total": 6.98},
					{"name": "Bananas", "quantity": "1.25", "unit_price": "0.59", "total": "0.74"},
					{"name": "Bread", "total": "$2.50"}
				],
				"summary": {"items_purchased": 3, "subtotal": 10.22, "savings": "1.00", "tax": "0.20", "total": "$9.42"},
				"payment": {"method": "Credit", "card_type": "VISA", "last4": "4321", "amount": 9.42, "transaction_id": "T-77", "ref_no": "R-1"},
				"ocr_text": "H-E-B\n..."
			}`)
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should not emit warnings", func() {
			Expect(warnings).To(BeEmpty())
		})

		It("should read the store", func() {
			Expect(receipt.Store).To(Equal(Store{
				Name:     "H-E-B",
				Location: "2400 S Congress Ave, Austin TX",
				Phone:    "(512) 555-0100",
			}))
		})

		It("should read every item in order", func() {
			Expect(receipt.Items).To(HaveLen(3))
			Expect(receipt.Items[0].Name).To(Equal("Whole Milk"))
			Expect(receipt.Items[0].Quantity.String()).To(Equal("2"))
			Expect(receipt.Items[0].Total).To(EqualAmount("6.98"))
			Expect(receipt.Items[1].Quantity.String()).To(Equal("1.25"))
			Expect(receipt.Items[2].UnitPrice).To(EqualAmount("2.50"))
		})

		It("should reconcile the summary", func() {
			Expect(receipt.Summary.Total).To(EqualAmount("9.42"))
			Expect(receipt.Summary.ComputedTotal.StringFixed(2)).To(Equal("9.42"))
			Expect(receipt.Summary.Reconciled).To(BeTrue())
			Expect(receipt.Summary.ItemsPurchased).To(Equal(3))
		})

		It("should read the payment", func() {
			Expect(receipt.Payment.CardType).To(Equal("VISA"))
			Expect(receipt.Payment.Last4).To(Equal("4321"))
			Expect(receipt.Payment.Amount).To(EqualAmount("9.42"))
		})

		It("should combine date and time into a timestamp", func() {
			Expect(receipt.Meta.Timestamp).NotTo(BeNil())
			Expect(*receipt.Meta.Timestamp).To(Equal(time.Date(2024, 1, 15, 14, 5, 0, 0, time.UTC)))
			Expect(receipt.Meta.Date).To(Equal("01/15/2024"))
		})

		It("should stamp the metadata", func() {
			Expect(receipt.Metadata.CreatedAt).To(Equal(clock.now))
			Expect(receipt.Metadata.ProcessedBy).To(Equal("test:model"))
			Expect(receipt.Metadata.RawText).To(Equal(ex.Text))
		})
	})

	When("the milk receipt is normalized", func() {
		BeforeEach(func() {
			ex = fromPayload(map[string]any{
				"items":   []any{map[string]any{"name": "Milk", "quantity": 1, "unit_price": "3.50"}},
				"summary": map[string]any{"total": "3.50"},
			})
		})

		It("should infer the item total", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Items).To(HaveLen(1))
			item := receipt.Items[0]
			Expect(item.Name).To(Equal("Milk"))
			Expect(item.Quantity.String()).To(Equal("1"))
			Expect(item.UnitPrice).To(EqualAmount("3.50"))
			Expect(item.Total).To(EqualAmount("3.50"))
		})

		It("should not emit warnings", func() {
			Expect(warnings).To(BeEmpty())
		})

		It("should take the payment amount from the printed total", func() {
			Expect(receipt.Payment.Amount).To(EqualAmount("3.50"))
		})

		It("should default items_purchased to the number of lines", func() {
			Expect(receipt.Summary.ItemsPurchased).To(Equal(1))
		})

		It("should keep the canonical payload as raw text", func() {
			Expect(receipt.Metadata.RawText).To(ContainSubstring(`"unit_price":"3.50"`))
		})
	})

	Describe("summary reconciliation", func() {
		payloadWithTotal := func(total string) *scanning.Extraction {
			return fromPayload(map[string]any{
				"items": []any{
					map[string]any{"name": "A", "total": "4.00"},
					map[string]any{"name": "B", "total": "6.00"},
				},
				"summary": map[string]any{"savings": "1.00", "total": total},
			})
		}

		When("the printed total matches items minus savings", func() {
			BeforeEach(func() {
				ex = payloadWithTotal("9.00")
			})

			It("should not emit warnings", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(warnings).To(BeEmpty())
				Expect(receipt.Summary.Reconciled).To(BeTrue())
			})
		})

		When("the printed total is within tolerance", func() {
			BeforeEach(func() {
				ex = payloadWithTotal("9.01")
			})

			It("should not emit warnings", func() {
				Expect(warnings).To(BeEmpty())
			})
		})

		When("the printed total is off", func() {
			BeforeEach(func() {
				ex = payloadWithTotal("9.50")
			})

			It("should emit exactly one mismatch warning", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(warnings).To(HaveLen(1))
				Expect(warnings[0].Field).To(Equal("summary.total"))
				Expect(warnings[0].Message).To(Equal("summary.total mismatch: expected 9.00, got 9.50"))
			})

			It("should keep the printed total for display", func() {
				Expect(receipt.Summary.Total).To(EqualAmount("9.50"))
				Expect(receipt.Summary.ComputedTotal.StringFixed(2)).To(Equal("9.00"))
				Expect(receipt.Summary.Reconciled).To(BeFalse())
			})
		})

		When("no total was printed", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items":   []any{map[string]any{"name": "A", "total": "4.00"}},
					"summary": map[string]any{"tax": "0.33"},
				})
			})

			It("should fill in the computed total including tax", func() {
				Expect(warnings).To(BeEmpty())
				Expect(receipt.Summary.Total).To(EqualAmount("4.33"))
				Expect(receipt.Summary.Reconciled).To(BeTrue())
			})
		})

		When("a wider tolerance is configured", func() {
			BeforeEach(func() {
				normalizer = NewNormalizerWithClock(decimal.RequireFromString("0.50"), clock)
				ex = payloadWithTotal("9.50")
			})

			It("should accept the printed total", func() {
				Expect(warnings).To(BeEmpty())
			})
		})
	})

	Describe("structural errors", func() {
		When("items is missing", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{"store": map[string]any{"name": "H-E-B"}})
			})

			It("should fail with ErrNoItemsFound", func() {
				Expect(err).To(MatchError(ErrNoItemsFound))
				Expect(receipt).To(BeNil())
			})
		})

		When("items is null", func() {
			BeforeEach(func() {
				ex = fromText(`{"items": null}`)
			})

			It("should fail with ErrNoItemsFound", func() {
				Expect(err).To(MatchError(ErrNoItemsFound))
			})
		})

		When("items is empty", func() {
			BeforeEach(func() {
				ex = fromText(`{"items": []}`)
			})

			It("should fail with ErrNoItemsFound", func() {
				Expect(err).To(MatchError(ErrNoItemsFound))
			})
		})

		When("items is not a sequence", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{"items": map[string]any{"name": "Milk"}})
			})

			It("should fail with ErrExtractionMalformed", func() {
				Expect(err).To(MatchError(ErrExtractionMalformed))
				Expect(receipt).To(BeNil())
			})
		})

		When("items is a string", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{"items": "Milk 3.50"})
			})

			It("should fail with ErrExtractionMalformed", func() {
				Expect(err).To(MatchError(ErrExtractionMalformed))
			})
		})

		When("a section is not an object", func() {
			BeforeEach(func() {
				ex = fromText(`{
					"store": "H-E-B",
					"payment": "VISA",
					"summary": ["3.50"],
					"items": [{"name": "Milk", "unit_price": "3.50"}]
				}`)
			})

			It("should ignore the section and warn", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.Store.Name).To(BeEmpty())
				Expect(receipt.Payment.Method).To(BeEmpty())
				Expect(receipt.Items).To(HaveLen(1))
				Expect(receipt.Summary.Total).To(EqualAmount("3.50"))
				Expect(warnings).To(ConsistOf(
					Warning{Field: "store", Message: `store: expected an object, got "H-E-B", ignored`},
					Warning{Field: "payment", Message: `payment: expected an object, got "VISA", ignored`},
					Warning{Field: "summary", Message: "summary: expected an object, got a list, ignored"},
				))
			})
		})

		When("the payload is not a mapping", func() {
			BeforeEach(func() {
				ex = fromText("Sorry, I cannot read this receipt.")
			})

			It("should fail with ErrExtractionMalformed", func() {
				Expect(err).To(MatchError(ErrExtractionMalformed))
			})
		})

		When("the payload is a bare list of items", func() {
			BeforeEach(func() {
				ex = fromText(`[{"name": "Milk"}]`)
			})

			It("should fail with ErrExtractionMalformed", func() {
				Expect(err).To(MatchError(ErrExtractionMalformed))
			})
		})

		When("there is no extraction", func() {
			BeforeEach(func() {
				ex = nil
			})

			It("should fail with ErrExtractionMalformed", func() {
				Expect(err).To(MatchError(ErrExtractionMalformed))
			})
		})
	})

	Describe("line items", func() {
		When("the only item has no name", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items": []any{map[string]any{"quantity": 2, "unit_price": 5}},
				})
			})

			It("should drop it and fail with ErrNoItemsFound", func() {
				Expect(err).To(MatchError(ErrNoItemsFound))
				Expect(warnings).To(ConsistOf(HaveField("Field", "items[0]")))
			})
		})

		When("some items are unusable", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items": []any{
						map[string]any{"name": "  ", "total": "1.00"},
						"stray text",
						map[string]any{"name": "2)  Eggs   Large", "total": "4.00"},
					},
				})
			})

			It("should keep the usable ones", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.Items).To(HaveLen(1))
			})

			It("should clean up the item name", func() {
				Expect(receipt.Items[0].Name).To(Equal("Eggs Large"))
			})

			It("should warn once per dropped item", func() {
				Expect(warnings).To(HaveLen(2))
				Expect(warnings[0].Field).To(Equal("items[0]"))
				Expect(warnings[1].Field).To(Equal("items[1]"))
			})
		})

		When("only the total is given", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items": []any{map[string]any{"name": "Soda", "quantity": "3x", "total_price": "4.50"}},
				})
			})

			It("should infer the unit price", func() {
				Expect(warnings).To(BeEmpty())
				Expect(receipt.Items[0].Quantity.String()).To(Equal("3"))
				Expect(receipt.Items[0].UnitPrice).To(EqualAmount("1.50"))
			})
		})

		When("the item total disagrees with quantity times price", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items": []any{map[string]any{"name": "Soda", "quantity": 2, "unit_price": "1.50", "total": "4.00"}},
				})
			})

			It("should warn and keep the printed total", func() {
				Expect(warnings).To(ContainElement(Warning{
					Field:   "items[0].total",
					Message: "items[0].total mismatch: expected 3.00, got 4.00",
				}))
				Expect(receipt.Items[0].Total).To(EqualAmount("4.00"))
			})
		})

		When("the quantity is unusable", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items": []any{
						map[string]any{"name": "A", "quantity": "lots", "total": "1.00"},
						map[string]any{"name": "B", "quantity": 0, "total": "1.00"},
					},
				})
			})

			It("should default to 1 with a warning", func() {
				Expect(receipt.Items[0].Quantity.String()).To(Equal("1"))
				Expect(receipt.Items[1].Quantity.String()).To(Equal("1"))
				Expect(warnings).To(ContainElements(
					HaveField("Field", "items[0].quantity"),
					HaveField("Field", "items[1].quantity"),
				))
			})
		})

		When("neither price nor total is given", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items": []any{map[string]any{"name": "Mystery"}},
				})
			})

			It("should keep the item without amounts", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.Items[0].Total).To(BeNil())
				Expect(receipt.Items[0].UnitPrice).To(BeNil())
				Expect(receipt.Summary.Total).To(EqualAmount("0"))
			})
		})
	})

	Describe("amounts", func() {
		When("a monetary field is negative", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items":   []any{map[string]any{"name": "A", "total": "5.00"}},
					"summary": map[string]any{"savings": "(1.00)", "total": "5.00"},
				})
			})

			It("should treat it as absent and warn", func() {
				Expect(receipt.Summary.Savings).To(BeNil())
				Expect(warnings).To(ConsistOf(Warning{
					Field:   "summary.savings",
					Message: "summary.savings: negative amount -1 treated as absent",
				}))
			})
		})

		When("a monetary field cannot be parsed", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items":   []any{map[string]any{"name": "A", "total": "5.00"}},
					"summary": map[string]any{"subtotal": "five dollars", "total": "5.00"},
				})
			})

			It("should leave it absent and warn", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.Summary.Subtotal).To(BeNil())
				Expect(warnings).To(ConsistOf(HaveField("Field", "summary.subtotal")))
			})
		})

		When("amounts use receipt formatting", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items": []any{
						map[string]any{"name": "TV", "total": "$1,299.99"},
						map[string]any{"name": "Cable", "total": "2,59"},
					},
					"summary": map[string]any{"total": "USD 1,302.58"},
				})
			})

			It("should parse them", func() {
				Expect(warnings).To(BeEmpty())
				Expect(receipt.Items[0].Total).To(EqualAmount("1299.99"))
				Expect(receipt.Items[1].Total).To(EqualAmount("2.59"))
			})
		})

		When("an amount has ambiguous separators", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items": []any{
						map[string]any{"name": "Cheese", "total": "12,5"},
						map[string]any{"name": "Wine", "total": "1,234,56"},
					},
				})
			})

			It("should read a short trailing group as a decimal comma", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.Items[0].Total).To(EqualAmount("12.50"))
			})

			It("should leave a malformed grouping absent and warn", func() {
				Expect(receipt.Items[1].Total).To(BeNil())
				Expect(warnings).To(ConsistOf(Warning{
					Field:   "items[1].total",
					Message: `items[1].total: cannot read "1,234,56" as an amount`,
				}))
			})
		})

		When("items_purchased disagrees with the item list", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items":   []any{map[string]any{"name": "A", "quantity": 2, "total": "2.00"}},
					"summary": map[string]any{"items_purchased": 5},
				})
			})

			It("should keep the extracted count and warn", func() {
				Expect(receipt.Summary.ItemsPurchased).To(Equal(5))
				Expect(warnings).To(ConsistOf(Warning{
					Field:   "summary.items_purchased",
					Message: "summary.items_purchased mismatch: expected 1, got 5",
				}))
			})
		})

		When("items_purchased is implausibly large", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items":   []any{map[string]any{"name": "A", "total": "2.00"}},
					"summary": map[string]any{"items_purchased": "99999999999999999999"},
				})
			})

			It("should fall back to the line count and warn", func() {
				Expect(receipt.Summary.ItemsPurchased).To(Equal(1))
				Expect(warnings).To(ConsistOf(Warning{
					Field:   "summary.items_purchased",
					Message: `summary.items_purchased: cannot read "99999999999999999999" as a count`,
				}))
			})
		})

		When("items_purchased counts units", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items":   []any{map[string]any{"name": "A", "quantity": 2, "total": "2.00"}},
					"summary": map[string]any{"items_purchased": "2"},
				})
			})

			It("should accept it", func() {
				Expect(warnings).To(BeEmpty())
				Expect(receipt.Summary.ItemsPurchased).To(Equal(2))
			})
		})
	})

	Describe("text fields", func() {
		When("the card number is longer than four digits", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items":   []any{map[string]any{"name": "A"}},
					"payment": map[string]any{"last4": "************98765"},
				})
			})

			It("should keep the last four with a warning", func() {
				Expect(receipt.Payment.Last4).To(Equal("8765"))
				Expect(warnings).To(ConsistOf(HaveField("Field", "payment.last4")))
			})
		})

		When("the card number has no digits", func() {
			BeforeEach(func() {
				ex = fromPayload(map[string]any{
					"items":   []any{map[string]any{"name": "A"}},
					"payment": map[string]any{"last4": "XXXX"},
				})
			})

			It("should leave it absent with a warning", func() {
				Expect(receipt.Payment.Last4).To(BeEmpty())
				Expect(warnings).To(ConsistOf(HaveField("Field", "payment.last4")))
			})
		})

		When("a text field holds a number", func() {
			BeforeEach(func() {
				ex = fromText(`{"items": [{"name": "A"}], "receipt_meta": {"receipt_id": 10042}}`)
			})

			It("should stringify it", func() {
				Expect(warnings).To(BeEmpty())
				Expect(receipt.Meta.ReceiptID).To(Equal("10042"))
			})
		})

		When("a text field holds an object", func() {
			BeforeEach(func() {
				ex = fromText(`{"items": [{"name": "A"}], "store": {"name": "X", "phone": {"main": "555"}}}`)
			})

			It("should drop it with a warning", func() {
				Expect(receipt.Store.Phone).To(BeEmpty())
				Expect(warnings).To(ConsistOf(HaveField("Field", "store.phone")))
			})
		})

		When("the time cannot be parsed", func() {
			BeforeEach(func() {
				ex = fromText(`{"items": [{"name": "A"}], "receipt_meta": {"date": "2024-01-15", "time": "afternoon"}}`)
			})

			It("should keep the strings without a timestamp", func() {
				Expect(warnings).To(BeEmpty())
				Expect(receipt.Meta.Timestamp).To(BeNil())
				Expect(receipt.Meta.Date).To(Equal("2024-01-15"))
				Expect(receipt.Meta.Time).To(Equal("afternoon"))
			})
		})

		When("only the date is present", func() {
			BeforeEach(func() {
				ex = fromText(`{"items": [{"name": "A"}], "receipt_meta": {"date": "2024-01-15"}}`)
			})

			It("should not set a timestamp", func() {
				Expect(receipt.Meta.Timestamp).To(BeNil())
			})
		})
	})

	When("the payload uses flat OCR keys", func() {
		BeforeEach(func() {
			ex = fromText(`{
				"merchant_name": "Restaurant Depot",
				"store_location": "Houston, TX",
				"transaction_date": "2024-03-02",
				"transaction_time": "09:15:00",
				"receipt_number": "RD-991",
				"items": [{"name": "Flour 50lb", "price": 21.99}],
				"tax_amount": "1.81",
				"total_amount": "23.80",
				"payment_method": "Cash"
			}`)
		})

		It("should map them onto the canonical fields", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(warnings).To(BeEmpty())
			Expect(receipt.Store.Name).To(Equal("Restaurant Depot"))
			Expect(receipt.Store.Location).To(Equal("Houston, TX"))
			Expect(receipt.Meta.ReceiptID).To(Equal("RD-991"))
			Expect(receipt.Meta.Timestamp).NotTo(BeNil())
			Expect(receipt.Summary.Tax).To(EqualAmount("1.81"))
			Expect(receipt.Summary.Total).To(EqualAmount("23.80"))
			Expect(receipt.Payment.Method).To(Equal("Cash"))
			Expect(receipt.Payment.Amount).To(EqualAmount("23.80"))
		})
	})

	When("the store name is missing but the text names a known merchant", func() {
		BeforeEach(func() {
			ex = fromText(`{
				"items": [{"name": "Tortillas", "total": 2.00}],
				"ocr_text": "H-E-B Food-Drugs\n5808 Burnet Rd\nAustin, TX 78756\nTORTILLAS 2.00"
			}`)
		})

		It("should infer the merchant and warn", func() {
			Expect(receipt.Store.Name).To(Equal("H-E-B"))
			Expect(warnings).To(ConsistOf(HaveField("Field", "store.name")))
		})
	})

	When("no total was printed and no payment amount given", func() {
		BeforeEach(func() {
			ex = fromPayload(map[string]any{
				"items":   []any{map[string]any{"name": "Milk", "total": "3.50"}},
				"payment": map[string]any{"method": "Cash"},
			})
		})

		It("should leave the payment amount absent", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Summary.Total).To(EqualAmount("3.50"))
			Expect(receipt.Payment.Amount).To(BeNil())
		})
	})

	When("an item name mentions a known merchant but the store is missing", func() {
		BeforeEach(func() {
			ex = fromText(`{"items": [{"name": "HEB Whole Milk", "total": "3.50"}]}`)
		})

		It("should not infer the store from the model output", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Store.Name).To(BeEmpty())
			Expect(warnings).To(BeEmpty())
		})
	})

	Describe("idempotence", func() {
		BeforeEach(func() {
			ex = fromText(milkJSON)
		})

		It("should produce identical receipts for the same payload and clock", func() {
			again, againWarnings, againErr := normalizer.Normalize(ex)
			Expect(againErr).NotTo(HaveOccurred())
			Expect(again).To(Equal(receipt))
			Expect(againWarnings).To(Equal(warnings))
		})

		It("should be safe to call concurrently", func() {
			var wg sync.WaitGroup
			results := make([]*Receipt, 8)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					r, _, err := normalizer.Normalize(ex)
					Expect(err).NotTo(HaveOccurred())
					results[i] = r
				}(i)
			}
			wg.Wait()
			for _, r := range results {
				Expect(r).To(Equal(receipt))
			}
		})
	})
})
