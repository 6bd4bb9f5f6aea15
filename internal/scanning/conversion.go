package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// receiptExtractPrompt is shared by every provider
const receiptExtractPrompt = `You are reading a shopping receipt. Transcribe everything you can see, then extract it into structured JSON.

Return ONLY one JSON object in exactly this shape:
{
  "store": {"name": "", "location": "", "phone": "", "pharmacy_phone": "", "store_hours": ""},
  "receipt_meta": {"date": "YYYY-MM-DD", "time": "HH:MM", "cashier": "", "receipt_id": "", "expires": ""},
  "items": [
    {"name": "", "quantity": 1, "unit_price": 0.00, "total": 0.00}
  ],
  "summary": {"items_purchased": 0, "subtotal": 0.00, "savings": 0.00, "tax": 0.00, "total": 0.00},
  "payment": {"method": "", "card_type": "", "last4": "", "amount": 0.00, "transaction_id": "", "ref_no": ""},
  "ocr_text": ""
}

Rules:
- "items" lists every purchased line in printed order. Skip coupons, subtotals and tax lines.
- Copy prices exactly as printed; use numbers, not strings, when you can.
- "savings" is the total of all discounts and coupons as a positive number.
- "last4" is only the last four digits of the card number.
- "ocr_text" is the full receipt text, line by line, as printed.
- Use null for anything you cannot read. Never guess.
- Do not include any text before or after the JSON.`

// pdfToImage renders the first PDF page to PNG
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	return encodePNG(img)
}

// imageToPNG decodes JPEG, GIF, PNG or HEIC data and re-encodes it as PNG
func imageToPNG(data []byte, mimeType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)

	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// toPNG converts the upload to PNG, which every provider accepts.
// Conversion failures wrap ErrUnreadableImage.
func toPNG(data []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	switch {
	case mimeType == "application/pdf":
		out, err := pdfToImage(data)
		if err != nil {
			return nil, fmt.Errorf("%w: converting PDF: %v", ErrUnreadableImage, err)
		}
		return out, nil
	case mimeType == "image/png" && !isHEICFormat(data):
		return data, nil
	default:
		out, err := imageToPNG(data, mimeType)
		if err != nil {
			return nil, fmt.Errorf("%w: converting %s: %v", ErrUnreadableImage, mimeType, err)
		}
		return out, nil
	}
}
