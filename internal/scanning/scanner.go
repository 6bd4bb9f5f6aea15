package scanning

import "context"

// Extraction is the unprocessed result of one extraction call.
type Extraction struct {
	// Payload is the decoded model output. It is a string when the output
	// could not be decoded as JSON.
	Payload any
	// Text is the verbatim model output.
	Text string
	// ProcessedBy identifies the provider and model that produced the output.
	ProcessedBy string
}

// Scanner defines the interface for receipt extraction providers
type Scanner interface {
	// Extract sends a receipt image/PDF to the provider and returns its raw output
	Extract(ctx context.Context, data []byte, contentType string) (*Extraction, error)
	// Name identifies the provider and model, e.g. "gemini:gemini-2.5-pro"
	Name() string
	// Close closes the scanner and releases resources
	Close() error
}
