package receipt

import "errors"

var (
	// ErrExtractionMalformed means the extractor output does not have the
	// structure of a receipt. Retrying the same file is unlikely to help.
	ErrExtractionMalformed = errors.New("extraction result is malformed")

	// ErrNoItemsFound means the output was well formed but no usable line
	// items survived parsing.
	ErrNoItemsFound = errors.New("no items found on receipt")

	ErrNotFound = errors.New("receipt not found")

	ErrNoFile          = errors.New("no file provided")
	ErrEmptyFile       = errors.New("file is empty")
	ErrFileTooLarge    = errors.New("file is too large")
	ErrUnsupportedFile = errors.New("unsupported file type")
)
