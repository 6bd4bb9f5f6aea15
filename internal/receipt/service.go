package receipt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-processor/internal/scanning"
)

const reprocessedSuffix = " (reprocessed)"

// IDGenerator generates correlation IDs for uploads
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Config holds the pipeline settings
type Config struct {
	// Tolerance is the allowed drift between printed and computed totals.
	// nil uses DefaultTolerance; zero requires an exact match.
	Tolerance *decimal.Decimal
	// MaxRetries is how many times a failed extraction call is retried
	MaxRetries uint64
	// RetryInterval is the first backoff delay between retries
	RetryInterval time.Duration
	// ExtractTimeout bounds a single extraction call
	ExtractTimeout time.Duration
	// Metrics may be nil, in which case a private registry is used
	Metrics *Metrics
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	tolerance := DefaultTolerance
	return Config{
		Tolerance:      &tolerance,
		MaxRetries:     2,
		RetryInterval:  500 * time.Millisecond,
		ExtractTimeout: 60 * time.Second,
	}
}

// Result is a stored receipt and the anomalies found while normalizing it
type Result struct {
	ID       string    `json:"id"`
	Receipt  *Receipt  `json:"result"`
	Warnings []Warning `json:"warnings"`
}

// Service runs uploads through intake, extraction, normalization and storage
type Service struct {
	db          DB
	scanner     scanning.Scanner
	intake      Intake
	normalizer  *Normalizer
	cfg         Config
	metrics     *Metrics
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, scanner scanning.Scanner, intake Intake, cfg Config) *Service {
	return NewServiceWithDeps(db, scanner, intake, cfg, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, intake Intake, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	defaults := DefaultConfig()
	if cfg.Tolerance == nil {
		cfg.Tolerance = defaults.Tolerance
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = defaults.ExtractTimeout
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	return &Service{
		db:          db,
		scanner:     scanner,
		intake:      intake,
		normalizer:  NewNormalizerWithClock(*cfg.Tolerance, timeSrc),
		cfg:         cfg,
		metrics:     metrics,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// ProcessUpload stages, extracts, normalizes and stores one uploaded
// receipt. Nothing is stored when any step fails, and the staged file is
// always removed.
func (s *Service) ProcessUpload(ctx context.Context, filename string, r io.Reader) (*Result, error) {
	correlationID := s.idGenerator.Generate()
	log := slog.With("correlation_id", correlationID, "filename", filename)

	staged, err := s.intake.Stage(filename, r)
	if err != nil {
		s.metrics.upload(outcomeRejected)
		return nil, fmt.Errorf("staging upload: %w", err)
	}
	defer func() {
		if err := staged.Release(); err != nil {
			log.Warn("Failed to release staged file", "path", staged.Path, "error", err)
		}
	}()

	data, err := staged.ReadAll()
	if err != nil {
		s.metrics.upload(outcomeRejected)
		return nil, err
	}

	log.Info("Extracting receipt", "content_type", staged.ContentType, "file_size", staged.Size, "provider", s.scanner.Name())
	ex, err := s.extract(ctx, log, data, staged.ContentType)
	if err != nil {
		log.Error("Failed to extract receipt", "error", err)
		if errors.Is(err, scanning.ErrUnreadableImage) {
			s.metrics.upload(outcomeUnreadable)
		} else {
			s.metrics.upload(outcomeExtractionError)
		}
		return nil, fmt.Errorf("extracting receipt: %w", err)
	}

	return s.store(log, ex, correlationID, "")
}

// Reprocess normalizes the raw output kept on an existing receipt again and
// stores the outcome as a new record that supersedes it. The original is
// left untouched.
func (s *Service) Reprocess(ctx context.Context, id string) (*Result, error) {
	original, err := s.db.Get(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	correlationID := s.idGenerator.Generate()
	log := slog.With("correlation_id", correlationID, "supersedes", id)

	processedBy := strings.TrimSuffix(original.Metadata.ProcessedBy, reprocessedSuffix) + reprocessedSuffix
	ex := scanning.NewExtraction(original.Metadata.RawText, processedBy)

	return s.store(log, ex, correlationID, id)
}

func (s *Service) store(log *slog.Logger, ex *scanning.Extraction, correlationID, supersedes string) (*Result, error) {
	receipt, warnings, err := s.normalizer.Normalize(ex)
	s.metrics.observeWarnings(warnings)
	if err != nil {
		log.Warn("Failed to normalize receipt", "error", err, "warnings", len(warnings))
		if errors.Is(err, ErrNoItemsFound) {
			s.metrics.upload(outcomeNoItems)
		} else {
			s.metrics.upload(outcomeMalformed)
		}
		return nil, fmt.Errorf("normalizing receipt: %w", err)
	}

	receipt.Metadata.CorrelationID = correlationID
	receipt.Metadata.Supersedes = supersedes

	id, err := s.db.Put(receipt)
	if err != nil {
		s.metrics.upload(outcomeStoreError)
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}
	s.metrics.upload(outcomeStored)

	for _, w := range warnings {
		log.Info("Receipt warning", "id", id, "field", w.Field, "message", w.Message)
	}
	log.Info("Receipt stored", "id", id, "items", len(receipt.Items), "warnings", len(warnings), "reconciled", receipt.Summary.Reconciled)

	return &Result{ID: id, Receipt: receipt, Warnings: warnings}, nil
}

// extract calls the scanner, retrying service failures with exponential
// backoff. Other errors are returned immediately.
func (s *Service) extract(ctx context.Context, log *slog.Logger, data []byte, contentType string) (*scanning.Extraction, error) {
	var ex *scanning.Extraction
	attempt := 0

	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.ExtractTimeout)
		defer cancel()

		start := s.timeSource.Now()
		result, err := s.scanner.Extract(callCtx, data, contentType)
		s.metrics.extraction(s.scanner.Name(), err, s.timeSource.Now().Sub(start))
		if err == nil {
			ex = result
			return nil
		}
		if errors.Is(err, scanning.ErrExtractionService) {
			log.Warn("Extraction attempt failed", "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryInterval
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, s.cfg.MaxRetries), ctx)); err != nil {
		return nil, err
	}
	return ex, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(id string) (*Receipt, error) {
	receipt, err := s.db.Get(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns all receipts
func (s *Service) ListReceipts() ([]*Receipt, error) {
	receipts, err := s.db.List()
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// Now returns the service clock's current time
func (s *Service) Now() time.Time {
	return s.timeSource.Now()
}

// MaxUploadBytes is the largest upload the intake accepts
func (s *Service) MaxUploadBytes() int64 {
	return s.intake.MaxBytes()
}
