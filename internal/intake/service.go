// Package intake runs the screenshot upload pipeline and serves it over HTTP.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/zombor/outreach-intake/internal/cache"
	"github.com/zombor/outreach-intake/internal/customer"
	"github.com/zombor/outreach-intake/internal/scanning"
)

const (
	dayLayout           = "2006-01-02"
	noCustomersMessage  = "No customers found in image"
	defaultLanguageCode = "en"
)

// InputError is a problem with the request itself
type InputError struct {
	Message string
}

func (e *InputError) Error() string {
	return e.Message
}

// IDGenerator generates unique IDs for uploads
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
	return time.Now()
}

// UploadResult is the outcome of one upload
type UploadResult struct {
	Success            bool                   `json:"success"`
	UploadID           string                 `json:"upload_id"`
	CacheHit           bool                   `json:"cache_hit"`
	CustomersExtracted int                    `json:"customers_extracted"`
	Customers          []customer.Outcome     `json:"customers"`
	Errors             []customer.RecordError `json:"errors,omitempty"`
	Message            string                 `json:"message,omitempty"`
}

// Service handles customer list uploads
type Service struct {
	db              customer.DB
	extractor       scanning.Extractor
	normalizer      *scanning.Normalizer
	cache           *cache.Cache
	reconciler      *customer.Reconciler
	idGenerator     IDGenerator
	timeSource      TimeSource
	defaultLanguage string
	inflight        singleflight.Group
}

// NewService creates a new Service with default ID generator and time source
func NewService(db customer.DB, extractor scanning.Extractor, extractions *cache.Cache, defaultLanguage string) *Service {
	return NewServiceWithDeps(db, extractor, scanning.NewNormalizer(), extractions, customer.NewReconciler(db),
		defaultLanguage, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(
	db customer.DB,
	extractor scanning.Extractor,
	normalizer *scanning.Normalizer,
	extractions *cache.Cache,
	reconciler *customer.Reconciler,
	defaultLanguage string,
	idGen IDGenerator,
	timeSrc TimeSource,
) *Service {
	if defaultLanguage == "" {
		defaultLanguage = defaultLanguageCode
	}
	return &Service{
		db:              db,
		extractor:       extractor,
		normalizer:      normalizer,
		cache:           extractions,
		reconciler:      reconciler,
		idGenerator:     idGen,
		timeSource:      timeSrc,
		defaultLanguage: defaultLanguage,
	}
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)

	base = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`).ReplaceAllString(base, "")
	base = regexp.MustCompile(`\s+`).ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "upload"
	}
	return base + strings.ToLower(ext)
}

// ProcessUpload extracts customers from a screenshot and merges them into the caller's tenant.
// Identical images are extracted once per validity window; concurrent identical
// uploads share a single extraction.
func (s *Service) ProcessUpload(ctx context.Context, caller Caller, filename string, data []byte, contentType string) (*UploadResult, error) {
	if len(data) == 0 {
		return nil, &InputError{Message: "uploaded file is empty"}
	}

	key := cache.Key{Tenant: caller.TenantID, Hash: cache.HashContent(data)}
	upload := &customer.Upload{
		ID:          s.idGenerator.Generate(),
		TenantID:    caller.TenantID,
		UserID:      caller.UserID,
		Filename:    sanitizeFilename(filename),
		ContentType: contentType,
		Hash:        key.Hash.String(),
		Size:        len(data),
		CreatedAt:   s.timeSource.Now(),
	}

	records, cacheHit, err := s.extract(ctx, caller, key, data, contentType)
	upload.CacheHit = cacheHit
	if err != nil {
		extractionsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		slog.Error("Failed to extract customers",
			"upload_id", upload.ID,
			"tenant_id", caller.TenantID,
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		upload.Status = customer.UploadFailed
		if saveErr := s.db.SaveUpload(ctx, upload); saveErr != nil {
			slog.Error("Failed to save upload", "upload_id", upload.ID, "error", saveErr)
		}
		return nil, err
	}
	if cacheHit {
		extractionsTotal.WithLabelValues("cache_hit").Inc()
	} else {
		extractionsTotal.WithLabelValues("ok").Inc()
	}

	result := &UploadResult{
		Success:   true,
		UploadID:  upload.ID,
		CacheHit:  cacheHit,
		Customers: make([]customer.Outcome, 0),
	}

	if len(records) == 0 {
		upload.Status = customer.UploadEmpty
		if err := s.db.SaveUpload(ctx, upload); err != nil {
			return nil, fmt.Errorf("saving upload: %w", err)
		}
		result.Message = noCustomersMessage
		return result, nil
	}

	language := caller.Language
	if language == "" {
		language = s.defaultLanguage
	}
	reconciled := s.reconciler.Reconcile(ctx, caller.TenantID, upload.ID, customer.WithDefaultLanguage(records, language))
	result.Customers = reconciled.Outcomes
	result.CustomersExtracted = len(reconciled.Outcomes)
	result.Errors = reconciled.Errors

	upload.Status = customer.UploadCompleted
	upload.Extracted = len(reconciled.Outcomes)
	if err := s.db.SaveUpload(ctx, upload); err != nil {
		return nil, fmt.Errorf("saving upload: %w", err)
	}

	slog.Info("Processed upload",
		"upload_id", upload.ID,
		"tenant_id", caller.TenantID,
		"cache_hit", cacheHit,
		"inserted", len(reconciled.Inserted),
		"updated", len(reconciled.Updated),
		"errors", len(reconciled.Errors),
	)
	return result, nil
}

// extract returns validated records for the image, from the cache when possible
func (s *Service) extract(ctx context.Context, caller Caller, key cache.Key, data []byte, contentType string) ([]customer.Record, bool, error) {
	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("checking extraction cache: %w", err)
	}
	if ok {
		return entry.Records, true, nil
	}

	// The shared call must outlive any single waiter
	shared := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(key.String(), func() (any, error) {
		return s.extractAndCache(shared, caller, key, data, contentType)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]customer.Record), false, nil
	}
}

func (s *Service) extractAndCache(ctx context.Context, caller Caller, key cache.Key, data []byte, contentType string) ([]customer.Record, error) {
	normalized, normalizedType := s.normalizer.Normalize(data, contentType)
	if len(normalized) != len(data) {
		slog.Info("Normalized upload", "hash", key.Hash, "from_bytes", len(data), "to_bytes", len(normalized), "content_type", normalizedType)
	}

	extraction, err := s.extractor.ExtractCustomers(ctx, normalized, normalizedType)
	if err != nil {
		return nil, fmt.Errorf("extracting customers: %w", err)
	}
	s.recordUsage(ctx, caller, extraction)

	// Cached records keep missing languages empty; each caller's default is applied on reconcile
	records := customer.ValidateCandidates(extraction.Customers)
	if dropped := len(extraction.Customers) - len(records); dropped > 0 {
		slog.Info("Dropped incomplete customers", "hash", key.Hash, "dropped", dropped)
	}

	if _, err := s.cache.Put(ctx, key, records); err != nil {
		return nil, fmt.Errorf("caching extraction: %w", err)
	}
	return records, nil
}

// recordUsage is best-effort; a failure is logged and never fails the upload
func (s *Service) recordUsage(ctx context.Context, caller Caller, extraction *scanning.Extraction) {
	usage := customer.Usage{
		UserID:       caller.UserID,
		Day:          s.timeSource.Now().UTC().Format(dayLayout),
		Requests:     1,
		PromptTokens: extraction.Usage.PromptTokens,
		OutputTokens: extraction.Usage.OutputTokens,
		TotalTokens:  extraction.Usage.TotalTokens,
	}
	if err := s.db.RecordUsage(ctx, usage); err != nil {
		slog.Warn("Failed to record usage", "user_id", caller.UserID, "day", usage.Day, "error", err)
	}
}

// ListCustomers returns the tenant's customers
func (s *Service) ListCustomers(ctx context.Context, tenantID string) ([]*customer.Customer, error) {
	customers, err := s.db.ListCustomers(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing customers: %w", err)
	}
	return customers, nil
}

// GetUpload returns one of the tenant's uploads
func (s *Service) GetUpload(ctx context.Context, tenantID, id string) (*customer.Upload, error) {
	upload, err := s.db.GetUpload(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("getting upload: %w", err)
	}
	return upload, nil
}

// ExportCustomers writes the tenant's customers to w as an XLSX workbook
func (s *Service) ExportCustomers(ctx context.Context, tenantID string, w io.Writer) error {
	customers, err := s.ListCustomers(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := customer.WriteXLSX(w, customers); err != nil {
		return fmt.Errorf("exporting customers: %w", err)
	}
	return nil
}

// GetUsage returns the user's usage for day (YYYY-MM-DD), today if empty
func (s *Service) GetUsage(ctx context.Context, userID, day string) (*customer.Usage, error) {
	if day == "" {
		day = s.timeSource.Now().UTC().Format(dayLayout)
	} else if _, err := time.Parse(dayLayout, day); err != nil {
		return nil, &InputError{Message: "day must be formatted as YYYY-MM-DD"}
	}

	usage, err := s.db.GetUsage(ctx, userID, day)
	if err != nil {
		return nil, fmt.Errorf("getting usage: %w", err)
	}
	return usage, nil
}

// outcomeLabel classifies an extraction error for metrics
func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, scanning.ErrParseFailure), errors.Is(err, scanning.ErrMalformedResponse):
		return "parse_error"
	case errors.Is(err, scanning.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, scanning.ErrUnsupportedImage):
		return "unsupported_image"
	default:
		return "error"
	}
}
