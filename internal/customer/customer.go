package customer

import (
	"errors"
	"time"
)

// Canonical customer types
const (
	TypeRetail    = "retail"
	TypeWholesale = "wholesale"
	TypeAdvocates = "advocates"
)

// Upload statuses
const (
	UploadCompleted = "completed"
	UploadEmpty     = "empty"
	UploadFailed    = "failed"
)

// ErrNotFound is returned when a lookup has no matching row
var ErrNotFound = errors.New("not found")

// Record is a validated customer row extracted from a screenshot
type Record struct {
	FullName      string `json:"full_name"`
	Email         string `json:"email"`
	CustomerType  string `json:"customer_type"`
	CountryCode   string `json:"country_code"`
	Language      string `json:"language"`
	TypeDefaulted bool   `json:"type_defaulted,omitempty"` // customer_type fell back to retail
}

// Customer is a stored customer, unique per tenant and email
type Customer struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	CustomerType string    `json:"customer_type"`
	CountryCode  string    `json:"country_code"`
	Language     string    `json:"language"`
	UploadID     string    `json:"upload_id"` // upload that first created the customer
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Upload records one screenshot upload and how it was processed
type Upload struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Hash        string    `json:"hash"`
	Size        int       `json:"size"`
	CacheHit    bool      `json:"cache_hit"`
	Extracted   int       `json:"extracted"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Usage is the extraction token usage of one user on one calendar day
type Usage struct {
	UserID       string `json:"user_id"`
	Day          string `json:"day"` // YYYY-MM-DD
	Requests     int    `json:"requests"`
	PromptTokens int    `json:"prompt_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
}

// Extraction is a cached extraction result for one image in one tenant
type Extraction struct {
	Tenant    string    `json:"tenant"`
	Hash      string    `json:"hash"`
	Records   []Record  `json:"records"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordError reports a record that could not be stored
type RecordError struct {
	Email string `json:"customer"`
	Error string `json:"error"`
}
