package scanning

import "context"

// CustomerData is one customer row as read by the vision model. Fields are
// empty when the model left them out or returned something unusable.
type CustomerData struct {
	FullName     string `json:"full_name"`
	Email        string `json:"email"`
	CustomerType string `json:"customer_type"`
	CountryCode  string `json:"country_code"`
	Language     string `json:"language"`
}

// TokenUsage is the token accounting reported by the model provider
type TokenUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Extraction is the result of one extraction call
type Extraction struct {
	Customers []CustomerData
	Usage     TokenUsage
	Model     string
}

// Extractor defines the interface for customer list extraction
type Extractor interface {
	// ExtractCustomers sends a screenshot to the model and parses the customer rows it finds
	ExtractCustomers(ctx context.Context, imageData []byte, contentType string) (*Extraction, error)
	// Close closes the extractor and releases resources
	Close() error
}
