package scanning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const previewLength = 200

var (
	// ErrParseFailure is returned when the model response contains no parseable JSON
	ErrParseFailure = errors.New("could not parse extraction response")

	// ErrMalformedResponse is returned when the model response is JSON but not an array
	ErrMalformedResponse = errors.New("extraction response is not an array")
)

// ParseError carries a truncated copy of the raw response for diagnostics
type ParseError struct {
	Preview string
	Cause   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v (response: %q)", ErrParseFailure, e.Cause, e.Preview)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParseFailure, e.Cause}
}

// ParseCustomers parses the text response from a vision model into candidate rows.
// An empty array is a valid result.
func ParseCustomers(text string) ([]CustomerData, error) {
	cleaned := stripCodeFences(text)

	var value any
	if err := json.Unmarshal([]byte(cleaned), &value); err != nil {
		// The model sometimes wraps the array in prose
		start := strings.Index(cleaned, "[")
		end := strings.LastIndex(cleaned, "]")
		if start == -1 || end < start {
			return nil, &ParseError{Preview: preview(text), Cause: err}
		}
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &value); err != nil {
			return nil, &ParseError{Preview: preview(text), Cause: err}
		}
	}

	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrMalformedResponse, jsonKind(value))
	}

	customers := make([]CustomerData, 0, len(items))
	for _, item := range items {
		customers = append(customers, candidateFromJSON(item))
	}
	return customers, nil
}

// stripCodeFences removes markdown code block markers anywhere in the text
func stripCodeFences(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```JSON", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

// candidateFromJSON converts one array element; anything that is not an object
// becomes an empty candidate and is dropped later by validation.
func candidateFromJSON(item any) CustomerData {
	m, ok := item.(map[string]any)
	if !ok {
		return CustomerData{}
	}
	return CustomerData{
		FullName:     stringField(m, "full_name"),
		Email:        stringField(m, "email"),
		CustomerType: stringField(m, "customer_type"),
		CountryCode:  stringField(m, "country_code"),
		Language:     stringField(m, "language"),
	}
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "true"
		}
		return ""
	default:
		return ""
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength]) + "..."
}
