package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// geminiNativeTypes are sent as-is, everything else is converted to PNG
var geminiNativeTypes = []string{"image/png", "image/jpeg", "image/webp"}

// Gemini implements the Extractor interface using Google Gemini
type Gemini struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
}

// NewGemini creates a new Gemini Extractor instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client:    client,
		model:     model,
		modelName: modelName,
	}, nil
}

// ExtractCustomers analyzes a customer list screenshot and extracts its rows
func (g *Gemini) ExtractCustomers(ctx context.Context, imageData []byte, contentType string) (*Extraction, error) {
	reqID := uuid.New().String()
	start := time.Now()

	finalImageData, mimeType, converted, err := prepareImageData(imageData, contentType, geminiNativeTypes...)
	if err != nil {
		return nil, err
	}

	slog.Info("gemini.extract.start",
		"req_id", reqID,
		"model", g.modelName,
		"content_type", mimeType,
		"converted", converted,
		"bytes", len(finalImageData),
	)

	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
	parts := []genai.Part{
		genai.ImageData(strings.TrimPrefix(mimeType, "image/"), finalImageData),
		genai.Text(customerExtractionPrompt),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		slog.Error("gemini.extract.error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	customers, err := ParseCustomers(responseText.String())
	if err != nil {
		slog.Error("gemini.extract.parse_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("parsing customer data: %w", err)
	}

	extraction := &Extraction{
		Customers: customers,
		Usage:     geminiUsage(g.countPromptTokens(ctx, reqID, parts), resp.Candidates[0]),
		Model:     g.modelName,
	}

	slog.Info("gemini.extract.ok",
		"req_id", reqID,
		"customers", len(customers),
		"total_tokens", extraction.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return extraction, nil
}

// countPromptTokens returns 0 when the count request fails
func (g *Gemini) countPromptTokens(ctx context.Context, reqID string, parts []genai.Part) int32 {
	resp, err := g.model.CountTokens(ctx, parts...)
	if err != nil {
		slog.Warn("gemini.extract.count_tokens_error", "req_id", reqID, "error", err)
		return 0
	}
	return resp.TotalTokens
}

// geminiUsage combines the counted prompt tokens with the candidate's output tokens
func geminiUsage(promptTokens int32, candidate *genai.Candidate) TokenUsage {
	usage := TokenUsage{PromptTokens: int(promptTokens)}
	if candidate != nil {
		usage.OutputTokens = int(candidate.TokenCount)
	}
	usage.TotalTokens = usage.PromptTokens + usage.OutputTokens
	return usage
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
