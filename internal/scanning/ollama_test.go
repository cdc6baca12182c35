package scanning

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server     *ghttp.Server
		ollama     *Ollama
		imageData  []byte
		extraction *Extraction
		err        error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var newErr error
		ollama, newErr = NewOllama(server.URL(), "qwen2.5vl")
		Expect(newErr).NotTo(HaveOccurred())
		imageData = encodePNG(noiseImage(8, 8, 7))
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		extraction, err = ollama.ExtractCustomers(context.Background(), imageData, "image/png")
	})

	When("the model returns a customer array", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyHeaderKV("Content-Type", "application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					body, readErr := io.ReadAll(r.Body)
					Expect(readErr).NotTo(HaveOccurred())
					var req ollamaChatRequest
					Expect(json.Unmarshal(body, &req)).To(Succeed())
					Expect(req.Model).To(Equal("qwen2.5vl"))
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Content).To(Equal(customerExtractionPrompt))
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{
						Role:    "assistant",
						Content: "```json\n[{\"full_name\": \"Jane Doe\", \"email\": \"JANE@example.com\"}]\n```",
					},
					Done:            true,
					PromptEvalCount: 1200,
					EvalCount:       40,
				}),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should parse the customers", func() {
			Expect(extraction.Customers).To(Equal([]CustomerData{{FullName: "Jane Doe", Email: "JANE@example.com"}}))
		})

		It("should report token usage", func() {
			Expect(extraction.Usage).To(Equal(TokenUsage{PromptTokens: 1200, OutputTokens: 40, TotalTokens: 1240}))
		})

		It("should report the model", func() {
			Expect(extraction.Model).To(Equal("qwen2.5vl"))
		})
	})

	When("the API returns an error status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, "loading model"))
		})

		It("returns a status error", func() {
			var statusErr *StatusError
			Expect(err).To(BeAssignableToTypeOf(statusErr))
			Expect(err.(*StatusError).Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	When("the model answers with prose", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: "I cannot see any table."},
				Done:    true,
			}))
		})

		It("returns a parse failure", func() {
			Expect(err).To(MatchError(ErrParseFailure))
		})
	})
})
