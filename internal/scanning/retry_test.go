package scanning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// mockExtractor returns queued errors before succeeding
type mockExtractor struct {
	errs       []error
	calls      int
	extraction *Extraction
	closed     bool
	deadlines  []bool
}

func (m *mockExtractor) ExtractCustomers(ctx context.Context, imageData []byte, contentType string) (*Extraction, error) {
	m.calls++
	_, hasDeadline := ctx.Deadline()
	m.deadlines = append(m.deadlines, hasDeadline)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	return m.extraction, nil
}

func (m *mockExtractor) Close() error {
	m.closed = true
	return nil
}

var _ = Describe("Retrying", func() {
	var (
		next       *mockExtractor
		retrying   *Retrying
		extraction *Extraction
		err        error
	)

	BeforeEach(func() {
		next = &mockExtractor{
			extraction: &Extraction{Customers: []CustomerData{{FullName: "Jane", Email: "jane@example.com"}}},
		}
		retrying = NewRetryingWithBackOff(next, 2, time.Second, func() backoff.BackOff {
			return &backoff.ZeroBackOff{}
		})
	})

	JustBeforeEach(func() {
		extraction, err = retrying.ExtractCustomers(context.Background(), []byte("img"), "image/png")
	})

	When("the first attempt succeeds", func() {
		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should call the provider once", func() {
			Expect(next.calls).To(Equal(1))
		})

		It("should set a deadline on the attempt", func() {
			Expect(next.deadlines).To(Equal([]bool{true}))
		})

		It("should return the extraction", func() {
			Expect(extraction).To(Equal(next.extraction))
		})
	})

	When("a transient failure is followed by success", func() {
		BeforeEach(func() {
			next.errs = []error{&StatusError{Code: http.StatusServiceUnavailable}}
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should retry", func() {
			Expect(next.calls).To(Equal(2))
		})
	})

	When("every attempt fails", func() {
		BeforeEach(func() {
			next.errs = []error{
				errors.New("connection reset"),
				errors.New("connection reset"),
				errors.New("connection reset"),
				errors.New("connection reset"),
			}
		})

		It("returns a provider unavailable error", func() {
			Expect(err).To(MatchError(ErrProviderUnavailable))
		})

		It("should stop after the retry budget", func() {
			Expect(next.calls).To(Equal(3))
		})
	})

	When("the response cannot be parsed", func() {
		BeforeEach(func() {
			next.errs = []error{&ParseError{Preview: "nope", Cause: errors.New("bad json")}}
		})

		It("returns the parse failure", func() {
			Expect(err).To(MatchError(ErrParseFailure))
			Expect(errors.Is(err, ErrProviderUnavailable)).To(BeFalse())
		})

		It("should not retry", func() {
			Expect(next.calls).To(Equal(1))
		})
	})

	When("the provider rejects the request", func() {
		BeforeEach(func() {
			next.errs = []error{&StatusError{Code: http.StatusBadRequest, Body: "bad image"}}
		})

		It("should not retry", func() {
			Expect(next.calls).To(Equal(1))
			Expect(errors.Is(err, ErrProviderUnavailable)).To(BeFalse())
		})
	})

	When("the image cannot be decoded", func() {
		BeforeEach(func() {
			next.errs = []error{fmt.Errorf("%w: bad bytes", ErrUnsupportedImage)}
		})

		It("should not retry", func() {
			Expect(err).To(MatchError(ErrUnsupportedImage))
			Expect(next.calls).To(Equal(1))
		})
	})

	When("the provider is rate limited", func() {
		BeforeEach(func() {
			next.errs = []error{&StatusError{Code: http.StatusTooManyRequests}}
		})

		It("should retry", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(next.calls).To(Equal(2))
		})
	})

	When("gemini rejects the api key", func() {
		BeforeEach(func() {
			next.errs = []error{fmt.Errorf("generating content: %w", &googleapi.Error{Code: http.StatusForbidden, Message: "API key not valid"})}
		})

		It("should not retry", func() {
			Expect(next.calls).To(Equal(1))
			Expect(errors.Is(err, ErrProviderUnavailable)).To(BeFalse())
		})
	})

	When("gemini is overloaded", func() {
		BeforeEach(func() {
			next.errs = []error{&googleapi.Error{Code: http.StatusServiceUnavailable}}
		})

		It("should retry", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(next.calls).To(Equal(2))
		})
	})

	When("the grpc call has an invalid argument", func() {
		BeforeEach(func() {
			next.errs = []error{fmt.Errorf("generating content: %w", status.Error(codes.InvalidArgument, "image too large"))}
		})

		It("should not retry", func() {
			Expect(next.calls).To(Equal(1))
			Expect(errors.Is(err, ErrProviderUnavailable)).To(BeFalse())
		})
	})

	When("the grpc service is unavailable", func() {
		BeforeEach(func() {
			next.errs = []error{status.Error(codes.Unavailable, "try again")}
		})

		It("should retry", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(next.calls).To(Equal(2))
		})
	})

	Describe("Close", func() {
		It("closes the wrapped extractor", func() {
			Expect(retrying.Close()).To(Succeed())
			Expect(next.closed).To(BeTrue())
		})
	})
})
