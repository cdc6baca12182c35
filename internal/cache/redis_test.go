package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zombor/outreach-intake/internal/customer"
)

var _ = Describe("RedisTier", Ordered, func() {
	var (
		ctx  context.Context
		tier *RedisTier
		now  time.Time
	)

	BeforeAll(func() {
		if os.Getenv("TEST_INTEGRATION") == "" {
			Skip("TEST_INTEGRATION not set")
		}
		ctx = context.Background()

		container, err := tcredis.Run(ctx,
			"redis:7.4-alpine",
			testcontainers.WithWaitStrategy(
				wait.ForLog("Ready to accept connections").
					WithStartupTimeout(30*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			Expect(container.Terminate(context.Background())).To(Succeed())
		})

		host, err := container.Host(ctx)
		Expect(err).NotTo(HaveOccurred())
		port, err := container.MappedPort(ctx, "6379")
		Expect(err).NotTo(HaveOccurred())

		tier, err = NewRedisTier(ctx, fmt.Sprintf("%s:%s", host, port.Port()), time.Hour)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(tier.Close)

		now = time.Now().UTC().Truncate(time.Second)
	})

	It("should round-trip an extraction", func() {
		extraction := &customer.Extraction{
			Tenant:    "acme",
			Hash:      "sha256:abc",
			Records:   []customer.Record{{FullName: "Jane", Email: "jane@example.com", CustomerType: customer.TypeRetail, CountryCode: "USA", Language: "en"}},
			CreatedAt: now,
		}
		Expect(tier.PutExtraction(ctx, extraction)).To(Succeed())

		got, err := tier.GetExtraction(ctx, "acme", "sha256:abc", now.Add(-time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Records).To(Equal(extraction.Records))
	})

	It("treats an entry older than the window as missing", func() {
		_, err := tier.GetExtraction(ctx, "acme", "sha256:abc", now.Add(time.Minute))
		Expect(err).To(MatchError(customer.ErrNotFound))
	})

	It("returns ErrNotFound for an unknown key", func() {
		_, err := tier.GetExtraction(ctx, "acme", "sha256:missing", now.Add(-time.Minute))
		Expect(err).To(MatchError(customer.ErrNotFound))
	})
})
