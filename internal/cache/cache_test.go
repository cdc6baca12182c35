package cache

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/outreach-intake/internal/customer"
)

// mockTier is an in-memory Persistent that counts calls
type mockTier struct {
	entries map[string]*customer.Extraction
	gets    int
	puts    int
	getErr  error
	putErr  error
}

func newMockTier() *mockTier {
	return &mockTier{entries: make(map[string]*customer.Extraction)}
}

func (m *mockTier) GetExtraction(_ context.Context, tenant, hash string, notBefore time.Time) (*customer.Extraction, error) {
	m.gets++
	if m.getErr != nil {
		return nil, m.getErr
	}
	e, ok := m.entries[tenant+"|"+hash]
	if !ok || e.CreatedAt.Before(notBefore) {
		return nil, customer.ErrNotFound
	}
	return e, nil
}

func (m *mockTier) PutExtraction(_ context.Context, e *customer.Extraction) error {
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.entries[e.Tenant+"|"+e.Hash] = e
	return nil
}

// mockTimeSource is a mock implementation of TimeSource
type mockTimeSource struct {
	now time.Time
}

func (m *mockTimeSource) Now() time.Time {
	return m.now
}

var _ = Describe("Cache", func() {
	var (
		ctx     context.Context
		clock   *mockTimeSource
		records []customer.Record
		key     Key
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = &mockTimeSource{now: time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)}
		records = []customer.Record{{FullName: "Jane", Email: "jane@example.com", CustomerType: customer.TypeRetail, CountryCode: "USA", Language: "en"}}
		key = Key{Tenant: "acme", Hash: HashContent([]byte("image"))}
	})

	Describe("with a single persistent tier", func() {
		var (
			tier  *mockTier
			cache *Cache
		)

		BeforeEach(func() {
			tier = newMockTier()
			cache = New(Config{Size: 8, TimeSource: clock}, Tier{Name: "db", Store: tier})
		})

		It("should return what was put", func() {
			_, err := cache.Put(ctx, key, records)
			Expect(err).NotTo(HaveOccurred())

			entry, ok, err := cache.Get(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(entry.Records).To(Equal(records))
		})

		It("should serve repeated reads from memory", func() {
			_, err := cache.Put(ctx, key, records)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = cache.Get(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(tier.gets).To(Equal(0))
		})

		It("should write the persistent tier", func() {
			_, err := cache.Put(ctx, key, records)
			Expect(err).NotTo(HaveOccurred())
			Expect(tier.entries).To(HaveKey("acme|" + key.Hash.String()))
		})

		It("should miss for an unknown key", func() {
			entry, ok, err := cache.Get(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(entry).To(BeNil())
		})

		It("should not share entries across tenants", func() {
			_, err := cache.Put(ctx, key, records)
			Expect(err).NotTo(HaveOccurred())

			_, ok, err := cache.Get(ctx, Key{Tenant: "other", Hash: key.Hash})
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("should read through and populate memory", func() {
			tier.entries["acme|"+key.Hash.String()] = &customer.Extraction{Tenant: "acme", Hash: key.Hash.String(), Records: records, CreatedAt: clock.now}

			_, ok, err := cache.Get(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(cache.Len()).To(Equal(1))

			_, _, err = cache.Get(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(tier.gets).To(Equal(1))
		})

		It("should not serve a stale memory entry", func() {
			_, err := cache.Put(ctx, key, records)
			Expect(err).NotTo(HaveOccurred())

			clock.now = clock.now.Add(25 * time.Hour)
			_, ok, err := cache.Get(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("propagates persistent tier errors", func() {
			tier.getErr = errors.New("disk on fire")
			_, _, err := cache.Get(ctx, key)
			Expect(err).To(MatchError(ContainSubstring("disk on fire")))
		})

		It("propagates write errors without caching in memory", func() {
			tier.putErr = errors.New("read-only")
			_, err := cache.Put(ctx, key, records)
			Expect(err).To(HaveOccurred())
			Expect(cache.Len()).To(BeZero())
		})
	})

	Describe("with layered tiers", func() {
		var (
			fast  *mockTier
			slow  *mockTier
			cache *Cache
		)

		BeforeEach(func() {
			fast = newMockTier()
			slow = newMockTier()
			cache = New(Config{TimeSource: clock}, Tier{Name: "redis", Store: fast}, Tier{Name: "db", Store: slow})
		})

		It("should backfill the faster tier on a slow hit", func() {
			slow.entries["acme|"+key.Hash.String()] = &customer.Extraction{Tenant: "acme", Hash: key.Hash.String(), Records: records, CreatedAt: clock.now}

			_, ok, err := cache.Get(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(fast.entries).To(HaveKey("acme|" + key.Hash.String()))
		})

		It("should write every tier", func() {
			_, err := cache.Put(ctx, key, records)
			Expect(err).NotTo(HaveOccurred())
			Expect(fast.puts).To(Equal(1))
			Expect(slow.puts).To(Equal(1))
		})
	})

	Describe("expiry against the bolt store", func() {
		var (
			db      *customer.BoltDB
			written time.Time
		)

		BeforeEach(func() {
			var err error
			db, err = customer.NewBoltDB(filepath.Join(GinkgoT().TempDir(), "cache.db"))
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(db.Close)

			written = clock.now
			writer := New(Config{TimeSource: &mockTimeSource{now: written}}, Tier{Name: "bolt", Store: db})
			_, err = writer.Put(ctx, key, records)
			Expect(err).NotTo(HaveOccurred())
		})

		read := func(at time.Time) bool {
			// a fresh cache has an empty memory tier, as after a restart
			reader := New(Config{TimeSource: &mockTimeSource{now: at}}, Tier{Name: "bolt", Store: db})
			_, ok, err := reader.Get(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			return ok
		}

		It("should hit 23 hours later", func() {
			Expect(read(written.Add(23 * time.Hour))).To(BeTrue())
		})

		It("should miss 25 hours later", func() {
			Expect(read(written.Add(25 * time.Hour))).To(BeFalse())
		})
	})
})
