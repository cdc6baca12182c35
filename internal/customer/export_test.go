package customer

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/xuri/excelize/v2"
)

var _ = Describe("WriteXLSX", func() {
	var (
		customers []*Customer
		buf       *bytes.Buffer
		err       error
	)

	BeforeEach(func() {
		buf = &bytes.Buffer{}
		day := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
		customers = []*Customer{
			{FullName: "Jane Doe", Email: "jane@example.com", CustomerType: TypeWholesale, CountryCode: "CAN", Language: "fr", CreatedAt: day, UpdatedAt: day},
			{FullName: "Bob", Email: "bob@example.com", CustomerType: TypeRetail, CountryCode: "USA", Language: "en", CreatedAt: day, UpdatedAt: day.AddDate(0, 0, 1)},
		}
	})

	JustBeforeEach(func() {
		err = WriteXLSX(buf, customers)
	})

	It("should not return an error", func() {
		Expect(err).NotTo(HaveOccurred())
	})

	It("should write a header and one row per customer", func() {
		f, openErr := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
		Expect(openErr).NotTo(HaveOccurred())
		defer f.Close()

		rows, rowsErr := f.GetRows("Customers")
		Expect(rowsErr).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(3))
		Expect(rows[0]).To(Equal(exportHeaders))
		Expect(rows[1]).To(Equal([]string{"Jane Doe", "jane@example.com", "wholesale", "CAN", "fr", "2024-06-01", "2024-06-01"}))
		Expect(rows[2][6]).To(Equal("2024-06-02"))
	})

	When("there are no customers", func() {
		BeforeEach(func() {
			customers = nil
		})

		It("should still write the header", func() {
			f, openErr := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
			Expect(openErr).NotTo(HaveOccurred())
			defer f.Close()

			rows, rowsErr := f.GetRows("Customers")
			Expect(rowsErr).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
		})
	})
})
