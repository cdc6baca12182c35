package customer

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Customers"

var exportHeaders = []string{"Full Name", "Email", "Customer Type", "Country", "Language", "Created", "Updated"}

// WriteXLSX writes customers as an XLSX workbook with one row per customer
func WriteXLSX(w io.Writer, customers []*Customer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(exportSheet, cell, h)
	}

	for i, c := range customers {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{
			c.FullName,
			c.Email,
			c.CustomerType,
			c.CountryCode,
			c.Language,
			c.CreatedAt.Format("2006-01-02"),
			c.UpdatedAt.Format("2006-01-02"),
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}

	_ = f.SetColWidth(exportSheet, "A", "B", 32)
	_ = f.SetColWidth(exportSheet, "C", "E", 14)
	_ = f.SetColWidth(exportSheet, "F", "G", 12)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}
