package report

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet  = "Summary"
	expensesSheet = "Expenses"
)

var summaryColumns = []string{
	"Branch", "Appointments",
	"Revenue cash", "Revenue card", "Revenue terminal", "Revenue",
	"Advance payments", "Gift card sales", "Package sales", "Tips",
	"Total revenue", "Expenses", "Net revenue",
}

var expenseColumns = []string{"Branch", "Date", "Category", "Description", "Amount"}

// sheetWriter appends rows to the sheets of one workbook.
type sheetWriter struct {
	file *excelize.File
	rows map[string]int
	bold int
}

func newSheetWriter() (*sheetWriter, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(expensesSheet); err != nil {
		return nil, fmt.Errorf("create sheet %s: %w", expensesSheet, err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	return &sheetWriter{file: f, rows: map[string]int{summarySheet: 1, expensesSheet: 1}, bold: bold}, nil
}

func (w *sheetWriter) header(sheet string, columns []string) error {
	if err := w.row(sheet, toValues(columns)); err != nil {
		return err
	}
	start, _ := excelize.CoordinatesToCellName(1, 1)
	end, _ := excelize.CoordinatesToCellName(len(columns), 1)
	return w.file.SetCellStyle(sheet, start, end, w.bold)
}

func (w *sheetWriter) row(sheet string, values []interface{}) error {
	r := w.rows[sheet]
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, r)
		if err != nil {
			return err
		}
		if err := w.file.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
	}
	w.rows[sheet] = r + 1
	return nil
}

// WriteXLSX renders r as a workbook with a Summary and an Expenses sheet.
func WriteXLSX(out io.Writer, r *DailyReport) error {
	w, err := newSheetWriter()
	if err != nil {
		return fmt.Errorf("new workbook: %w", err)
	}
	defer w.file.Close()

	if err := w.header(summarySheet, summaryColumns); err != nil {
		return err
	}
	if err := w.header(expensesSheet, expenseColumns); err != nil {
		return err
	}

	for _, b := range r.Branches {
		err := w.row(summarySheet, []interface{}{
			string(b.BranchID), b.Appointments,
			money(b.Revenue.Cash), money(b.Revenue.Card), money(b.Revenue.Terminal), money(b.Revenue.Total),
			money(b.AdvancePayments.Total), money(b.GiftCardSales.Total), money(b.PackageSales.Total), money(b.Tips.Total),
			money(b.TotalRevenue), money(b.Expenses.Total), money(b.NetRevenue),
		})
		if err != nil {
			return err
		}
		for _, e := range b.Expenses.Items {
			err := w.row(expensesSheet, []interface{}{
				string(e.BranchID), e.Date.Format("2006-01-02"), string(e.Category), e.Description, money(e.Amount),
			})
			if err != nil {
				return err
			}
		}
	}

	return w.file.Write(out)
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

func toValues(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
