package backtest

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	foldsSheet   = "Folds"
)

// ExportXLSX writes the report to a workbook: one summary row per window and
// one row per held-out day.
func ExportXLSX(r *Report, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), summarySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(foldsSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	rows := [][]interface{}{
		{"item_id", r.ItemID},
		{"horizon_days", r.Horizon},
		{"accepted", r.Decision.Accepted},
		{},
		{"window_days", "folds", "wape", "coverage", "skipped"},
	}
	for _, w := range r.Windows {
		rows = append(rows, []interface{}{w.WindowDays, len(w.Folds), w.WAPE, w.Coverage, w.Skipped})
	}
	if err := writeRows(f, summarySheet, rows); err != nil {
		return err
	}

	rows = [][]interface{}{{"window_days", "fold", "origin", "date", "actual", "p10", "p50", "p90", "fold_wape", "fold_coverage"}}
	for _, w := range r.Windows {
		for _, fold := range w.Folds {
			for _, d := range fold.Days {
				rows = append(rows, []interface{}{
					w.WindowDays, fold.Index, fold.Origin.Format("2006-01-02"), d.Date.Format("2006-01-02"),
					d.Actual, d.P10, d.P50, d.P90, fold.WAPE, fold.Coverage,
				})
			}
		}
	}
	if err := writeRows(f, foldsSheet, rows); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
