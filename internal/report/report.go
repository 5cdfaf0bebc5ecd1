// Package report renders bulk processing results as an xlsx workbook for
// radiology review.
package report

import (
	"fmt"

	"github.com/medscanhq/segpipe/pkg/models"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Results"

var columns = []string{
	"path_to_study",
	"study_uid",
	"series_uid",
	"probability_of_pathology",
	"pathology",
	"processing_status",
	"time_of_processing",
	"pathology_localization",
}

// Write renders entries to an xlsx file at path, one row per study with a
// styled header row.
func Write(path string, entries []models.ReportEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return err
	}

	for i, name := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, name); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			return err
		}
	}

	for row, e := range entries {
		values := []any{
			e.PathToStudy,
			e.StudyUID,
			e.SeriesUID,
			e.ProbabilityOfPathology,
			e.Pathology,
			e.ProcessingStatus,
			e.TimeOfProcessing,
			e.PathologyLocalization,
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return err
			}
		}
	}

	if err := f.SetColWidth(sheetName, "A", "A", 40); err != nil {
		return err
	}
	if err := f.SetColWidth(sheetName, "B", "C", 28); err != nil {
		return err
	}
	if err := f.SetColWidth(sheetName, "D", "H", 20); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
