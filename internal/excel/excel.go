package excel

import (
	"fmt"
	"strconv"
	"strings"

	"geomatch/internal/models"

	"github.com/xuri/excelize/v2"
)

func parseCoord(val string) (float64, error) {
	// Tolerate comma decimal separators from European locales
	val = strings.TrimSpace(strings.ReplaceAll(val, ",", "."))
	if val == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.ParseFloat(val, 64)
}

func OpenFile(filename string) (*excelize.File, error) {
	return excelize.OpenFile(filename)
}

// ReadSheet reads point records from a sheet laid out as
// A:id B:name C:lat D:lon with a header row. Rows with unparsable
// coordinates are skipped.
func ReadSheet(f *excelize.File, sheetName string) ([]models.Record, error) {
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, err
	}

	var records []models.Record
	for i, row := range rows {
		if i == 0 {
			continue // Skip header
		}
		if len(row) < 4 {
			continue // Not enough columns
		}

		lat, err1 := parseCoord(row[2])
		lon, err2 := parseCoord(row[3])

		if err1 != nil || err2 != nil {
			continue // Skip invalid rows
		}

		records = append(records, models.Record{
			ID:   row[0],
			Name: row[1],
			Loc: models.Coordinate{
				Lat: lat,
				Lon: lon,
			},
			RowIndex: i + 1,
		})
	}
	return records, nil
}

// WriteResult writes one row per query with the nearest candidate's
// attribute and position appended.
func WriteResult(path string, data []models.ResultRow, sheetName string) error {
	f := excelize.NewFile()
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}

	// Use Stream Writer for performance
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return err
	}

	headers := []interface{}{
		"Query Name", "Query Lat", "Query Lon",
		"Nearest ID", "Nearest Lat", "Nearest Lon",
		"Distance", "Error",
	}

	if err := sw.SetRow("A1", headers); err != nil {
		return err
	}

	for i, r := range data {
		rowNum := i + 2
		cell, _ := excelize.CoordinatesToCellName(1, rowNum)
		row := []interface{}{
			r.QueryName, r.QueryLat, r.QueryLon,
			r.NearestAttr, r.NearestLat, r.NearestLon,
			r.Distance, r.Err,
		}
		if err := sw.SetRow(cell, row); err != nil {
			return err
		}
	}

	if err := sw.Flush(); err != nil {
		return err
	}

	f.SetActiveSheet(index)
	// Delete default sheet if exists
	if sheetName != "Sheet1" {
		f.DeleteSheet("Sheet1")
	}

	return f.SaveAs(path)
}
