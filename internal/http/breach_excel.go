package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bruhslowed/TDashboard/internal/domain"

	"github.com/xuri/excelize/v2"
)

const breachSheetName = "Breaches"

// BreachExportHeader 导出表头
var BreachExportHeader = []string{
	"Breach ID",
	"Device ID",
	"Device Name",
	"Location",
	"Breach Type",
	"Start Time",
	"End Time",
	"Start Temperature",
	"Peak Temperature",
	"End Temperature",
	"Threshold Min",
	"Threshold Max",
	"Duration (s)",
	"Status",
}

var breachColumnWidths = []float64{38, 15, 20, 20, 12, 22, 22, 18, 18, 18, 14, 14, 14, 10}

// GenerateBreachExport 生成 breach 历史 Excel 文件（breaches 为空时只有表头）
func GenerateBreachExport(breaches []*domain.Breach) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo 之前文件必须保持打开

	index, err := f.NewSheet(breachSheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#FDE9E7"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range BreachExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(breachSheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(breachSheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(breachSheetName, name, name, breachColumnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, b := range breaches {
		row := i + 2
		for col, value := range breachRow(b) {
			if value == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				f.Close()
				return nil, err
			}
			if err := f.SetCellValue(breachSheetName, cell, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	if err := f.SetPanes(breachSheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

// breachRow 与 BreachExportHeader 一一对应；nil 表示空单元格
func breachRow(b *domain.Breach) []interface{} {
	status := "ongoing"
	if b.IsResolved {
		status = "resolved"
	}
	row := []interface{}{
		b.BreachID,
		b.DeviceID,
		b.DeviceName,
		b.Location,
		string(b.BreachType),
		formatTime(b.StartTime),
		nil,
		b.StartTemperature,
		b.PeakTemperature,
		nil,
		b.ThresholdMin,
		b.ThresholdMax,
		nil,
		status,
	}
	if b.EndTime != nil {
		row[6] = formatTime(*b.EndTime)
	}
	if b.EndTemperature != nil {
		row[9] = *b.EndTemperature
	}
	if b.Duration != nil {
		row[12] = *b.Duration
	}
	return row
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
