// Package report 将选择结果导出为 Excel
package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/IoTtalk/DeviceTalk-to-v1/internal/models"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/selection"
)

// 工作表名称
const (
	SheetFunctions = "Functions"
	SheetFeatures  = "Features"
	SheetCatalog   = "Catalog"
	SheetVarSetup  = "Variable Setup"
	SheetExcluded  = "Excluded"
)

type sheet struct {
	name    string
	headers []string
	widths  []float64
	rows    [][]interface{}
}

// GenerateSelectionReport 生成选择结果的工作簿
func GenerateSelectionReport(res selection.Result) ([]byte, error) {
	sheets := []sheet{
		functionSheet(SheetFunctions, res.ActiveFunctions),
		featureSheet(res.Features),
		catalogSheet(res.Catalog),
		varSetupSheet(res.VarSetup),
		functionSheet(SheetExcluded, res.Excluded),
	}

	f := excelize.NewFile()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for i, s := range sheets {
		index, err := f.NewSheet(s.name)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create sheet %s: %w", s.name, err)
		}
		if i == 0 {
			f.SetActiveSheet(index)
		}
		if err := writeSheet(f, s, headerStyle); err != nil {
			f.Close()
			return nil, err
		}
	}

	// 删除默认的 Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
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

func writeSheet(f *excelize.File, s sheet, headerStyle int) error {
	for col, header := range s.headers {
		if err := setCellValue(f, s.name, col+1, 1, header); err != nil {
			return fmt.Errorf("failed to set header cell: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if col < len(s.widths) {
			if err := f.SetColWidth(s.name, name, name, s.widths[col]); err != nil {
				return fmt.Errorf("failed to set column width: %w", err)
			}
		}
	}
	last, err := excelize.CoordinatesToCellName(len(s.headers), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(s.name, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}

	for r, row := range s.rows {
		for c, value := range row {
			if value == nil || value == "" {
				continue
			}
			if err := setCellValue(f, s.name, c+1, r+2, value); err != nil {
				return fmt.Errorf("failed to set cell value at row %d, col %d: %w", r+2, c+1, err)
			}
		}
	}

	// 冻结表头
	if err := f.SetPanes(s.name, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}
	return nil
}

// setCellValue 设置单元格值
func setCellValue(f *excelize.File, sheetName string, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheetName, cell, value)
}

func functionSheet(name string, fns []*models.SaFunction) sheet {
	s := sheet{
		name:    name,
		headers: []string{"ID", "Name", "Type", "Params", "Library Function", "Library", "Created At"},
		widths:  []float64{8, 25, 8, 25, 18, 10, 20},
	}
	for _, fn := range fns {
		var refFn, refLib interface{}
		if fn.LibraryRef != nil {
			refFn, refLib = fn.LibraryRef.FunctionID, fn.LibraryRef.LibraryID
		}
		var created interface{}
		if !fn.CreatedAt.IsZero() {
			created = fn.CreatedAt.Format("2006-01-02 15:04:05")
		}
		s.rows = append(s.rows, []interface{}{
			fn.ID, fn.Name, string(fn.Type.Direction), strings.Join(fn.Type.Params, ", "), refFn, refLib, created,
		})
	}
	return s
}

func featureSheet(features selection.Features) sheet {
	s := sheet{
		name:    SheetFeatures,
		headers: []string{"Type", "Name", "Function Name", "Params"},
		widths:  []float64{8, 25, 25, 25},
	}
	for _, list := range [][]models.DeviceFeature{features.Inputs, features.Outputs} {
		for _, f := range list {
			s.rows = append(s.rows, []interface{}{
				string(f.Type.Direction), f.Name, f.ReName(), strings.Join(f.Type.Params, ", "),
			})
		}
	}
	return s
}

func catalogSheet(catalog []selection.CatalogEntry) sheet {
	s := sheet{
		name:    SheetCatalog,
		headers: []string{"Library", "Key", "Function ID", "Function"},
		widths:  []float64{25, 8, 12, 25},
	}
	for _, e := range catalog {
		for _, fn := range e.Functions {
			s.rows = append(s.rows, []interface{}{e.Name, e.Key.String(), fn.ID, fn.Name})
		}
	}
	return s
}

func varSetupSheet(vs models.VarSetupBlock) sheet {
	s := sheet{
		name:    SheetVarSetup,
		headers: []string{"Line", "Content", "Readonly"},
		widths:  []float64{8, 60, 10},
	}
	for i, line := range vs.Content {
		ro := "No"
		if vs.ReadonlyLines.Contains(i) {
			ro = "Yes"
		}
		s.rows = append(s.rows, []interface{}{i, line, ro})
	}
	return s
}
