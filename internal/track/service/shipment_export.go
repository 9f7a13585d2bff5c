package service

import (
	"context"
	"fmt"

	"github.com/bitfantasy/nimo-track/internal/track/entity"
	"github.com/xuri/excelize/v2"
)

var manifestCaseHeaders = []string{"箱码", "批次", "箱号", "应装数量", "实装数量", "状态", "出库时间"}

var manifestUnitHeaders = []string{"单品码", "规格", "产品", "序号", "箱码", "出库时间"}

// ExportManifest 导出出库清单为xlsx：汇总、箱码、单品码三个sheet
func (s *ShipmentService) ExportManifest(ctx context.Context, sessionID string) (*excelize.File, string, error) {
	session, err := s.GetShipment(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	masters, err := s.repos.Code.FindMasterCodesByCodes(ctx, session.MasterCodesScanned.Data())
	if err != nil {
		return nil, "", NewUpstreamError("load shipped cases", err)
	}
	units, err := s.repos.Code.FindUnitCodesBySession(ctx, session.ID)
	if err != nil {
		return nil, "", NewUpstreamError("load shipped units", err)
	}
	masterCodeByID := make(map[string]string, len(masters))
	for _, m := range masters {
		masterCodeByID[m.ID] = m.MasterCode
	}

	f := excelize.NewFile()
	summarySheet := "Summary"
	f.SetSheetName("Sheet1", summarySheet)

	boldStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})

	// 汇总
	expected := session.ExpectedSummary.Data()
	scanned := session.ScannedSummary.Data()
	details := session.DiscrepancyDetails.Data()
	rows := [][]interface{}{
		{"会话", session.ID},
		{"仓库", session.WarehouseOrgID},
		{"经销商", session.DistributorOrgID},
		{"状态", string(session.ValidationStatus)},
		{"应出箱数", expected.CasesAvailable},
		{"应出件数", expected.UnitsAvailable},
		{"实扫箱数", scanned.TotalCases},
		{"实扫件数", scanned.TotalUnits},
		{"扫描异常", details.ScanErrors},
	}
	for i, row := range rows {
		r := i + 1
		f.SetCellValue(summarySheet, fmt.Sprintf("A%d", r), row[0])
		f.SetCellValue(summarySheet, fmt.Sprintf("B%d", r), row[1])
		f.SetCellStyle(summarySheet, fmt.Sprintf("A%d", r), fmt.Sprintf("A%d", r), boldStyle)
	}

	// 规格明细
	start := len(rows) + 2
	for i, h := range []string{"规格", "应出件数", "实扫件数", "实扫箱数", "短缺"} {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := fmt.Sprintf("%s%d", col, start)
		f.SetCellValue(summarySheet, cell, h)
		f.SetCellStyle(summarySheet, cell, cell, boldStyle)
	}
	variants := make(map[string]entity.VariantCount, len(expected.Variants)+len(scanned.Variants))
	for id, vc := range expected.Variants {
		variants[id] = vc
	}
	for id := range scanned.Variants {
		if _, ok := variants[id]; !ok {
			variants[id] = entity.VariantCount{}
		}
	}
	for i, id := range sortedVariantIDs(variants) {
		r := start + i + 1
		want := expected.Variants[id].Units
		got := scanned.Variants[id]
		shortfall := want - got.Units
		if shortfall < 0 {
			shortfall = 0
		}
		f.SetCellValue(summarySheet, fmt.Sprintf("A%d", r), id)
		f.SetCellValue(summarySheet, fmt.Sprintf("B%d", r), want)
		f.SetCellValue(summarySheet, fmt.Sprintf("C%d", r), got.Units)
		f.SetCellValue(summarySheet, fmt.Sprintf("D%d", r), got.Cases)
		f.SetCellValue(summarySheet, fmt.Sprintf("E%d", r), shortfall)
	}
	f.SetColWidth(summarySheet, "A", "A", 16)
	f.SetColWidth(summarySheet, "B", "E", 38)

	// 箱码
	caseSheet := "Cases"
	f.NewSheet(caseSheet)
	writeHeader(f, caseSheet, manifestCaseHeaders, boldStyle)
	for i, m := range masters {
		r := i + 2
		f.SetCellValue(caseSheet, fmt.Sprintf("A%d", r), m.MasterCode)
		f.SetCellValue(caseSheet, fmt.Sprintf("B%d", r), m.BatchID)
		f.SetCellValue(caseSheet, fmt.Sprintf("C%d", r), m.CaseNumber)
		f.SetCellValue(caseSheet, fmt.Sprintf("D%d", r), m.ExpectedUnitCount)
		f.SetCellValue(caseSheet, fmt.Sprintf("E%d", r), m.ActualUnitCount)
		f.SetCellValue(caseSheet, fmt.Sprintf("F%d", r), string(m.Status))
		if m.ShippedAt != nil {
			f.SetCellValue(caseSheet, fmt.Sprintf("G%d", r), m.ShippedAt.Format("2006-01-02 15:04:05"))
		}
	}
	setWidths(f, caseSheet, []float64{28, 38, 8, 10, 10, 20, 20})

	// 单品码
	unitSheet := "Units"
	f.NewSheet(unitSheet)
	writeHeader(f, unitSheet, manifestUnitHeaders, boldStyle)
	for i, u := range units {
		r := i + 2
		f.SetCellValue(unitSheet, fmt.Sprintf("A%d", r), u.Code)
		f.SetCellValue(unitSheet, fmt.Sprintf("B%d", r), u.VariantID)
		f.SetCellValue(unitSheet, fmt.Sprintf("C%d", r), u.ProductID)
		f.SetCellValue(unitSheet, fmt.Sprintf("D%d", r), u.SequenceNumber)
		if u.MasterCodeID != nil {
			f.SetCellValue(unitSheet, fmt.Sprintf("E%d", r), masterCodeByID[*u.MasterCodeID])
		}
		if u.ShippedAt != nil {
			f.SetCellValue(unitSheet, fmt.Sprintf("F%d", r), u.ShippedAt.Format("2006-01-02 15:04:05"))
		}
	}
	setWidths(f, unitSheet, []float64{28, 38, 38, 8, 28, 20})

	filename := fmt.Sprintf("Shipment_%s.xlsx", session.ID)
	return f, filename, nil
}

// ManifestBytes 清单xlsx字节
func (s *ShipmentService) ManifestBytes(ctx context.Context, sessionID string) ([]byte, string, error) {
	f, filename, err := s.ExportManifest(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, "", fmt.Errorf("write manifest: %w", err)
	}
	return buf.Bytes(), filename, nil
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) {
	for i, h := range headers {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, style)
	}
}

func setWidths(f *excelize.File, sheet string, widths []float64) {
	for i, w := range widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, w)
	}
}
