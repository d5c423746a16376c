package export

import (
	"fmt"
	"log"
	"time"

	"github.com/xuri/excelize/v2"
)

const dateLayout = "02-Jan-2006"

// Summary sheet anchors.
const (
	summaryHeaderRow = 6
	summaryFirstRow  = 7
	detailsHeaderRow = 2
	detailsFirstRow  = 3
)

// Workbook builds the two sheet report workbook. The styling pass is best
// effort: when it fails the unstyled workbook is returned.
func Workbook(in WorkbookInput) (Result, error) {
	raw, err := writeWorkbook(in)
	if err != nil {
		return Result{}, err
	}

	data, err := styleWorkbook(raw, in)
	if err != nil {
		log.Printf("workbook styling failed, returning unstyled workbook: %v", err)
		data = raw
	}

	return Result{
		Data:     data,
		Filename: in.Filename + ".xlsx",
		MimeType: MimeXLSX,
	}, nil
}

// detailHeaders lists the Details sheet columns starting at B.
func detailHeaders(in WorkbookInput) []string {
	if in.WithStage {
		return []string{in.GroupHeader, "Deal", "Stage", "Last modified"}
	}
	return []string{in.GroupHeader, "Deal", "Last modified"}
}

// sheetWriter keeps the first error so cell writes read as a flat sequence.
type sheetWriter struct {
	f   *excelize.File
	err error
}

func (w *sheetWriter) set(sheet string, col, row int, value any) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetCellValue(sheet, cell, value)
}

func (w *sheetWriter) link(sheet string, col, row int, value, target string) {
	w.set(sheet, col, row, value)
	if w.err != nil || target == "" {
		return
	}
	cell, _ := excelize.CoordinatesToCellName(col, row)
	w.err = w.f.SetCellHyperLink(sheet, cell, target, "External")
}

func writeWorkbook(in WorkbookInput) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return nil, fmt.Errorf("rename summary sheet: %w", err)
	}
	if _, err := f.NewSheet(DetailsSheet); err != nil {
		return nil, fmt.Errorf("create details sheet: %w", err)
	}

	w := &sheetWriter{f: f}

	w.set(SummarySheet, 2, 2, "Date")
	w.set(SummarySheet, 3, 2, in.Date.Format(dateLayout))
	w.set(SummarySheet, 2, 3, "Total deals")
	w.set(SummarySheet, 3, 3, in.TotalDeals)
	w.set(SummarySheet, 2, 4, "Stuck deals")
	w.set(SummarySheet, 3, 4, in.StuckDeals)

	w.set(SummarySheet, 2, summaryHeaderRow, in.GroupHeader)
	w.set(SummarySheet, 3, summaryHeaderRow, "Count")
	for i, group := range in.Groups {
		row := summaryFirstRow + i
		w.link(SummarySheet, 2, row, group.Label, group.Link)
		w.set(SummarySheet, 3, row, group.Count)
	}

	headers := detailHeaders(in)
	for i, header := range headers {
		w.set(DetailsSheet, 2+i, detailsHeaderRow, header)
	}
	for i, detail := range in.Details {
		row := detailsFirstRow + i
		w.link(DetailsSheet, 2, row, detail.Group, detail.GroupLink)
		w.link(DetailsSheet, 3, row, detail.Deal, detail.DealLink)
		col := 4
		if in.WithStage {
			w.set(DetailsSheet, col, row, detail.Stage)
			col++
		}
		w.set(DetailsSheet, col, row, detail.LastModified.Format(dateLayout))
	}
	if w.err != nil {
		return nil, fmt.Errorf("write cells: %w", w.err)
	}

	lastCol, err := excelize.ColumnNumberToName(1 + len(headers))
	if err != nil {
		return nil, fmt.Errorf("header range: %w", err)
	}
	if err := f.AutoFilter(DetailsSheet, fmt.Sprintf("B%d:%s%d", detailsHeaderRow, lastCol, detailsHeaderRow), []excelize.AutoFilterOptions{}); err != nil {
		return nil, fmt.Errorf("set autofilter: %w", err)
	}

	created := in.Date
	if created.IsZero() {
		created = time.Now()
	}
	if err := f.SetDocProps(&excelize.DocProperties{
		Title:       in.Meta.Title,
		Subject:     in.Meta.Subject,
		Creator:     in.Meta.Creator,
		Keywords:    in.Meta.Keywords,
		Description: in.Meta.Description,
		Created:     created.UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, fmt.Errorf("set doc props: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
