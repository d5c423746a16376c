package export

import (
	"bytes"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const (
	headerFill = "FFFF00"
	linkColor  = "0000FF"
	dealColor  = "800080"
	borderRGB  = "000000"
)

// cellStyle is merged per cell before styles are created, so each distinct
// combination maps to exactly one excelize style id.
type cellStyle struct {
	Bold   bool
	Align  string
	Fill   string
	Color  string
	Border bool
}

func (s cellStyle) merge(o cellStyle) cellStyle {
	if o.Bold {
		s.Bold = true
	}
	if o.Border {
		s.Border = true
	}
	if o.Align != "" {
		s.Align = o.Align
	}
	if o.Fill != "" {
		s.Fill = o.Fill
	}
	if o.Color != "" {
		s.Color = o.Color
	}
	return s
}

func (s cellStyle) excelize() *excelize.Style {
	style := &excelize.Style{Font: &excelize.Font{Bold: s.Bold, Color: s.Color}}
	if s.Align != "" {
		style.Alignment = &excelize.Alignment{Horizontal: s.Align}
	}
	if s.Fill != "" {
		style.Fill = excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{s.Fill}}
	}
	if s.Border {
		for _, side := range []string{"left", "top", "right", "bottom"} {
			style.Border = append(style.Border, excelize.Border{Type: side, Color: borderRGB, Style: 1})
		}
	}
	return style
}

type cellRef struct {
	sheet string
	col   int
	row   int
}

type styler struct {
	rows  map[string][][]string
	cells map[cellRef]cellStyle
}

func (s *styler) value(sheet string, col, row int) string {
	rows := s.rows[sheet]
	if row < 1 || row > len(rows) || col < 1 || col > len(rows[row-1]) {
		return ""
	}
	return rows[row-1][col-1]
}

func (s *styler) add(sheet string, col, row int, style cellStyle) {
	ref := cellRef{sheet: sheet, col: col, row: row}
	s.cells[ref] = s.cells[ref].merge(style)
}

// styleWorkbook reopens the raw workbook and applies widths, panes and cell styles.
func styleWorkbook(raw []byte, in WorkbookInput) ([]byte, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	s := &styler{rows: map[string][][]string{}, cells: map[cellRef]cellStyle{}}
	for _, sheet := range []string{SummarySheet, DetailsSheet} {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read %s rows: %w", sheet, err)
		}
		s.rows[sheet] = rows
		if err := autosize(f, sheet, rows); err != nil {
			return nil, err
		}
	}

	s.summary()
	s.details(1 + len(detailHeaders(in)))

	if err := f.SetPanes(DetailsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      detailsHeaderRow,
		TopLeftCell: fmt.Sprintf("A%d", detailsFirstRow),
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	if err := s.apply(f); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write styled workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// autosize sets every used column to its longest value plus padding.
func autosize(f *excelize.File, sheet string, rows [][]string) error {
	widths := map[int]int{}
	maxCol := 0
	for _, row := range rows {
		for i, value := range row {
			if n := utf8.RuneCountInString(value); n > widths[i+1] {
				widths[i+1] = n
			}
			if i+1 > maxCol {
				maxCol = i + 1
			}
		}
	}
	for col := 1; col <= maxCol; col++ {
		name, err := excelize.ColumnNumberToName(col)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, name, name, float64(widths[col]+2)); err != nil {
			return fmt.Errorf("set %s width: %w", sheet, err)
		}
	}
	return nil
}

func (s *styler) summary() {
	for row := 2; row <= 4; row++ {
		s.add(SummarySheet, 2, row, cellStyle{Bold: true, Border: true})
		s.add(SummarySheet, 3, row, cellStyle{Align: "right", Border: true})
	}

	header := cellStyle{Bold: true, Align: "center", Fill: headerFill, Border: true}
	s.add(SummarySheet, 2, summaryHeaderRow, header)
	s.add(SummarySheet, 3, summaryHeaderRow, header)

	for row := summaryFirstRow; s.value(SummarySheet, 2, row) != "" || s.value(SummarySheet, 3, row) != ""; row++ {
		s.add(SummarySheet, 2, row, cellStyle{Border: true, Color: linkColor})
		s.add(SummarySheet, 3, row, cellStyle{Border: true})
	}
}

func (s *styler) details(lastCol int) {
	for col := 2; col <= lastCol; col++ {
		s.add(DetailsSheet, col, detailsHeaderRow, cellStyle{Bold: true, Fill: headerFill, Border: true})
	}
	for row := detailsFirstRow; s.value(DetailsSheet, 2, row) != "" || s.value(DetailsSheet, lastCol, row) != ""; row++ {
		for col := 2; col <= lastCol; col++ {
			s.add(DetailsSheet, col, row, cellStyle{Border: true})
		}
		s.add(DetailsSheet, 2, row, cellStyle{Color: linkColor})
		s.add(DetailsSheet, 3, row, cellStyle{Color: dealColor})
	}
}

// apply creates one style per distinct combination and assigns it.
func (s *styler) apply(f *excelize.File) error {
	refs := make([]cellRef, 0, len(s.cells))
	for ref := range s.cells {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].sheet != refs[j].sheet {
			return refs[i].sheet < refs[j].sheet
		}
		if refs[i].row != refs[j].row {
			return refs[i].row < refs[j].row
		}
		return refs[i].col < refs[j].col
	})

	ids := map[cellStyle]int{}
	for _, ref := range refs {
		style := s.cells[ref]
		id, ok := ids[style]
		if !ok {
			var err error
			id, err = f.NewStyle(style.excelize())
			if err != nil {
				return fmt.Errorf("create style: %w", err)
			}
			ids[style] = id
		}
		cell, err := excelize.CoordinatesToCellName(ref.col, ref.row)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(ref.sheet, cell, cell, id); err != nil {
			return fmt.Errorf("style %s!%s: %w", ref.sheet, cell, err)
		}
	}
	return nil
}
