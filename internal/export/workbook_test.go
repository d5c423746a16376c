package export

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"
)

func openResult(t *testing.T, res Result) *excelize.File {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func cell(t *testing.T, f *excelize.File, sheet, ref string) string {
	t.Helper()
	v, err := f.GetCellValue(sheet, ref)
	if err != nil {
		t.Fatalf("GetCellValue(%s!%s) error = %v", sheet, ref, err)
	}
	return v
}

func TestWorkbookStageVariant(t *testing.T) {
	res, err := Workbook(stageInput())
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}
	if res.Filename != "stuckDealsPerStage_15-Oct-2026.xlsx" || res.MimeType != MimeXLSX {
		t.Fatalf("unexpected result meta %q %q", res.Filename, res.MimeType)
	}
	f := openResult(t, res)

	if got := f.GetSheetList(); len(got) != 2 || got[0] != SummarySheet || got[1] != DetailsSheet {
		t.Fatalf("sheets = %v", got)
	}

	summary := map[string]string{
		"B2": "Date", "C2": "15-Oct-2026",
		"B3": "Total deals", "C3": "40",
		"B4": "Stuck deals", "C4": "3",
		"B6": "Stage", "C6": "Count",
		"B7": "Appointment & Demo", "C7": "2",
		"B8": "Contract", "C8": "1",
		"B9": "",
	}
	for ref, want := range summary {
		if got := cell(t, f, SummarySheet, ref); got != want {
			t.Errorf("Summary!%s = %q, want %q", ref, got, want)
		}
	}

	details := map[string]string{
		"B2": "Stage", "C2": "Deal", "D2": "Last modified", "E2": "",
		"B3": "Appointment & Demo", "C3": "Acme", "D3": "15-Aug-2026",
		"C4": "Globex",
		"B5": "Contract", "C5": "Initech", "D5": "10-Sep-2026",
		"B6": "",
	}
	for ref, want := range details {
		if got := cell(t, f, DetailsSheet, ref); got != want {
			t.Errorf("Details!%s = %q, want %q", ref, got, want)
		}
	}

	ok, link, err := f.GetCellHyperLink(SummarySheet, "B8")
	if err != nil || !ok || link != "https://app.hubspot.com/stage/contract" {
		t.Fatalf("Summary!B8 hyperlink = %v %q %v", ok, link, err)
	}
	ok, link, err = f.GetCellHyperLink(DetailsSheet, "C4")
	if err != nil || !ok || link != "https://app.hubspot.com/deal/2" {
		t.Fatalf("Details!C4 hyperlink = %v %q %v", ok, link, err)
	}

	props, err := f.GetDocProps()
	if err != nil {
		t.Fatalf("GetDocProps() error = %v", err)
	}
	if props.Title != "Deals stuck per stage" || props.Creator != "dealwatch" {
		t.Fatalf("unexpected doc props %+v", props)
	}
}

func TestWorkbookOwnerVariantAddsStageColumn(t *testing.T) {
	in := stageInput()
	in.GroupHeader = "Owner"
	in.WithStage = true
	in.Details[0].Group = "Jane Doe"
	in.Details[0].Stage = "Appointment & Demo"

	res, err := Workbook(in)
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}
	f := openResult(t, res)

	want := map[string]string{
		"B2": "Owner", "C2": "Deal", "D2": "Stage", "E2": "Last modified",
		"B3": "Jane Doe", "D3": "Appointment & Demo", "E3": "15-Aug-2026",
	}
	for ref, v := range want {
		if got := cell(t, f, DetailsSheet, ref); got != v {
			t.Errorf("Details!%s = %q, want %q", ref, got, v)
		}
	}
}

func TestWorkbookAppliesStyles(t *testing.T) {
	res, err := Workbook(stageInput())
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}
	f := openResult(t, res)

	b6, err := f.GetCellStyle(SummarySheet, "B6")
	if err != nil {
		t.Fatalf("GetCellStyle() error = %v", err)
	}
	c6, _ := f.GetCellStyle(SummarySheet, "C6")
	if b6 == 0 || b6 != c6 {
		t.Fatalf("header cells should share one style, got %d and %d", b6, c6)
	}
	style, err := f.GetStyle(b6)
	if err != nil {
		t.Fatalf("GetStyle() error = %v", err)
	}
	if style.Font == nil || !style.Font.Bold || len(style.Border) != 4 {
		t.Fatalf("unexpected header style %+v", style)
	}

	deal, _ := f.GetCellStyle(DetailsSheet, "C3")
	group, _ := f.GetCellStyle(DetailsSheet, "B3")
	if deal == 0 || deal == group {
		t.Fatalf("deal and group columns should differ, got %d and %d", deal, group)
	}

	width, err := f.GetColWidth(DetailsSheet, "B")
	if err != nil {
		t.Fatalf("GetColWidth() error = %v", err)
	}
	if width != float64(len("Appointment & Demo")+2) {
		t.Fatalf("column B width = %v", width)
	}
}

func TestWorkbookEmptySnapshot(t *testing.T) {
	in := stageInput()
	in.Groups = nil
	in.Details = nil
	in.StuckDeals = 0

	res, err := Workbook(in)
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}
	f := openResult(t, res)
	if got := cell(t, f, SummarySheet, "B7"); got != "" {
		t.Fatalf("Summary!B7 = %q, want empty", got)
	}
	if got := cell(t, f, DetailsSheet, "D2"); got != "Last modified" {
		t.Fatalf("Details!D2 = %q", got)
	}
}

func TestStyleWorkbookRejectsCorruptInput(t *testing.T) {
	if _, err := styleWorkbook([]byte("not a workbook"), stageInput()); err == nil {
		t.Fatal("expected styleWorkbook() to fail on corrupt input")
	}
}
