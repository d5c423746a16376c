package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Deals stuck per stage", "deals-stuck-per-stage"},
		{"  Stuck deals: v1.2 (Q4)  ", "stuck-deals-v1-2-q4"},
		{"Pipeline – Über Ops", "pipeline-ber-ops"},
		{"!!!", "stuck-deals"},
		{"", "stuck-deals"},
		{strings.Repeat("ab ", 40), strings.TrimSuffix(strings.Repeat("ab-", 20), "-")},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := slugify(tt.input); got != tt.want {
				t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSummaryDataURL(t *testing.T) {
	got := summaryDataURL("<p>a b+c</p>")
	want := "data:text/html;charset=utf-8;base64,PHA+YSBiK2M8L3A+"
	if got != want {
		t.Fatalf("summaryDataURL() = %q, want %q", got, want)
	}
}

func TestRenderSummaryHTML(t *testing.T) {
	in := stageInput()
	in.Groups[1].Link = ""

	html, err := RenderSummaryHTML(in)
	if err != nil {
		t.Fatalf("RenderSummaryHTML() error = %v", err)
	}
	for _, want := range []string{
		"Deals stuck per stage",
		"15-Oct-2026",
		`<a href="https://app.hubspot.com/stage/appointment">Appointment &amp; Demo</a>`,
		"<td>Contract</td>",
		">Stage</th>",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("summary html missing %q", want)
		}
	}
}

func TestExporterSkipsPDFWhenDisabled(t *testing.T) {
	e := NewExporter(false)
	e.summary = func(context.Context, WorkbookInput) (Result, error) {
		t.Fatal("summary must not render when PDF is disabled")
		return Result{}, nil
	}
	results, err := e.Export(context.Background(), stageInput())
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(results) != 1 || results[0].MimeType != MimeXLSX {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestExporterAttachesPDF(t *testing.T) {
	e := NewExporter(true)
	e.summary = func(_ context.Context, in WorkbookInput) (Result, error) {
		return Result{Data: []byte("%PDF"), Filename: in.Filename + ".pdf", MimeType: MimePDF}, nil
	}
	results, err := e.Export(context.Background(), stageInput())
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(results) != 2 || results[1].Filename != "stuckDealsPerStage_15-Oct-2026.pdf" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestExporterDropsPDFOnFailure(t *testing.T) {
	e := NewExporter(true)
	e.summary = func(context.Context, WorkbookInput) (Result, error) {
		return Result{}, ErrPDFDependencyMissing
	}
	results, err := e.Export(context.Background(), stageInput())
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected workbook only, got %d results", len(results))
	}
}

func TestExporterPropagatesWorkbookError(t *testing.T) {
	boom := errors.New("boom")
	e := NewExporter(false)
	e.workbook = func(WorkbookInput) (Result, error) { return Result{}, boom }
	if _, err := e.Export(context.Background(), stageInput()); !errors.Is(err, boom) {
		t.Fatalf("Export() error = %v", err)
	}
}

func stageInput() WorkbookInput {
	day := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	return WorkbookInput{
		GroupHeader: "Stage",
		Date:        day,
		TotalDeals:  40,
		StuckDeals:  3,
		Groups: []GroupRow{
			{Label: "Appointment & Demo", Link: "https://app.hubspot.com/stage/appointment", Count: 2},
			{Label: "Contract", Link: "https://app.hubspot.com/stage/contract", Count: 1},
		},
		Details: []DetailRow{
			{Group: "Appointment & Demo", GroupLink: "https://app.hubspot.com/stage/appointment", Deal: "Acme", DealLink: "https://app.hubspot.com/deal/1", LastModified: day.AddDate(0, -2, 0)},
			{Group: "Appointment & Demo", GroupLink: "https://app.hubspot.com/stage/appointment", Deal: "Globex", DealLink: "https://app.hubspot.com/deal/2", LastModified: day.AddDate(0, -3, 0)},
			{Group: "Contract", GroupLink: "https://app.hubspot.com/stage/contract", Deal: "Initech", DealLink: "https://app.hubspot.com/deal/3", LastModified: day.AddDate(0, -1, -5)},
		},
		Meta: Meta{
			Title:    "Deals stuck per stage",
			Subject:  "Deals idle for over a month",
			Creator:  "dealwatch",
			Keywords: "hubspot,deals",
		},
		Filename: "stuckDealsPerStage_15-Oct-2026",
	}
}
