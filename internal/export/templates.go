package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var summaryTemplate = template.Must(
	template.New("summary.html").
		Funcs(template.FuncMap{
			"formatDate": func(t time.Time) string { return t.Format(dateLayout) },
		}).
		ParseFS(templateFS, "templates/summary.html"),
)

// SummaryData feeds templates/summary.html.
type SummaryData struct {
	Title       string
	Subject     string
	GroupHeader string
	Date        time.Time
	TotalDeals  int
	StuckDeals  int
	Groups      []GroupRow
}

// RenderSummaryHTML renders the printable summary page.
func RenderSummaryHTML(in WorkbookInput) (string, error) {
	data := SummaryData{
		Title:       in.Meta.Title,
		Subject:     in.Meta.Subject,
		GroupHeader: in.GroupHeader,
		Date:        in.Date,
		TotalDeals:  in.TotalDeals,
		StuckDeals:  in.StuckDeals,
		Groups:      in.Groups,
	}
	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
