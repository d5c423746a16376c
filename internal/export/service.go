package export

import (
	"context"
	"errors"
	"log"
)

// Exporter produces the attachments of one report run.
type Exporter struct {
	// PDF enables the Summary PDF next to the workbook.
	PDF bool

	workbook func(WorkbookInput) (Result, error)
	summary  func(context.Context, WorkbookInput) (Result, error)
}

// NewExporter creates an exporter; pdf toggles the Summary PDF.
func NewExporter(pdf bool) *Exporter {
	return &Exporter{PDF: pdf, workbook: Workbook, summary: SummaryPDF}
}

// Export returns the workbook and, when enabled and available, the summary PDF.
// A missing Chrome or a failed PDF render only drops the PDF.
func (e *Exporter) Export(ctx context.Context, in WorkbookInput) ([]Result, error) {
	book, err := e.workbook(in)
	if err != nil {
		return nil, err
	}
	results := []Result{book}
	if !e.PDF {
		return results, nil
	}

	pdf, err := e.summary(ctx, in)
	switch {
	case errors.Is(err, ErrPDFDependencyMissing):
		log.Printf("summary pdf skipped: %v", err)
	case err != nil:
		log.Printf("summary pdf failed: %v", err)
	default:
		results = append(results, pdf)
	}
	return results, nil
}
