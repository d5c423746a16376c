// Package export renders stuck deal snapshots as xlsx workbooks and PDF summaries.
package export

import (
	"errors"
	"time"
)

const (
	MimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimePDF  = "application/pdf"

	SummarySheet = "Summary"
	DetailsSheet = "Details"
)

// WorkbookInput is a snapshot flattened into sheet rows. Links are final URLs.
type WorkbookInput struct {
	// GroupHeader is the first column title, "Stage" or "Owner".
	GroupHeader string
	// WithStage adds a Stage column to the Details sheet (owner variant).
	WithStage bool

	Date       time.Time
	TotalDeals int
	StuckDeals int
	Groups     []GroupRow
	Details    []DetailRow
	Meta       Meta
	// Filename without extension.
	Filename string
}

type GroupRow struct {
	Label string
	Link  string
	Count int
}

type DetailRow struct {
	Group        string
	GroupLink    string
	Deal         string
	DealLink     string
	Stage        string
	LastModified time.Time
}

// Meta becomes the workbook document properties.
type Meta struct {
	Title       string
	Subject     string
	Creator     string
	Keywords    string
	Description string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
