package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const (
	pdfTimeout      = 30 * time.Second
	maxFilenameRune = 60
)

var chromeBinaries = []string{"chromium-browser", "chromium", "google-chrome", "headless-shell"}

func chromiumAvailable() bool {
	for _, name := range chromeBinaries {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

// SummaryPDF prints the Summary sheet as a landscape page with headless Chrome.
func SummaryPDF(ctx context.Context, in WorkbookInput) (Result, error) {
	if !chromiumAvailable() {
		return Result{}, fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
	}

	html, err := RenderSummaryHTML(in)
	if err != nil {
		return Result{}, fmt.Errorf("render summary html: %w", err)
	}

	data, err := printSummary(ctx, html)
	if err != nil {
		return Result{}, err
	}

	name := in.Filename
	if name == "" {
		name = slugify(in.Meta.Title)
	}
	return Result{Data: data, Filename: name + "-summary.pdf", MimeType: MimePDF}, nil
}

func summaryDataURL(html string) string {
	return "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(html))
}

func printSummary(parent context.Context, html string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(parent, pdfTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var out []byte
	printAction := chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().
			WithLandscape(true).
			WithPrintBackground(true).
			WithPreferCSSPageSize(true).
			WithMarginTop(0.4).
			WithMarginBottom(0.4).
			WithMarginLeft(0.4).
			WithMarginRight(0.4).
			Do(ctx)
		out = data
		return err
	})
	if err := chromedp.Run(browserCtx,
		chromedp.Navigate(summaryDataURL(html)),
		chromedp.WaitVisible("table", chromedp.ByQuery),
		printAction,
	); err != nil {
		return nil, fmt.Errorf("print summary pdf: %w", err)
	}
	return out, nil
}

// slugify turns a report title into a lowercase file name.
func slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	name := strings.TrimSuffix(b.String(), "-")
	if r := []rune(name); len(r) > maxFilenameRune {
		name = strings.TrimSuffix(string(r[:maxFilenameRune]), "-")
	}
	if name == "" {
		return "stuck-deals"
	}
	return name
}
