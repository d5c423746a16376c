package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dealwatch/api/internal/blockpack"
	"dealwatch/api/internal/export"
	"dealwatch/api/internal/settings"
	"dealwatch/api/internal/store"
	"dealwatch/api/internal/tmpl"
)

var reportDay = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	LookupFn func(email string) (string, error)
	mu       sync.Mutex
	calls    int
}

func (f *fakeDirectory) LookupUserByEmail(_ context.Context, email string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.LookupFn(email)
}

type fakeExporter struct {
	ExportFn func(in export.WorkbookInput) ([]export.Result, error)
	input    export.WorkbookInput
}

func (f *fakeExporter) Export(_ context.Context, in export.WorkbookInput) ([]export.Result, error) {
	f.input = in
	if f.ExportFn != nil {
		return f.ExportFn(in)
	}
	return []export.Result{{Data: []byte("xlsx"), Filename: in.Filename + ".xlsx", MimeType: export.MimeXLSX}}, nil
}

func directoryByLocalPart() *fakeDirectory {
	return &fakeDirectory{LookupFn: func(email string) (string, error) {
		if strings.HasPrefix(email, "ghost") {
			return "", errors.New("users_not_found")
		}
		name, _, _ := strings.Cut(email, "@")
		return "U-" + name, nil
	}}
}

func textBlock(text string) blockpack.Block {
	return blockpack.Block{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": text}}
}

func crmSettings() settings.CRM {
	templates := func(title string) settings.ReportTemplates {
		return settings.ReportTemplates{
			Exec:         &blockpack.Message{Blocks: []blockpack.Block{textBlock("*" + title + "* {{stuckDeals}} of {{totalDeals}} ({{stuckDealsPercentage}}%)")}},
			CRMAdmins:    &blockpack.Message{Blocks: []blockpack.Block{textBlock("admins {{stuckDealsPercentage}}%")}},
			SalesTeam:    &blockpack.Message{Blocks: []blockpack.Block{textBlock("{{stuckDealsAcceptablePercentageEmoji}} {{stuckDealsAcceptablePercentagePosition}} {{stuckDealsAcceptablePercentage}}%")}},
			ReportAdmins: &blockpack.Message{Blocks: []blockpack.Block{textBlock("report generated {{stuckDeals:n/a}}")}},
			GroupBlock:   map[string]any{"type": "mrkdwn", "text": "{{" + map[string]string{"stage": "stageDetails", "owner": "ownerDetails"}[title] + "}}"},
			Meta:         settings.ReportMeta{Title: title + " report", Subject: "stuck deals", Keywords: "deals", Comments: "weekly"},
		}
	}
	return settings.CRM{
		LinkToRecord:         "https://app.hubspot.com/contacts/%s/record/%s/%s",
		DefaultObjectTypeMap: map[string]string{"0-1": "contacts", "0-3": "deals"},
		ExecutiveReports: settings.ExecutiveReports{
			ReportCreatedBy: "dealwatch",
			StuckDeals: settings.StuckDeals{
				IdleTime:                    30,
				AllowedStuckDealsPercentage: 25,
				FilteredStageLink:           "https://app.hubspot.com/%s/stage/%s?since=%d",
				FilteredOwnerLink:           "https://app.hubspot.com/%s/owner/%s?since=%d",
				ExecUsers:                   []string{"ceo@example.com", "ghost@example.com"},
				HSAdmins:                    []string{"ops@example.com"},
				SalesTeam:                   []string{"rep@example.com", "ceo@example.com"},
				ReportAdmins:                []string{"dev@example.com"},
				PerStage:                    templates("stage"),
				PerOwner:                    templates("owner"),
			},
		},
	}
}

func stageSnapshot() store.StageSnapshot {
	return store.StageSnapshot{
		PortalID:   "123",
		TotalDeals: 10,
		StuckDeals: 3,
		Stages: []store.Stage{
			{Key: "appointment", Label: "Appointment", Count: 2, Deals: []store.StageDeal{
				{Name: "Acme", RecordID: "1", LastModified: reportDay.AddDate(0, -2, 0)},
				{Name: "Globex", RecordID: "2", LastModified: reportDay.AddDate(0, -3, 0)},
			}},
			{Key: "contract", Label: "Contract", Count: 1, Deals: []store.StageDeal{
				{Name: "Initech", RecordID: "3", LastModified: reportDay.AddDate(0, -1, -5)},
			}},
		},
	}
}

func newAssembler(dir Directory, exp Exporter) *Assembler {
	return NewAssembler(dir, exp).WithClock(func() time.Time { return reportDay })
}

func tasksFor(plan Plan, audience Audience) []DeliveryTask {
	var out []DeliveryTask
	for _, task := range plan.Tasks {
		if task.Audience == audience {
			out = append(out, task)
		}
	}
	return out
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		stuck, total, want int
	}{
		{50, 200, 25},
		{0, 0, 0},
		{5, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
	}
	for _, tt := range tests {
		if got := Percentage(tt.stuck, tt.total); got != tt.want {
			t.Errorf("Percentage(%d, %d) = %d, want %d", tt.stuck, tt.total, got, tt.want)
		}
	}
}

func TestStageReportBuildsAudiences(t *testing.T) {
	dir := directoryByLocalPart()
	exp := &fakeExporter{}
	crm := crmSettings()
	templateLen := len(crm.ExecutiveReports.StuckDeals.PerStage.Exec.Blocks)

	plan, err := newAssembler(dir, exp).StageReport(context.Background(), stageSnapshot(), crm, settings.Slack{})
	if err != nil {
		t.Fatalf("StageReport() error = %v", err)
	}

	execs := plan.Recipients[Executives]
	if len(execs) != 2 || execs[0].ID != "U-ceo" || execs[1].Err == nil || execs[1].ID != "" {
		t.Fatalf("unexpected executives %+v", execs)
	}
	if got := plan.Unresolved(); len(got) != 1 || got[0].Email != "ghost@example.com" {
		t.Fatalf("Unresolved() = %+v", got)
	}
	// ceo@ appears in two audiences but is looked up once
	if dir.calls != 5 {
		t.Fatalf("directory lookups = %d, want 5", dir.calls)
	}

	execTasks := tasksFor(plan, Executives)
	if len(execTasks) != 1 || execTasks[0].RecipientID != "U-ceo" || !execTasks[0].IsLast {
		t.Fatalf("unexpected executive tasks %+v", execTasks)
	}
	exec := execTasks[0]
	if len(exec.Attachments) != 1 || exec.Attachments[0].File.Filename != "stuckDealsPerStage_15-Oct-2026.xlsx" {
		t.Fatalf("unexpected executive attachments %+v", exec.Attachments)
	}
	if exec.Attachments[0].Title != "15-Oct-2026: Deals stuck for 1Mo+" {
		t.Fatalf("attachment title = %q", exec.Attachments[0].Title)
	}
	if exec.Params["stuckDealsPercentage"] != 30 {
		t.Fatalf("stuckDealsPercentage = %v", exec.Params["stuckDealsPercentage"])
	}

	blocks := exec.Chunk.Blocks
	if len(blocks) != templateLen+1 {
		t.Fatalf("executive chunk has %d blocks", len(blocks))
	}
	fields, _ := blocks[len(blocks)-1]["fields"].([]any)
	if len(fields) != 2 {
		t.Fatalf("details block fields = %#v", blocks[len(blocks)-1])
	}
	cutoff := tmpl.IdleCutoffMillis(reportDay, 30)
	wantLine := fmt.Sprintf(":small_orange_diamond: *<https://app.hubspot.com/123/stage/appointment?since=%d|Appointment>*: 2", cutoff)
	if text := fields[0].(map[string]any)["text"]; text != wantLine {
		t.Fatalf("first line item = %q, want %q", text, wantLine)
	}
	if len(crm.ExecutiveReports.StuckDeals.PerStage.Exec.Blocks) != templateLen {
		t.Fatal("template must not be modified")
	}

	admin := tasksFor(plan, CRMAdmins)
	if len(admin) != 1 || len(admin[0].Attachments) != 1 || len(admin[0].Chunk.Blocks) != 2 {
		t.Fatalf("unexpected admin tasks %+v", admin)
	}

	sales := tasksFor(plan, SalesTeam)
	if len(sales) != 2 || len(sales[1].Attachments) != 0 || len(sales[0].Chunk.Blocks) != 1 {
		t.Fatalf("unexpected sales tasks %+v", sales)
	}
	if sales[0].Params["stuckDealsAcceptablePercentageEmoji"] != ":no_entry:" ||
		sales[0].Params["stuckDealsAcceptablePercentagePosition"] != "above" ||
		sales[0].Params["stuckDealsAcceptablePercentage"] != 25 {
		t.Fatalf("unexpected sales params %+v", sales[0].Params)
	}

	admins := tasksFor(plan, ReportAdmins)
	if len(admins) != 1 || admins[0].Params != nil || len(admins[0].Attachments) != 0 {
		t.Fatalf("unexpected report admin tasks %+v", admins)
	}

	in := exp.input
	if in.GroupHeader != "Stage" || in.WithStage || len(in.Groups) != 2 || len(in.Details) != 3 {
		t.Fatalf("unexpected workbook input %+v", in)
	}
	if in.Details[2].DealLink != "https://app.hubspot.com/contacts/123/record/0-3/3" {
		t.Fatalf("deal link = %q", in.Details[2].DealLink)
	}
	if in.Meta.Creator != "dealwatch" || in.Meta.Description != "weekly" {
		t.Fatalf("unexpected meta %+v", in.Meta)
	}
}

func TestStageReportBelowThreshold(t *testing.T) {
	snap := stageSnapshot()
	snap.TotalDeals = 100
	plan, err := newAssembler(directoryByLocalPart(), &fakeExporter{}).StageReport(context.Background(), snap, crmSettings(), settings.Slack{})
	if err != nil {
		t.Fatalf("StageReport() error = %v", err)
	}
	sales := tasksFor(plan, SalesTeam)
	if sales[0].Params["stuckDealsAcceptablePercentageEmoji"] != ":white_check_mark:" ||
		sales[0].Params["stuckDealsAcceptablePercentagePosition"] != "below" {
		t.Fatalf("unexpected sales params %+v", sales[0].Params)
	}
}

func TestMissingTemplateOmitsAudience(t *testing.T) {
	crm := crmSettings()
	crm.ExecutiveReports.StuckDeals.PerStage.SalesTeam = nil

	plan, err := newAssembler(directoryByLocalPart(), &fakeExporter{}).StageReport(context.Background(), stageSnapshot(), crm, settings.Slack{})
	if err != nil {
		t.Fatalf("StageReport() error = %v", err)
	}
	if _, ok := plan.Recipients[SalesTeam]; ok {
		t.Fatal("sales team should not be resolved without a template")
	}
	if len(tasksFor(plan, SalesTeam)) != 0 || len(tasksFor(plan, Executives)) != 1 {
		t.Fatalf("unexpected tasks %+v", plan.Tasks)
	}
}

func TestLongMessageIsChunkedPerRecipient(t *testing.T) {
	crm := crmSettings()
	var blocks []blockpack.Block
	for i := 0; i < 12; i++ {
		blocks = append(blocks, textBlock(strings.Repeat(fmt.Sprintf("line %d ", i), 8)))
	}
	crm.ExecutiveReports.StuckDeals.PerStage.Exec = &blockpack.Message{Blocks: blocks}

	plan, err := newAssembler(directoryByLocalPart(), &fakeExporter{}).StageReport(context.Background(), stageSnapshot(), crm, settings.Slack{MaxMessageLength: 400})
	if err != nil {
		t.Fatalf("StageReport() error = %v", err)
	}
	execs := tasksFor(plan, Executives)
	if len(execs) < 3 {
		t.Fatalf("expected several chunks, got %d", len(execs))
	}
	for i, task := range execs {
		last := i == len(execs)-1
		if task.IsLast != last || (len(task.Attachments) > 0) != last {
			t.Fatalf("chunk %d: IsLast=%v attachments=%d", i, task.IsLast, len(task.Attachments))
		}
		if blockpack.MessageLength(task.Chunk) > 400 && len(task.Chunk.Blocks) > 1 {
			t.Fatalf("chunk %d exceeds the limit", i)
		}
	}
}

func TestOwnerReport(t *testing.T) {
	exp := &fakeExporter{ExportFn: func(in export.WorkbookInput) ([]export.Result, error) {
		return []export.Result{
			{Filename: in.Filename + ".xlsx", MimeType: export.MimeXLSX},
			{Filename: in.Filename + ".pdf", MimeType: export.MimePDF},
		}, nil
	}}
	snap := store.OwnerSnapshot{
		PortalID:   "123",
		TotalDeals: 8,
		StuckDeals: 2,
		Owners: []store.Owner{
			{ID: "42", Name: "Jane Doe", Email: "jane@example.com", StuckDealsCount: 2, Deals: []store.OwnerDeal{
				{Name: "Acme", RecordID: "1", StageLabel: "Contract", LastModified: reportDay.AddDate(0, -2, 0)},
				{Name: "Globex", RecordID: "2", StageLabel: "Appointment", LastModified: reportDay.AddDate(0, -2, 0)},
			}},
		},
	}

	plan, err := newAssembler(directoryByLocalPart(), exp).OwnerReport(context.Background(), snap, crmSettings(), settings.Slack{})
	if err != nil {
		t.Fatalf("OwnerReport() error = %v", err)
	}
	if plan.Variant != VariantOwner || exp.input.GroupHeader != "Owner" || !exp.input.WithStage {
		t.Fatalf("unexpected owner workbook input %+v", exp.input)
	}
	if exp.input.Details[0].Stage != "Contract" {
		t.Fatalf("detail stage = %q", exp.input.Details[0].Stage)
	}
	cutoff := tmpl.IdleCutoffMillis(reportDay, 30)
	if want := fmt.Sprintf("https://app.hubspot.com/123/owner/42?since=%d", cutoff); exp.input.Groups[0].Link != want {
		t.Fatalf("owner link = %q, want %q", exp.input.Groups[0].Link, want)
	}

	exec := tasksFor(plan, Executives)[0]
	if len(exec.Attachments) != 2 || exec.Attachments[1].Title != "15-Oct-2026: Deals stuck (per owner) for 1Mo+ (summary)" {
		t.Fatalf("unexpected executive attachments %+v", exec.Attachments)
	}
	if admin := tasksFor(plan, CRMAdmins)[0]; len(admin.Attachments) != 1 || admin.Attachments[0].File.MimeType != export.MimeXLSX {
		t.Fatalf("admins should only receive the workbook, got %+v", admin.Attachments)
	}
}

func TestExportFailureAbortsAssembly(t *testing.T) {
	boom := errors.New("disk full")
	exp := &fakeExporter{ExportFn: func(export.WorkbookInput) ([]export.Result, error) { return nil, boom }}
	if _, err := newAssembler(directoryByLocalPart(), exp).StageReport(context.Background(), stageSnapshot(), crmSettings(), settings.Slack{}); !errors.Is(err, boom) {
		t.Fatalf("StageReport() error = %v", err)
	}
}
