// Package report turns a stuck deals snapshot into per-audience Slack
// messages plus a workbook, and delivers them.
package report

import (
	"context"
	"fmt"
	"log"
	"math"
	"slices"
	"time"

	"dealwatch/api/internal/blockpack"
	"dealwatch/api/internal/export"
	"dealwatch/api/internal/settings"
	"dealwatch/api/internal/store"
	"dealwatch/api/internal/tmpl"
)

type Variant string

const (
	VariantStage Variant = "stage"
	VariantOwner Variant = "owner"
)

type Audience string

const (
	Executives   Audience = "executives"
	CRMAdmins    Audience = "crmAdmins"
	SalesTeam    Audience = "salesTeam"
	ReportAdmins Audience = "reportAdmins"
)

// audiences in delivery order
var audiences = []Audience{Executives, CRMAdmins, SalesTeam, ReportAdmins}

const lineItem = ":small_orange_diamond: *<%s|%s>*: %d"

// Directory resolves chat user ids from email addresses.
type Directory interface {
	LookupUserByEmail(ctx context.Context, email string) (string, error)
}

// Exporter renders the report attachments; the workbook comes first.
type Exporter interface {
	Export(ctx context.Context, in export.WorkbookInput) ([]export.Result, error)
}

// Recipient is one resolved audience member. A failed lookup keeps the email
// with Err set and no ID; such recipients are never delivered to.
type Recipient struct {
	Email string `json:"email"`
	ID    string `json:"id,omitempty"`
	Err   error  `json:"-"`
}

type Attachment struct {
	File  export.Result
	Title string
}

// DeliveryTask is one chunk for one recipient. IsLast marks the final chunk
// of that recipient's message, after which attachments are uploaded.
type DeliveryTask struct {
	Audience    Audience
	RecipientID string
	Email       string
	Chunk       blockpack.Message
	Params      map[string]any
	Attachments []Attachment
	IsLast      bool
}

// Plan is an assembled report ready for delivery.
type Plan struct {
	Variant    Variant
	Date       time.Time
	Recipients map[Audience][]Recipient
	Tasks      []DeliveryTask
	Files      []export.Result
}

// Unresolved lists the recipients whose lookup failed.
func (p Plan) Unresolved() []Recipient {
	var out []Recipient
	for _, audience := range audiences {
		for _, r := range p.Recipients[audience] {
			if r.Err != nil {
				out = append(out, r)
			}
		}
	}
	return out
}

type Assembler struct {
	directory Directory
	exporter  Exporter
	now       func() time.Time
}

func NewAssembler(directory Directory, exporter Exporter) *Assembler {
	return &Assembler{directory: directory, exporter: exporter, now: time.Now}
}

// WithClock replaces the time source.
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.now = now
	return a
}

// Percentage is round(stuck/total*100); a zero total yields 0.
func Percentage(stuck, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(stuck) / float64(total) * 100))
}

// summary is the variant independent view of a snapshot.
type summary struct {
	variant     Variant
	total       int
	stuck       int
	groups      []export.GroupRow
	details     []export.DetailRow
	detailsKey  string
	groupHeader string
	templates   settings.ReportTemplates
	filePrefix  string
	fileTitle   string
}

// StageReport assembles the stuck deals per stage report.
func (a *Assembler) StageReport(ctx context.Context, snap store.StageSnapshot, crm settings.CRM, slack settings.Slack) (Plan, error) {
	now := a.now()
	cfg := crm.ExecutiveReports.StuckDeals
	cutoff := tmpl.IdleCutoffMillis(now, cfg.IdleTime)
	dealsType := crm.DealsObjectTypeID()

	s := summary{
		variant:     VariantStage,
		total:       snap.TotalDeals,
		stuck:       snap.StuckDeals,
		detailsKey:  "stageDetails",
		groupHeader: "Stage",
		templates:   cfg.PerStage,
		filePrefix:  "stuckDealsPerStage_",
		fileTitle:   "Deals stuck for 1Mo+",
	}
	for _, stage := range snap.Stages {
		link := tmpl.DealLink(cfg.FilteredStageLink, snap.PortalID, stage.Key, cutoff)
		s.groups = append(s.groups, export.GroupRow{Label: stage.Label, Link: link, Count: stage.Count})
		for _, deal := range stage.Deals {
			s.details = append(s.details, export.DetailRow{
				Group:        stage.Label,
				GroupLink:    link,
				Deal:         deal.Name,
				DealLink:     tmpl.DealLink(crm.LinkToRecord, snap.PortalID, dealsType, deal.RecordID),
				LastModified: deal.LastModified,
			})
		}
	}
	return a.assemble(ctx, s, now, crm, slack)
}

// OwnerReport assembles the stuck deals per owner report.
func (a *Assembler) OwnerReport(ctx context.Context, snap store.OwnerSnapshot, crm settings.CRM, slack settings.Slack) (Plan, error) {
	now := a.now()
	cfg := crm.ExecutiveReports.StuckDeals
	cutoff := tmpl.IdleCutoffMillis(now, cfg.IdleTime)
	dealsType := crm.DealsObjectTypeID()

	s := summary{
		variant:     VariantOwner,
		total:       snap.TotalDeals,
		stuck:       snap.StuckDeals,
		detailsKey:  "ownerDetails",
		groupHeader: "Owner",
		templates:   cfg.PerOwner,
		filePrefix:  "stuckDealsPerOwner_",
		fileTitle:   "Deals stuck (per owner) for 1Mo+",
	}
	for _, owner := range snap.Owners {
		link := tmpl.DealLink(cfg.FilteredOwnerLink, snap.PortalID, owner.ID, cutoff)
		s.groups = append(s.groups, export.GroupRow{Label: owner.Name, Link: link, Count: owner.StuckDealsCount})
		for _, deal := range owner.Deals {
			s.details = append(s.details, export.DetailRow{
				Group:        owner.Name,
				GroupLink:    link,
				Deal:         deal.Name,
				DealLink:     tmpl.DealLink(crm.LinkToRecord, snap.PortalID, dealsType, deal.RecordID),
				Stage:        deal.StageLabel,
				LastModified: deal.LastModified,
			})
		}
	}
	return a.assemble(ctx, s, now, crm, slack)
}

func (a *Assembler) assemble(ctx context.Context, s summary, now time.Time, crm settings.CRM, slack settings.Slack) (Plan, error) {
	cfg := crm.ExecutiveReports.StuckDeals
	date := tmpl.FormatDate(now)

	files, err := a.exporter.Export(ctx, export.WorkbookInput{
		GroupHeader: s.groupHeader,
		WithStage:   s.variant == VariantOwner,
		Date:        now,
		TotalDeals:  s.total,
		StuckDeals:  s.stuck,
		Groups:      s.groups,
		Details:     s.details,
		Meta: export.Meta{
			Title:       s.templates.Meta.Title,
			Subject:     s.templates.Meta.Subject,
			Creator:     crm.ExecutiveReports.ReportCreatedBy,
			Keywords:    s.templates.Meta.Keywords,
			Description: s.templates.Meta.Comments,
		},
		Filename: s.filePrefix + date,
	})
	if err != nil {
		return Plan{}, fmt.Errorf("export workbook: %w", err)
	}

	var execFiles, adminFiles []Attachment
	for i, file := range files {
		title := date + ": " + s.fileTitle
		if i > 0 {
			title += " (summary)"
		} else {
			adminFiles = append(adminFiles, Attachment{File: file, Title: title})
		}
		execFiles = append(execFiles, Attachment{File: file, Title: title})
	}

	base := map[string]any{
		"totalDeals":           s.total,
		"stuckDeals":           s.stuck,
		"stuckDealsPercentage": Percentage(s.stuck, s.total),
	}
	detailsBlock := a.detailsBlock(s)

	type audiencePlan struct {
		emails   []string
		template *blockpack.Message
		params   map[string]any
		files    []Attachment
		details  bool
	}
	plans := map[Audience]audiencePlan{
		Executives: {emails: cfg.ExecUsers, template: s.templates.Exec, params: base, files: execFiles, details: true},
		CRMAdmins:  {emails: cfg.HSAdmins, template: s.templates.CRMAdmins, params: base, files: adminFiles, details: true},
		SalesTeam:  {emails: cfg.SalesTeam, template: s.templates.SalesTeam, params: salesParams(base, cfg.AllowedStuckDealsPercentage)},
		// report admins get the template as is
		ReportAdmins: {emails: cfg.ReportAdmins, template: s.templates.ReportAdmins},
	}

	plan := Plan{
		Variant:    s.variant,
		Date:       now,
		Recipients: map[Audience][]Recipient{},
		Files:      files,
	}
	resolved := map[string]Recipient{}
	for _, audience := range audiences {
		ap := plans[audience]
		if ap.template == nil {
			log.Printf("report %s: no %s template, audience skipped", s.variant, audience)
			continue
		}

		recipients := a.resolve(ctx, ap.emails, resolved)
		plan.Recipients[audience] = recipients

		msg := blockpack.Message{Blocks: slices.Clone(ap.template.Blocks)}
		if ap.details {
			msg.Blocks = append(msg.Blocks, detailsBlock)
		}
		chunks := blockpack.Split(msg, false, slack.MessageLimit())

		for _, r := range recipients {
			if r.Err != nil {
				continue
			}
			for i, chunk := range chunks {
				task := DeliveryTask{
					Audience:    audience,
					RecipientID: r.ID,
					Email:       r.Email,
					Chunk:       chunk,
					Params:      ap.params,
					IsLast:      i == len(chunks)-1,
				}
				if task.IsLast {
					task.Attachments = ap.files
				}
				plan.Tasks = append(plan.Tasks, task)
			}
		}
	}
	return plan, nil
}

// detailsBlock renders one line per group into the configured group block
// template and collects them as the fields of a single section.
func (a *Assembler) detailsBlock(s summary) blockpack.Block {
	fields := make([]any, 0, len(s.groups))
	for _, group := range s.groups {
		item := fmt.Sprintf(lineItem, group.Link, group.Label, group.Count)
		if s.templates.GroupBlock == nil {
			fields = append(fields, map[string]any{"type": "mrkdwn", "text": item})
			continue
		}
		fields = append(fields, tmpl.Interpolate(s.templates.GroupBlock, map[string]any{s.detailsKey: item}))
	}
	return blockpack.Block{"type": "section", "fields": fields}
}

func salesParams(base map[string]any, allowed int) map[string]any {
	params := make(map[string]any, len(base)+3)
	for k, v := range base {
		params[k] = v
	}
	emoji, position := ":white_check_mark:", "below"
	if pct, _ := base["stuckDealsPercentage"].(int); pct > allowed {
		emoji, position = ":no_entry:", "above"
	}
	params["stuckDealsAcceptablePercentageEmoji"] = emoji
	params["stuckDealsAcceptablePercentagePosition"] = position
	params["stuckDealsAcceptablePercentage"] = allowed
	return params
}

// resolve looks each email up once per report run.
func (a *Assembler) resolve(ctx context.Context, emails []string, seen map[string]Recipient) []Recipient {
	out := make([]Recipient, 0, len(emails))
	for _, email := range emails {
		if r, ok := seen[email]; ok {
			out = append(out, r)
			continue
		}
		r := Recipient{Email: email}
		id, err := a.directory.LookupUserByEmail(ctx, email)
		if err != nil {
			log.Printf("lookup %s failed: %v", email, err)
			r.Err = err
		} else {
			r.ID = id
		}
		seen[email] = r
		out = append(out, r)
	}
	return out
}
