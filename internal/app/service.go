package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"dealwatch/api/internal/blockpack"
	"dealwatch/api/internal/config"
	"dealwatch/api/internal/crm"
	"dealwatch/api/internal/export"
	"dealwatch/api/internal/history"
	"dealwatch/api/internal/relay"
	"dealwatch/api/internal/report"
	"dealwatch/api/internal/search"
	"dealwatch/api/internal/settings"
	"dealwatch/api/internal/store"
	"dealwatch/api/internal/telemetry"
)

const (
	defaultSearchLimit  = 20
	defaultHistoryLimit = 20
)

type settingsSource interface {
	CRM(context.Context) (settings.CRM, error)
	Slack(context.Context) (settings.Slack, error)
	Routes(context.Context) (settings.Routes, error)
	Ping(context.Context) error
}

type dealSource interface {
	FetchStuckDealsByStage(context.Context, settings.CRM) (store.StageSnapshot, error)
	FetchStuckDealsByOwner(context.Context, settings.CRM) (store.OwnerSnapshot, error)
	Status(context.Context, string) crm.AccountStatus
}

type stageStore interface {
	Load(context.Context, store.Partition, store.StageSnapshot) error
	ReadAll(context.Context, store.Partition) (store.StageSnapshot, error)
	ListGroupKeys(context.Context, store.Partition) ([]string, error)
	GetGroup(context.Context, store.Partition, string) (store.Stage, error)
	Ping(context.Context) error
}

type ownerStore interface {
	Load(context.Context, store.Partition, store.OwnerSnapshot) error
	ReadAll(context.Context, store.Partition) (store.OwnerSnapshot, error)
}

type dealIndex interface {
	Search(context.Context, string, int) search.Response
	IndexStage(store.StageSnapshot)
	IndexOwner(store.OwnerSnapshot)
}

type snapshotHistory interface {
	Record(string, any, string, string) (history.Commit, bool, error)
	History(string, int) ([]history.Commit, error)
	Snapshot(string, string) ([]byte, error)
}

type reportArchive interface {
	Store(context.Context, string, time.Time, []export.Result) ([]string, error)
}

type reportAssembler interface {
	StageReport(context.Context, store.StageSnapshot, settings.CRM, settings.Slack) (report.Plan, error)
	OwnerReport(context.Context, store.OwnerSnapshot, settings.CRM, settings.Slack) (report.Plan, error)
}

type messenger interface {
	report.Sender
	LookupUserByEmail(context.Context, string) (string, error)
	SendText(context.Context, string, string) error
	PostWebhook(context.Context, string, string, []blockpack.Block) error
	PublishHomeTab(context.Context, string, json.RawMessage) error
	ChannelIDByName(context.Context, string) (string, error)
	LastMessage(context.Context, string) (string, error)
}

type webhookRelay interface {
	Process(context.Context, []relay.Event, settings.Routes, settings.CRM) [][]relay.HookStatus
}

// Deps are the collaborators of the service. History and Archive are
// optional and may be nil.
type Deps struct {
	Settings  settingsSource
	CRM       dealSource
	Stages    stageStore
	Owners    ownerStore
	Search    dealIndex
	History   snapshotHistory
	Archive   reportArchive
	Assembler reportAssembler
	Slack     messenger
	Relay     webhookRelay
}

type Service struct {
	cfg       config.Config
	partition store.Partition
	settings  settingsSource
	crm       dealSource
	stages    stageStore
	owners    ownerStore
	search    dealIndex
	history   snapshotHistory
	archive   reportArchive
	assembler reportAssembler
	slack     messenger
	relay     webhookRelay
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:       cfg,
		partition: store.SingletonPartition,
		settings:  deps.Settings,
		crm:       deps.CRM,
		stages:    deps.Stages,
		owners:    deps.Owners,
		search:    deps.Search,
		history:   deps.History,
		archive:   deps.Archive,
		assembler: deps.Assembler,
		slack:     deps.Slack,
		relay:     deps.Relay,
	}
}

// Checks are the readiness probes keyed by dependency name.
func (s *Service) Checks() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"database": s.stages.Ping,
		"settings": s.settings.Ping,
	}
}

// LoadStage fetches the stuck deals per stage from the CRM and replaces the
// stored snapshot. by names who triggered the load in the snapshot history.
func (s *Service) LoadStage(ctx context.Context, by string) (store.StageSnapshot, error) {
	cfg, err := s.settings.CRM(ctx)
	if err != nil {
		return store.StageSnapshot{}, fmt.Errorf("read crm settings: %w", err)
	}

	var snapshot store.StageSnapshot
	err = telemetry.Observe(ctx, "fetch stuck deals per stage", func(ctx context.Context) error {
		var fetchErr error
		snapshot, fetchErr = s.crm.FetchStuckDealsByStage(ctx, cfg)
		return fetchErr
	})
	if err != nil {
		return store.StageSnapshot{}, fmt.Errorf("fetch stuck deals per stage: %w", err)
	}

	err = telemetry.Observe(ctx, "load stuck deals per stage", func(ctx context.Context) error {
		return s.stages.Load(ctx, s.partition, snapshot)
	})
	if err != nil {
		return store.StageSnapshot{}, err
	}

	s.search.IndexStage(snapshot)
	s.record(store.VariantStage, snapshot, by, "Load stuck deals per stage")
	return snapshot, nil
}

// LoadOwner is LoadStage for the per-owner snapshot.
func (s *Service) LoadOwner(ctx context.Context, by string) (store.OwnerSnapshot, error) {
	cfg, err := s.settings.CRM(ctx)
	if err != nil {
		return store.OwnerSnapshot{}, fmt.Errorf("read crm settings: %w", err)
	}

	var snapshot store.OwnerSnapshot
	err = telemetry.Observe(ctx, "fetch stuck deals per owner", func(ctx context.Context) error {
		var fetchErr error
		snapshot, fetchErr = s.crm.FetchStuckDealsByOwner(ctx, cfg)
		return fetchErr
	})
	if err != nil {
		return store.OwnerSnapshot{}, fmt.Errorf("fetch stuck deals per owner: %w", err)
	}

	err = telemetry.Observe(ctx, "load stuck deals per owner", func(ctx context.Context) error {
		return s.owners.Load(ctx, s.partition, snapshot)
	})
	if err != nil {
		return store.OwnerSnapshot{}, err
	}

	s.search.IndexOwner(snapshot)
	s.record(store.VariantOwner, snapshot, by, "Load stuck deals per owner")
	return snapshot, nil
}

func (s *Service) record(variant string, snapshot any, by, message string) {
	if s.history == nil {
		return
	}
	commit, changed, err := s.history.Record(variant, snapshot, by, message)
	if err != nil {
		log.Printf("snapshot history %s failed: %v", variant, err)
		return
	}
	if changed {
		log.Printf("snapshot history %s committed %s", variant, commit.Hash)
	}
}

func (s *Service) StageSnapshot(ctx context.Context) (store.StageSnapshot, error) {
	return s.stages.ReadAll(ctx, s.partition)
}

func (s *Service) OwnerSnapshot(ctx context.Context) (store.OwnerSnapshot, error) {
	return s.owners.ReadAll(ctx, s.partition)
}

func (s *Service) StageKeys(ctx context.Context) ([]string, error) {
	return s.stages.ListGroupKeys(ctx, s.partition)
}

// StageInfo returns one stage group. The 404 payloads mirror the messages
// existing clients match on.
func (s *Service) StageInfo(ctx context.Context, key string) (store.Stage, error) {
	if key == "" {
		return store.Stage{}, domainError(http.StatusNotFound, "VALIDATION_ERROR", "Stage parameter missing", nil)
	}
	stage, err := s.stages.GetGroup(ctx, s.partition, key)
	if store.IsNotFound(err) {
		return store.Stage{}, domainError(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("Stage %s not found", key), nil)
	}
	return stage, err
}

func (s *Service) reportSettings(ctx context.Context) (settings.CRM, settings.Slack, error) {
	crmCfg, err := s.settings.CRM(ctx)
	if err != nil {
		return settings.CRM{}, settings.Slack{}, fmt.Errorf("read crm settings: %w", err)
	}
	slackCfg, err := s.settings.Slack(ctx)
	if err != nil {
		return settings.CRM{}, settings.Slack{}, fmt.Errorf("read slack settings: %w", err)
	}
	return crmCfg, slackCfg, nil
}

// ReportStage assembles the per-stage report from the stored snapshot and
// delivers it to every audience.
func (s *Service) ReportStage(ctx context.Context) (report.DeliveryReport, error) {
	crmCfg, slackCfg, err := s.reportSettings(ctx)
	if err != nil {
		return report.DeliveryReport{}, err
	}
	snapshot, err := s.stages.ReadAll(ctx, s.partition)
	if err != nil {
		return report.DeliveryReport{}, err
	}

	var plan report.Plan
	err = telemetry.Observe(ctx, "assemble stuck deals per stage report", func(ctx context.Context) error {
		var buildErr error
		plan, buildErr = s.assembler.StageReport(ctx, snapshot, crmCfg, slackCfg)
		return buildErr
	})
	if err != nil {
		return report.DeliveryReport{}, fmt.Errorf("assemble stage report: %w", err)
	}
	return s.deliver(ctx, "deliver stuck deals per stage report", plan), nil
}

func (s *Service) ReportOwner(ctx context.Context) (report.DeliveryReport, error) {
	crmCfg, slackCfg, err := s.reportSettings(ctx)
	if err != nil {
		return report.DeliveryReport{}, err
	}
	snapshot, err := s.owners.ReadAll(ctx, s.partition)
	if err != nil {
		return report.DeliveryReport{}, err
	}

	var plan report.Plan
	err = telemetry.Observe(ctx, "assemble stuck deals per owner report", func(ctx context.Context) error {
		var buildErr error
		plan, buildErr = s.assembler.OwnerReport(ctx, snapshot, crmCfg, slackCfg)
		return buildErr
	})
	if err != nil {
		return report.DeliveryReport{}, fmt.Errorf("assemble owner report: %w", err)
	}
	return s.deliver(ctx, "deliver stuck deals per owner report", plan), nil
}

func (s *Service) deliver(ctx context.Context, name string, plan report.Plan) report.DeliveryReport {
	s.archiveFiles(ctx, plan)

	var delivered report.DeliveryReport
	_ = telemetry.Observe(ctx, name, func(ctx context.Context) error {
		delivered = plan.Deliver(ctx, s.slack)
		return nil
	})
	for _, recipient := range plan.Unresolved() {
		log.Printf("report recipient %s skipped: %v", recipient.Email, recipient.Err)
	}
	return delivered
}

// archiveFiles uploads the generated files. Failures never block delivery.
func (s *Service) archiveFiles(ctx context.Context, plan report.Plan) {
	if s.archive == nil || len(plan.Files) == 0 {
		return
	}
	keys, err := s.archive.Store(ctx, string(plan.Variant), plan.Date, plan.Files)
	if err != nil {
		log.Printf("archive %s report failed: %v", plan.Variant, err)
	}
	for _, key := range keys {
		log.Printf("archived %s", key)
	}
}

// NotifyReportAdmins sends the outcome of a scheduled job to the report
// admins as a plain direct message.
func (s *Service) NotifyReportAdmins(ctx context.Context, job, result string) error {
	cfg, err := s.settings.CRM(ctx)
	if err != nil {
		return fmt.Errorf("read crm settings: %w", err)
	}
	text := fmt.Sprintf(":gear: %s executed; :cubimal_chick: result: %s", job, result)
	for _, email := range cfg.ExecutiveReports.StuckDeals.ReportAdmins {
		userID, err := s.slack.LookupUserByEmail(ctx, email)
		if err != nil {
			log.Printf("notify %s: %v", email, err)
			continue
		}
		if err := s.slack.SendText(ctx, userID, text); err != nil {
			log.Printf("notify %s: %v", email, err)
		}
	}
	return nil
}

func (s *Service) SearchDeals(ctx context.Context, text string, limit int) search.Response {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	return s.search.Search(ctx, text, limit)
}

func (s *Service) SnapshotHistory(variant string, limit int) ([]history.Commit, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_DISABLED", "Snapshot history is not configured", nil)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	commits, err := s.history.History(variant, limit)
	if err != nil {
		return nil, err
	}
	if commits == nil {
		commits = []history.Commit{}
	}
	return commits, nil
}

// SnapshotAt returns the snapshot document recorded by one history commit.
func (s *Service) SnapshotAt(variant, hash string) (json.RawMessage, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_DISABLED", "Snapshot history is not configured", nil)
	}
	if strings.TrimSpace(hash) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Commit hash missing", nil)
	}
	raw, err := s.history.Snapshot(variant, hash)
	if errors.Is(err, history.ErrUnknownVariant) {
		return nil, err
	}
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("Snapshot %s not found", hash), nil)
	}
	return raw, nil
}

// RelayWebhook forwards validated HubSpot events to the configured Slack
// webhooks. With relaying disabled the payload is echoed back untouched.
func (s *Service) RelayWebhook(ctx context.Context, events []relay.Event, raw json.RawMessage) (relay.Response, error) {
	if !s.cfg.HSToSlack {
		return relay.NewResponse(nil, s.cfg.HSValidateSignature, raw), nil
	}
	routes, err := s.settings.Routes(ctx)
	if err != nil {
		return relay.Response{}, fmt.Errorf("read webhook routes: %w", err)
	}
	cfg, err := s.settings.CRM(ctx)
	if err != nil {
		return relay.Response{}, fmt.Errorf("read crm settings: %w", err)
	}

	var statuses [][]relay.HookStatus
	_ = telemetry.Observe(ctx, "relay hubspot webhook", func(ctx context.Context) error {
		statuses = s.relay.Process(ctx, events, routes, cfg)
		return nil
	})
	return relay.NewResponse(statuses, s.cfg.HSValidateSignature, raw), nil
}

func (s *Service) HubSpotStatus(ctx context.Context) (crm.AccountStatus, error) {
	cfg, err := s.settings.CRM(ctx)
	if err != nil {
		return crm.AccountStatus{}, fmt.Errorf("read crm settings: %w", err)
	}
	return s.crm.Status(ctx, cfg.AccountInfoEndpoint), nil
}

type SlackCheck struct {
	Status       int    `json:"status"`
	SlackMessage string `json:"slackMessage"`
	Channel      string `json:"channel"`
	Details      string `json:"details"`
}

// SlackStatus posts the test message to the test webhook and reads back the
// last message of the test channel.
func (s *Service) SlackStatus(ctx context.Context) (SlackCheck, error) {
	check := SlackCheck{Status: http.StatusOK, Channel: s.cfg.SlackTestChannelName}
	if err := s.slack.PostWebhook(ctx, s.cfg.SlackTestWebhook, s.cfg.SlackTestMessage, nil); err != nil {
		log.Printf("slack test webhook failed: %v", err)
		check.Status = http.StatusInternalServerError
	}

	channelID, err := s.slack.ChannelIDByName(ctx, s.cfg.SlackTestChannelName)
	if err != nil {
		return SlackCheck{}, fmt.Errorf("find test channel: %w", err)
	}
	last, err := s.slack.LastMessage(ctx, channelID)
	if err != nil {
		return SlackCheck{}, fmt.Errorf("read test channel: %w", err)
	}

	check.SlackMessage = last
	if last == s.cfg.SlackTestMessage {
		check.Details = "The test message was sent to the Slack test channel."
	} else {
		check.Details = "Slack responded ok but the last message in the test channel doesn't match the test message"
	}
	return check, nil
}

// PublishHome publishes the configured home tab view for userID.
func (s *Service) PublishHome(ctx context.Context, userID string) error {
	cfg, err := s.settings.Slack(ctx)
	if err != nil {
		return fmt.Errorf("read slack settings: %w", err)
	}
	if len(cfg.HomeTabView) == 0 {
		return nil
	}
	return s.slack.PublishHomeTab(ctx, userID, cfg.HomeTabView)
}
