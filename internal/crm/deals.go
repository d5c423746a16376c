package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"dealwatch/api/internal/settings"
	"dealwatch/api/internal/store"
)

const orphanOwner = "ORPHAN DEAL"

var dealProperties = []string{"dealstage", "dealname", "hs_object_id", "archived", "hubspot_owner_id"}

type paging struct {
	Next *struct {
		After string `json:"after"`
	} `json:"next"`
}

func (p *paging) after() string {
	if p == nil || p.Next == nil {
		return ""
	}
	return p.Next.After
}

type historyEntry struct {
	Value     string `json:"value"`
	Timestamp string `json:"timestamp"`
}

func (h historyEntry) time() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, h.Timestamp)
	return t, err == nil
}

type deal struct {
	ID                    string                    `json:"id"`
	Archived              bool                      `json:"archived"`
	Properties            map[string]string         `json:"properties"`
	PropertiesWithHistory map[string][]historyEntry `json:"propertiesWithHistory"`
}

func (d deal) archived() bool {
	return d.Archived || d.Properties["archived"] == "true"
}

type owner struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Archived  bool   `json:"archived"`
}

func (o owner) name() string {
	if o.FirstName == "" && o.LastName == "" {
		return orphanOwner
	}
	return strings.TrimSpace(o.FirstName + " " + o.LastName)
}

type stageMeta struct {
	Label         string
	PipelineLabel string
	PipelineID    string
}

// stageMetadata maps every deal stage id to its label and pipeline.
func (c *Client) stageMetadata(ctx context.Context) (map[string]stageMeta, error) {
	pipelines, err := c.pipelines(ctx, "deals")
	if err != nil {
		return nil, err
	}
	meta := map[string]stageMeta{}
	for _, pipeline := range pipelines {
		for _, stage := range pipeline.Stages {
			meta[stage.ID] = stageMeta{Label: stage.Label, PipelineLabel: pipeline.Label, PipelineID: pipeline.ID}
		}
	}
	return meta, nil
}

type pipeline struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Stages []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	} `json:"stages"`
}

func (c *Client) pipelines(ctx context.Context, objectType string) ([]pipeline, error) {
	var resp struct {
		Results []pipeline `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/crm/v3/pipelines/"+url.PathEscape(objectType), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("list %s pipelines: %w", objectType, err)
	}
	return resp.Results, nil
}

// batchRead loads deals with the dealstage history.
func (c *Client) batchRead(ctx context.Context, ids []string) ([]deal, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	inputs := make([]map[string]string, len(ids))
	for i, id := range ids {
		inputs[i] = map[string]string{"id": id}
	}
	var resp struct {
		Results []deal `json:"results"`
	}
	body := map[string]any{
		"properties":            dealProperties,
		"propertiesWithHistory": []string{"dealstage"},
		"inputs":                inputs,
	}
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/deals/batch/read", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("batch read deals: %w", err)
	}
	return resp.Results, nil
}

// archivedOwners lists the ids of archived owners.
func (c *Client) archivedOwners(ctx context.Context) (map[string]bool, error) {
	archived := map[string]bool{}
	after := ""
	for {
		query := url.Values{"limit": {"100"}, "archived": {"true"}}
		if after != "" {
			query.Set("after", after)
		}
		var resp struct {
			Results []owner `json:"results"`
			Paging  *paging `json:"paging"`
		}
		if err := c.do(ctx, http.MethodGet, "/crm/v3/owners", query, nil, &resp); err != nil {
			return nil, fmt.Errorf("list archived owners: %w", err)
		}
		for _, o := range resp.Results {
			archived[o.ID] = true
		}
		if after = resp.Paging.after(); after == "" {
			return archived, nil
		}
	}
}

func (c *Client) owner(ctx context.Context, id string) (owner, error) {
	var o owner
	if err := c.do(ctx, http.MethodGet, "/crm/v3/owners/"+url.PathEscape(id), nil, nil, &o); err != nil {
		return owner{}, fmt.Errorf("get owner %s: %w", id, err)
	}
	return o, nil
}

// FetchStuckDealsByStage groups the deals that sat in their current stage
// longer than the idle time.
func (c *Client) FetchStuckDealsByStage(ctx context.Context, cfg settings.CRM) (store.StageSnapshot, error) {
	rules := cfg.ExecutiveReports.StuckDeals
	cutoff := c.now().AddDate(0, 0, -rules.IdleTime)

	meta, err := c.stageMetadata(ctx)
	if err != nil {
		return store.StageSnapshot{}, err
	}
	archivedOwners, err := c.archivedOwners(ctx)
	if err != nil {
		return store.StageSnapshot{}, err
	}

	var order []string
	groups := map[string]*store.Stage{}
	after := ""
	for {
		body := map[string]any{
			"limit":      cfg.PageSize(),
			"properties": []string{"hubspot_owner_id", "archived"},
		}
		if after != "" {
			body["after"] = after
		}
		var page struct {
			Results []deal  `json:"results"`
			Paging  *paging `json:"paging"`
		}
		if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/deals/search", nil, body, &page); err != nil {
			return store.StageSnapshot{}, fmt.Errorf("search deals: %w", err)
		}

		var ids []string
		for _, d := range page.Results {
			if !d.archived() {
				ids = append(ids, d.ID)
			}
		}
		deals, err := c.batchRead(ctx, ids)
		if err != nil {
			return store.StageSnapshot{}, err
		}

		for _, d := range deals {
			stage := d.Properties["dealstage"]
			ownerID := d.Properties["hubspot_owner_id"]
			if stage == "" || d.archived() || ownerID == "" || archivedOwners[ownerID] {
				continue
			}
			if slices.Contains(rules.IgnoredStages, stage) {
				continue
			}
			entered, ok := stageEntered(d.PropertiesWithHistory["dealstage"], stage)
			if !ok || !entered.Before(cutoff) {
				continue
			}

			group, ok := groups[stage]
			if !ok {
				m := meta[stage]
				label := m.Label
				if label == "" {
					label = stage
				}
				group = &store.Stage{Key: stage, Label: label, PipelineLabel: m.PipelineLabel, PipelineID: m.PipelineID}
				groups[stage] = group
				order = append(order, stage)
			}
			group.Count++
			group.Deals = append(group.Deals, store.StageDeal{
				Name:         d.Properties["dealname"],
				RecordID:     d.Properties["hs_object_id"],
				LastModified: entered.UTC(),
			})
		}

		if after = page.Paging.after(); after == "" {
			break
		}
	}

	snapshot := store.StageSnapshot{}
	for _, key := range order {
		snapshot.Stages = append(snapshot.Stages, *groups[key])
		snapshot.StuckDeals += groups[key].Count
	}
	if err := c.fillTotals(ctx, cfg, &snapshot.PortalID, &snapshot.TotalDeals); err != nil {
		return store.StageSnapshot{}, err
	}
	return snapshot, nil
}

// stageEntered returns when the deal entered stage: the timestamp of the
// history entry recording that value.
func stageEntered(history []historyEntry, stage string) (time.Time, bool) {
	for _, entry := range history {
		if entry.Value == stage {
			return entry.time()
		}
	}
	return time.Time{}, false
}

// lastStageChange returns the newest dealstage history timestamp.
func lastStageChange(history []historyEntry) (time.Time, bool) {
	var newest time.Time
	found := false
	for _, entry := range history {
		t, ok := entry.time()
		if ok && (!found || t.After(newest)) {
			newest, found = t, true
		}
	}
	return newest, found
}

// FetchStuckDealsByOwner groups stuck deals by owner; a deal is stuck when
// its last stage change is older than the idle time.
func (c *Client) FetchStuckDealsByOwner(ctx context.Context, cfg settings.CRM) (store.OwnerSnapshot, error) {
	rules := cfg.ExecutiveReports.StuckDeals
	cutoff := c.now().AddDate(0, 0, -rules.IdleTime)

	meta, err := c.stageMetadata(ctx)
	if err != nil {
		return store.OwnerSnapshot{}, err
	}

	owners := map[string]*owner{}
	var order []string
	groups := map[string]*store.Owner{}
	after := ""
	for {
		query := url.Values{"limit": {strconv.Itoa(cfg.PageSize())}, "properties": {"hs_object_id"}}
		if after != "" {
			query.Set("after", after)
		}
		var page struct {
			Results []deal  `json:"results"`
			Paging  *paging `json:"paging"`
		}
		if err := c.do(ctx, http.MethodGet, "/crm/v3/objects/deals", query, nil, &page); err != nil {
			return store.OwnerSnapshot{}, fmt.Errorf("list deals: %w", err)
		}
		ids := make([]string, 0, len(page.Results))
		for _, d := range page.Results {
			ids = append(ids, d.ID)
		}
		deals, err := c.batchRead(ctx, ids)
		if err != nil {
			return store.OwnerSnapshot{}, err
		}

		for _, d := range deals {
			ownerID := d.Properties["hubspot_owner_id"]
			if _, seen := owners[ownerID]; ownerID == "" || seen {
				continue
			}
			owners[ownerID] = nil
			if _, err := strconv.ParseInt(ownerID, 10, 64); err != nil {
				continue
			}
			o, err := c.owner(ctx, ownerID)
			if err != nil {
				continue
			}
			owners[ownerID] = &o
		}

		for _, d := range deals {
			stage := d.Properties["dealstage"]
			ownerID := d.Properties["hubspot_owner_id"]
			if stage == "" || ownerID == "" || d.archived() || slices.Contains(rules.IgnoredStages, stage) {
				continue
			}
			o := owners[ownerID]
			if o != nil && o.Archived {
				continue
			}
			changed, ok := lastStageChange(d.PropertiesWithHistory["dealstage"])
			if !ok || !changed.Before(cutoff) {
				continue
			}

			group, ok := groups[ownerID]
			if !ok {
				group = &store.Owner{ID: ownerID, Name: orphanOwner}
				if o != nil {
					group.Name = o.name()
					group.Email = o.Email
				}
				groups[ownerID] = group
				order = append(order, ownerID)
			}
			group.StuckDealsCount++
			group.Deals = append(group.Deals, store.OwnerDeal{
				Name:         d.Properties["dealname"],
				RecordID:     d.Properties["hs_object_id"],
				LastModified: changed.UTC(),
				StageLabel:   meta[stage].Label,
			})
		}

		if after = page.Paging.after(); after == "" {
			break
		}
	}

	snapshot := store.OwnerSnapshot{}
	for _, id := range order {
		snapshot.Owners = append(snapshot.Owners, *groups[id])
		snapshot.StuckDeals += groups[id].StuckDealsCount
	}
	if err := c.fillTotals(ctx, cfg, &snapshot.PortalID, &snapshot.TotalDeals); err != nil {
		return store.OwnerSnapshot{}, err
	}
	return snapshot, nil
}

func (c *Client) fillTotals(ctx context.Context, cfg settings.CRM, portalID *string, total *int) error {
	id, err := c.PortalID(ctx, cfg.AccountInfoEndpoint)
	if err != nil {
		return err
	}
	n, err := c.TotalDeals(ctx, cfg.ExecutiveReports.StuckDeals.IgnoredStages)
	if err != nil {
		return err
	}
	*portalID, *total = id, n
	return nil
}

// TotalDeals counts the deals outside the ignored stages.
func (c *Client) TotalDeals(ctx context.Context, ignoredStages []string) (int, error) {
	stages := slices.Clone(ignoredStages)
	sort.Strings(stages)
	filters := make([]map[string]string, 0, len(stages))
	for _, stage := range stages {
		filters = append(filters, map[string]string{"propertyName": "dealstage", "operator": "NEQ", "value": stage})
	}
	body := map[string]any{
		"properties": []string{"dealname"},
		"limit":      1,
	}
	if len(filters) > 0 {
		body["filterGroups"] = []map[string]any{{"filters": filters}}
	}
	var resp struct {
		Total int `json:"total"`
	}
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/deals/search", nil, body, &resp); err != nil {
		return 0, fmt.Errorf("count deals: %w", err)
	}
	return resp.Total, nil
}
