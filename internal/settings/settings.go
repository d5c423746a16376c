// Package settings holds the runtime business configuration: CRM report
// settings, Slack settings and the webhook routing table. Values are stored
// encrypted in Redis.
package settings

import (
	"encoding/json"
	"sort"

	"dealwatch/api/internal/blockpack"
)

// Name is the Redis key of one encrypted settings document.
type Name string

const (
	CRMConfig    Name = "HS_CONFIG_ENC"
	SlackConfig  Name = "SLACK_CONFIG_ENC"
	RoutesConfig Name = "SLACK_WEBHOOKS_CONFIG_ENC"
)

func (n Name) Valid() bool {
	switch n {
	case CRMConfig, SlackConfig, RoutesConfig:
		return true
	}
	return false
}

const (
	defaultPageSize      = 100
	defaultMessageLength = 3000
)

type CRM struct {
	LinkToRecord         string            `json:"linkToRecord"`
	DefaultObjectTypeMap map[string]string `json:"defaultObjectTypeMap"`
	DefaultOwner         DefaultOwner      `json:"defaultOwner"`
	AccountInfoEndpoint  string            `json:"accountInfoEndpoint"`
	MaxPageSize          int               `json:"maxPageSize"`
	PipelinePropertyMap  map[string]string `json:"pipelinePropertyMap"`
	ExecutiveReports     ExecutiveReports  `json:"executiveReports"`
}

type DefaultOwner struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type ExecutiveReports struct {
	ReportCreatedBy string     `json:"reportCreatedBy"`
	StuckDeals      StuckDeals `json:"stuckDeals"`
}

// StuckDeals configures detection thresholds, audiences and templates of the
// stuck deals reports.
type StuckDeals struct {
	IdleTime                    int      `json:"idleTime"`
	IgnoredStages               []string `json:"ignoredStages"`
	AllowedStuckDealsPercentage int      `json:"allowedStuckDealsPercentage"`
	FilteredStageLink           string   `json:"filteredStageLink"`
	FilteredOwnerLink           string   `json:"filteredOwnerLink"`

	ExecUsers    []string `json:"execUsers"`
	SalesTeam    []string `json:"salesTeam"`
	HSAdmins     []string `json:"hsAdmins"`
	ReportAdmins []string `json:"reportAdmins"`

	PerStage ReportTemplates `json:"perStage"`
	PerOwner ReportTemplates `json:"perOwner"`
}

// ReportTemplates are the per-audience Slack block templates of one report.
// A nil template drops the audience from the report.
type ReportTemplates struct {
	Exec         *blockpack.Message `json:"execReportsMessageTemplate"`
	CRMAdmins    *blockpack.Message `json:"hsAdminsReportsMessageTemplate"`
	SalesTeam    *blockpack.Message `json:"salesTeamReportsMessageTemplate"`
	ReportAdmins *blockpack.Message `json:"reportAdminsReportsMessageTemplate"`
	GroupBlock   any                `json:"groupBlockTemplate"`
	Meta         ReportMeta         `json:"meta"`
}

type ReportMeta struct {
	Title    string `json:"rptTitle"`
	Subject  string `json:"rptSubject"`
	Comments string `json:"rptComments"`
	Keywords string `json:"rptKeywords"`
}

// PageSize is the CRM page size, 100 unless configured.
func (c CRM) PageSize() int {
	if c.MaxPageSize <= 0 {
		return defaultPageSize
	}
	return c.MaxPageSize
}

// DealsObjectTypeID returns the object type id mapped to "deals", e.g. "0-3".
func (c CRM) DealsObjectTypeID() string {
	ids := make([]string, 0, len(c.DefaultObjectTypeMap))
	for id := range c.DefaultObjectTypeMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c.DefaultObjectTypeMap[id] == "deals" {
			return id
		}
	}
	return ""
}

type Slack struct {
	MaxMessageLength int             `json:"maxMessageLength"`
	HomeTabView      json.RawMessage `json:"homeTabView"`
}

func (s Slack) MessageLimit() int {
	if s.MaxMessageLength <= 0 {
		return defaultMessageLength
	}
	return s.MaxMessageLength
}

// Routes maps a subscription type to routing keys of the form
// "<objectTypeId>/<propertyName>/<propertyValue>".
type Routes map[string]map[string]Route

type Route struct {
	Webhooks     []Webhook `json:"webhooks"`
	Code         string    `json:"code"`
	Props        []string  `json:"props"`
	Associations []string  `json:"associations"`
}

type Webhook struct {
	Code         string         `json:"code"`
	URL          string         `json:"url"`
	Active       bool           `json:"active"`
	Message      string         `json:"message"`
	BlockMessage map[string]any `json:"blockMessage"`
}

func (r Routes) Lookup(subscriptionType, key string) (Route, bool) {
	byKey, ok := r[subscriptionType]
	if !ok {
		return Route{}, false
	}
	route, ok := byKey[key]
	return route, ok
}
