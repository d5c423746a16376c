package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"dealwatch/api/internal/blockpack"
	"dealwatch/api/internal/crm"
	"dealwatch/api/internal/settings"
	"dealwatch/api/internal/tmpl"
)

const maxConcurrentEvents = 4

const (
	StatusNoRoute      = 400
	StatusInvalidHook  = 501
	StatusNoWebhooks   = 502
	StatusUnresolved   = 504
	StatusHookInactive = 201
	StatusSent         = 200
	StatusPostFailed   = 500
)

type Resolver interface {
	ResolveObject(ctx context.Context, objectTypeID, objectID string, props, assocTypes []string, cfg settings.CRM) (crm.Object, error)
}

type Poster interface {
	PostWebhook(ctx context.Context, url, text string, blocks []blockpack.Block) error
}

// Code is a per-hook status. The inactive status is written as the string
// "201" for compatibility with existing consumers.
type Code int

func (c Code) MarshalJSON() ([]byte, error) {
	if c == StatusHookInactive {
		return json.Marshal(strconv.Itoa(int(c)))
	}
	return json.Marshal(int(c))
}

type SlackStatus struct {
	Status  Code   `json:"status"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HookStatus is the outcome of one event for one webhook.
type HookStatus struct {
	EventID     string      `json:"eventId"`
	Group       string      `json:"slackWebhooksGroup"`
	SlackStatus SlackStatus `json:"slackStatus"`
	HookCode    *string     `json:"hookCode"`
}

// Response is the body returned to HubSpot.
type Response struct {
	HS2Slack struct {
		SlackMessageStatus  any             `json:"slackMessageStatus"`
		ValidateHSSignature bool            `json:"validateHSSignature"`
		Data                json.RawMessage `json:"data"`
	} `json:"hs2slack"`
}

func NewResponse(statuses [][]HookStatus, validateSignature bool, data json.RawMessage) Response {
	var resp Response
	resp.HS2Slack.SlackMessageStatus = map[string]any{}
	if statuses != nil {
		resp.HS2Slack.SlackMessageStatus = statuses
	}
	resp.HS2Slack.ValidateHSSignature = validateSignature
	resp.HS2Slack.Data = data
	return resp
}

type Relay struct {
	resolver Resolver
	poster   Poster
}

func New(resolver Resolver, poster Poster) *Relay {
	return &Relay{resolver: resolver, poster: poster}
}

// Process handles every event concurrently and returns the statuses in event
// order. Hooks of one event are posted in configuration order.
func (r *Relay) Process(ctx context.Context, events []Event, routes settings.Routes, cfg settings.CRM) [][]HookStatus {
	results := make([][]HookStatus, len(events))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentEvents)
	for i, event := range events {
		g.Go(func() error {
			results[i] = r.processEvent(ctx, event, routes, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Relay) processEvent(ctx context.Context, event Event, routes settings.Routes, cfg settings.CRM) []HookStatus {
	eventID := event.EventID.String()

	route, ok := lookup(event, routes)
	if !ok {
		return []HookStatus{{
			EventID: eventID,
			Group:   "not found",
			SlackStatus: SlackStatus{
				Status:  StatusNoRoute,
				Message: "No Slack webhook object resolved",
				Details: "no route matches " + event.SubscriptionType + " " + event.RouteKey(),
			},
		}}
	}

	obj, err := r.resolver.ResolveObject(ctx, event.ObjectTypeID, event.ObjectID.String(), route.Props, route.Associations, cfg)
	if err != nil {
		log.Printf("relay resolve %s %s: %v", event.ObjectTypeID, event.ObjectID, err)
		notExecuted := "not executed"
		details := "the HubSpot record couldn't be resolved"
		if crm.IsNotFound(err) {
			details = "the HubSpot record no longer exists"
		}
		return []HookStatus{{
			EventID: eventID,
			Group:   notExecuted,
			SlackStatus: SlackStatus{
				Status:  StatusUnresolved,
				Message: notExecuted,
				Details: details,
			},
			HookCode: &notExecuted,
		}}
	}

	group := route.Code
	if group == "" {
		group = "not found"
	}
	if len(route.Webhooks) == 0 {
		return []HookStatus{{
			EventID: eventID,
			Group:   group,
			SlackStatus: SlackStatus{
				Status:  StatusNoWebhooks,
				Message: "No Slack webhooks found!",
				Details: "Most probably the expected key is missing in slack-webhooks",
			},
		}}
	}

	params := MessageParams(event, obj, cfg)
	statuses := make([]HookStatus, 0, len(route.Webhooks))
	for _, hook := range route.Webhooks {
		code := hook.Code
		status := HookStatus{EventID: eventID, Group: group, HookCode: &code}
		switch {
		case !validURL(hook.URL):
			status.SlackStatus = SlackStatus{Status: StatusInvalidHook, Message: "slack webhook invalid"}
		case !hook.Active:
			status.SlackStatus = SlackStatus{
				Status:  StatusHookInactive,
				Message: "hook inactive",
				Details: "modify slack-webhooks.json to activate the hook",
			}
		default:
			status.SlackStatus = r.post(ctx, hook, params)
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func lookup(event Event, routes settings.Routes) (settings.Route, bool) {
	if event.SubscriptionType != PropertyChange {
		return settings.Route{}, false
	}
	key := event.RouteKey()
	if key == "" {
		return settings.Route{}, false
	}
	return routes.Lookup(event.SubscriptionType, key)
}

// post sends the interpolated block message, or the plain message when the
// hook has no blocks.
func (r *Relay) post(ctx context.Context, hook settings.Webhook, params map[string]any) SlackStatus {
	text := hook.Message
	var blocks []blockpack.Block
	if len(hook.BlockMessage) > 0 {
		msg, _ := tmpl.Interpolate(hook.BlockMessage, params).(map[string]any)
		text, _ = msg["text"].(string)
		blocks = toBlocks(msg["blocks"])
	}
	if err := r.poster.PostWebhook(ctx, hook.URL, text, blocks); err != nil {
		log.Printf("relay post hook %s: %v", hook.Code, err)
		return SlackStatus{Status: StatusPostFailed, Error: err.Error()}
	}
	return SlackStatus{Status: StatusSent}
}

func toBlocks(v any) []blockpack.Block {
	items, _ := v.([]any)
	blocks := make([]blockpack.Block, 0, len(items))
	for _, item := range items {
		if block, ok := item.(map[string]any); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func validURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// MessageParams builds the values a hook template can reference: link, owner,
// ownerEmail, properties[{name,value}] and associations[{type,value}].
func MessageParams(event Event, obj crm.Object, cfg settings.CRM) map[string]any {
	properties := make([]any, 0, len(obj.Properties))
	for _, prop := range obj.Properties {
		properties = append(properties, map[string]any{"name": prop.Label, "value": formatValue(prop.Value)})
	}
	associations := make([]any, 0, len(obj.Associations))
	for _, assoc := range obj.Associations {
		names := make([]any, 0, len(assoc.Records))
		for _, record := range assoc.Records {
			names = append(names, recordName(record))
		}
		associations = append(associations, map[string]any{"type": assoc.Type, "value": names})
	}
	return map[string]any{
		"link":         tmpl.Format(cfg.LinkToRecord, event.PortalID.String(), event.ObjectTypeID, event.ObjectID.String()),
		"owner":        obj.OwnerName,
		"ownerEmail":   obj.OwnerEmail,
		"properties":   properties,
		"associations": associations,
	}
}

// formatValue renders RFC 3339 timestamps and plain dates as "Oct 15 2026".
func formatValue(value string) string {
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("Jan 02 2006")
		}
	}
	return value
}

func recordName(record crm.AssociatedRecord) string {
	props := record.Properties
	if name := props["name"]; name != "" {
		return name
	}
	if name := props["dealname"]; name != "" {
		return name
	}
	if name := strings.TrimSpace(props["firstname"] + " " + props["lastname"]); name != "" {
		return name
	}
	if subject := props["subject"]; subject != "" {
		return subject
	}
	return record.ID
}
