// Package relay forwards HubSpot webhook events to Slack incoming webhooks
// according to the configured routing table.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const PropertyChange = "object.propertyChange"

var ErrInvalidPayload = errors.New("the request body is in wrong format")

// Event is one HubSpot webhook notification. Numeric ids are kept as
// json.Number so large ids survive the round trip.
type Event struct {
	EventID          json.Number `json:"eventId"`
	SubscriptionID   json.Number `json:"subscriptionId,omitempty"`
	PortalID         json.Number `json:"portalId"`
	AppID            json.Number `json:"appId,omitempty"`
	OccurredAt       json.Number `json:"occurredAt,omitempty"`
	SubscriptionType string      `json:"subscriptionType"`
	AttemptNumber    json.Number `json:"attemptNumber,omitempty"`
	ObjectID         json.Number `json:"objectId"`
	ObjectTypeID     string      `json:"objectTypeId"`
	PropertyName     string      `json:"propertyName,omitempty"`
	PropertyValue    string      `json:"propertyValue,omitempty"`
	ChangeSource     string      `json:"changeSource,omitempty"`
	SourceID         string      `json:"sourceId,omitempty"`
}

// Validate reports the required fields missing from the event.
func (e Event) Validate() error {
	var missing []string
	if e.EventID == "" {
		missing = append(missing, "eventId")
	}
	if e.SubscriptionType == "" {
		missing = append(missing, "subscriptionType")
	}
	if e.ObjectTypeID == "" {
		missing = append(missing, "objectTypeId")
	}
	if e.ObjectID == "" {
		missing = append(missing, "objectId")
	}
	if e.PortalID == "" {
		missing = append(missing, "portalId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// RouteKey is "<objectTypeId>/<propertyName>/<propertyValue>"; empty when the
// event carries no property change.
func (e Event) RouteKey() string {
	if e.PropertyName == "" || e.PropertyValue == "" {
		return ""
	}
	return e.ObjectTypeID + "/" + e.PropertyName + "/" + e.PropertyValue
}

// DecodeEvents parses a webhook body: a non-empty JSON array of events, each
// carrying the required fields.
func DecodeEvents(body []byte) ([]Event, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var events []Event
	if err := decoder.Decode(&events); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events", ErrInvalidPayload)
	}
	for i, event := range events {
		if err := event.Validate(); err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", ErrInvalidPayload, i, err)
		}
	}
	return events, nil
}
