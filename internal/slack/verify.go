package slack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

var (
	// ErrStaleRequest covers missing signature headers and timestamps outside
	// the five minute window.
	ErrStaleRequest = errors.New("slack request missing headers or expired")
	ErrBadSignature = errors.New("slack request signature mismatch")
)

// VerifyRequest checks the v0 request signature of an inbound Slack call.
func VerifyRequest(header http.Header, body []byte, secret string) error {
	verifier, err := goslack.NewSecretsVerifier(header, secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleRequest, err)
	}
	if _, err := verifier.Write(body); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := verifier.Ensure(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// Event is the part of an Events API callback the server acts on.
type Event struct {
	Type      string
	Challenge string
	// HomeOpenedBy is set for app_home_opened callbacks.
	HomeOpenedBy string
}

// ParseEvent decodes an Events API payload. Token verification is left to
// the request signature.
func ParseEvent(body []byte) (Event, error) {
	parsed, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return Event{}, err
	}
	event := Event{Type: parsed.Type}
	switch parsed.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			return Event{}, err
		}
		event.Challenge = challenge.Challenge
	case slackevents.CallbackEvent:
		if opened, ok := parsed.InnerEvent.Data.(*slackevents.AppHomeOpenedEvent); ok {
			event.HomeOpenedBy = opened.User
		}
	}
	return event, nil
}
