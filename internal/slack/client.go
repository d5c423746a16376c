// Package slack wraps the Slack Web API calls used for report delivery,
// webhook notifications and the app home tab.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"

	"dealwatch/api/internal/blockpack"
	"dealwatch/api/internal/export"
)

var ErrChannelNotFound = errors.New("slack channel not found")

// Client talks to one Slack workspace with a bot token.
type Client struct {
	api  *goslack.Client
	http *http.Client
}

// New creates a client. apiURL overrides the Slack API base URL when set.
func New(token, apiURL string, timeout time.Duration) *Client {
	httpClient := &http.Client{Timeout: timeout}
	opts := []goslack.Option{goslack.OptionHTTPClient(httpClient)}
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		opts = append(opts, goslack.OptionAPIURL(apiURL))
	}
	return &Client{api: goslack.New(token, opts...), http: httpClient}
}

// LookupUserByEmail returns the Slack user id registered with email.
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (string, error) {
	user, err := c.api.GetUserByEmailContext(ctx, email)
	if err != nil {
		return "", fmt.Errorf("lookup user %s: %w", email, err)
	}
	return user.ID, nil
}

func (c *Client) openDM(ctx context.Context, userID string) (string, error) {
	channel, _, _, err := c.api.OpenConversationContext(ctx, &goslack.OpenConversationParameters{
		Users:    []string{userID},
		ReturnIM: true,
	})
	if err != nil {
		return "", fmt.Errorf("open conversation with %s: %w", userID, err)
	}
	return channel.ID, nil
}

// SendBlocks posts msg as a direct message; fallback is the notification text.
func (c *Client) SendBlocks(ctx context.Context, userID string, msg blockpack.Message, fallback string) error {
	blocks, err := toBlocks(msg.Blocks)
	if err != nil {
		return err
	}
	channelID, err := c.openDM(ctx, userID)
	if err != nil {
		return err
	}
	if _, _, err := c.api.PostMessageContext(ctx, channelID,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fallback, false),
	); err != nil {
		return fmt.Errorf("post message to %s: %w", userID, err)
	}
	return nil
}

// SendText posts a plain text direct message.
func (c *Client) SendText(ctx context.Context, userID, text string) error {
	channelID, err := c.openDM(ctx, userID)
	if err != nil {
		return err
	}
	if _, _, err := c.api.PostMessageContext(ctx, channelID, goslack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("post message to %s: %w", userID, err)
	}
	return nil
}

// UploadFile shares file in the user's direct message channel.
func (c *Client) UploadFile(ctx context.Context, userID string, file export.Result, title string) error {
	channelID, err := c.openDM(ctx, userID)
	if err != nil {
		return err
	}
	_, err = c.api.UploadFileV2Context(ctx, goslack.UploadFileV2Parameters{
		Reader:         bytes.NewReader(file.Data),
		FileSize:       len(file.Data),
		Filename:       file.Filename,
		Title:          title,
		InitialComment: fmt.Sprintf(":inbox_tray: *%s* is ready for review/download.", title),
		Channel:        channelID,
	})
	if err != nil {
		return fmt.Errorf("upload %s to %s: %w", file.Filename, userID, err)
	}
	return nil
}

// PostWebhook sends a message to an incoming webhook. Blocks win over text
// when both are given; text stays the notification fallback.
func (c *Client) PostWebhook(ctx context.Context, url, text string, blocks []blockpack.Block) error {
	msg := &goslack.WebhookMessage{Text: text}
	if len(blocks) > 0 {
		set, err := toBlocks(blocks)
		if err != nil {
			return err
		}
		msg.Blocks = &goslack.Blocks{BlockSet: set}
	}
	if err := goslack.PostWebhookCustomHTTPContext(ctx, url, c.http, msg); err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	return nil
}

// PublishHomeTab publishes a home tab view for userID. view is the JSON of a
// "home" view.
func (c *Client) PublishHomeTab(ctx context.Context, userID string, view json.RawMessage) error {
	var request goslack.HomeTabViewRequest
	if err := json.Unmarshal(view, &request); err != nil {
		return fmt.Errorf("decode home tab view: %w", err)
	}
	request.Type = goslack.VTHomeTab
	if _, err := c.api.PublishViewContext(ctx, userID, request, ""); err != nil {
		return fmt.Errorf("publish home tab for %s: %w", userID, err)
	}
	return nil
}

// ChannelIDByName finds a public or private channel the bot can see.
func (c *Client) ChannelIDByName(ctx context.Context, name string) (string, error) {
	name = strings.TrimPrefix(name, "#")
	params := &goslack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           200,
		Types:           []string{"public_channel", "private_channel"},
	}
	for {
		channels, cursor, err := c.api.GetConversationsContext(ctx, params)
		if err != nil {
			return "", fmt.Errorf("list channels: %w", err)
		}
		for _, channel := range channels {
			if channel.Name == name {
				return channel.ID, nil
			}
		}
		if cursor == "" {
			return "", fmt.Errorf("%w: %s", ErrChannelNotFound, name)
		}
		params.Cursor = cursor
	}
}

// LastMessage returns the text of the newest message in a channel.
func (c *Client) LastMessage(ctx context.Context, channelID string) (string, error) {
	history, err := c.api.GetConversationHistoryContext(ctx, &goslack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     1,
	})
	if err != nil {
		return "", fmt.Errorf("read channel history: %w", err)
	}
	if len(history.Messages) == 0 {
		return "", nil
	}
	return history.Messages[0].Text, nil
}

// toBlocks converts generic JSON blocks into typed Slack blocks.
func toBlocks(blocks []blockpack.Block) ([]goslack.Block, error) {
	encoded, err := json.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("encode blocks: %w", err)
	}
	var set goslack.Blocks
	if err := json.Unmarshal(encoded, &set); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}
	return set.BlockSet, nil
}
