// Package telemetrysink implements the two alert.Sink transports named
// in spec.md §6: a Telegram bot HTTP sink, grounded on the plain
// net/http POST pattern of telemetry/state-ingest/pkg/ingest.Client,
// and a Slack sink built on the slack-go client already used by
// lake/slack/internal/slack.Processor for outbound messages.
package telemetrysink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/alert"
)

// TelegramSink posts alert messages to a Telegram chat via the Bot API.
type TelegramSink struct {
	httpClient *http.Client
	botToken   string
	chatID     string
}

// NewTelegramSink constructs a sink bound to one bot token and chat.
func NewTelegramSink(botToken, chatID string) *TelegramSink {
	return &TelegramSink{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		botToken:   botToken,
		chatID:     chatID,
	}
}

type telegramSendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Send implements alert.Sink.
func (s *TelegramSink) Send(ctx context.Context, msg alert.Message) error {
	body, err := json.Marshal(telegramSendMessageRequest{
		ChatID: s.chatID,
		Text:   format(msg),
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal body: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram: server error: %s: %s", resp.Status, string(b))
	}
	return nil
}

// SlackSink posts alert messages to a Slack channel via a bot token.
type SlackSink struct {
	client  *slack.Client
	channel string
}

// NewSlackSink constructs a sink bound to one bot token and channel.
func NewSlackSink(botToken, channel string) *SlackSink {
	return &SlackSink{
		client:  slack.New(botToken),
		channel: channel,
	}
}

// Send implements alert.Sink.
func (s *SlackSink) Send(ctx context.Context, msg alert.Message) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(format(msg), false))
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func format(msg alert.Message) string {
	header := fmt.Sprintf("[%s/%s]", msg.Severity, msg.Kind)
	if msg.NodeLabel != "" {
		return fmt.Sprintf("%s %s (%s): %s", header, msg.IdentityPubkey, msg.NodeLabel, msg.Payload)
	}
	return fmt.Sprintf("%s %s: %s", header, msg.IdentityPubkey, msg.Payload)
}
