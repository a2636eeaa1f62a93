package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/convoease/convoease/moderation/content"
	"github.com/convoease/convoease/util"
)

// Receives notice of rejected content. Implementations only ever see redacted items (no payload).
type Notifier interface {
	SendFlagged(ctx context.Context, conv string, item content.Item) error
}

type SlackNotifier struct {
	SlackWebhookURL string
	Client          *http.Client
}

func (n *SlackNotifier) SendFlagged(ctx context.Context, conv string, item content.Item) error {
	return n.sendSlackMsg(ctx, slackBody(conv, item))
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}

// Only metadata and the judged surrogate text; never payload bytes
func slackBody(conv string, item content.Item) string {
	msg := "⚠️ ConvoEase Flagged Content ⚠️\n"
	msg += fmt.Sprintf("conversation `%s` / item `%d` / sender `%s` / kind `%s`\n", conv, item.ID, item.Sender, item.Kind)
	msg += fmt.Sprintf("Reason: %s (confidence %.2f, rules revision %d)\n", item.Result.Reason, item.Result.Confidence, item.Result.Revision)
	if item.Kind.IsMedia() {
		msg += fmt.Sprintf("Surrogate: `%s`\n", util.Truncate(item.Surrogate, 300))
	}
	return msg
}
