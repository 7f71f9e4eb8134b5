package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/event-pipeline/internal/repository"
)

const requestTimeout = 10 * time.Second

var levelPrefix = map[repository.NotifyLevel]string{
	repository.NotifyInfo:     "ℹ️",
	repository.NotifyProgress: "⏳",
	repository.NotifySuccess:  "✅",
	repository.NotifyCritical: "🚨",
}

// NotifierImpl posts run status messages to a chat bot HTTP API
// (sendMessage style: {"chat_id", "text"}).
type NotifierImpl struct {
	url    string
	chatID string
	client *http.Client
}

func NewNotifier(url, chatID string) *NotifierImpl {
	return &NotifierImpl{
		url:    url,
		chatID: chatID,
		client: &http.Client{Timeout: requestTimeout},
	}
}

type sendMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (n *NotifierImpl) Notify(ctx context.Context, level repository.NotifyLevel, text string) error {
	if prefix, ok := levelPrefix[level]; ok {
		text = prefix + " " + text
	}
	body, err := json.Marshal(sendMessage{ChatID: n.chatID, Text: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send notification: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, repository.NotifyLevel, string) error { return nil }
