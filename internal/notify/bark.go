package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// barkPush is the JSON body accepted by a Bark server at /<device key>.
type barkPush struct {
	Title     string `json:"title"`
	Subtitle  string `json:"subtitle,omitempty"`
	Body      string `json:"body"`
	Group     string `json:"group"`
	Level     string `json:"level,omitempty"`
	Copy      string `json:"copy,omitempty"`
	IsArchive string `json:"isArchive,omitempty"`
}

// BarkNotifier pushes failed firings to the Bark app. Pushes are grouped per
// task and the execution id is offered for copying.
type BarkNotifier struct {
	deviceURL string
	client    *http.Client
}

// NewBarkNotifier creates a notifier for a Bark device URL
// (https://api.day.app/<key>).
func NewBarkNotifier(deviceURL string) (*BarkNotifier, error) {
	deviceURL = strings.TrimRight(strings.TrimSpace(deviceURL), "/")
	if deviceURL == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	return &BarkNotifier{
		deviceURL: deviceURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func newBarkPush(ev Event) barkPush {
	msg := ev.Error
	if ev.Code != "" {
		msg = ev.Code + ": " + msg
	}
	// A timeout is usually transient; other failures break through focus modes.
	level := "timeSensitive"
	if ev.Status == "timeout" {
		level = "active"
	}
	return barkPush{
		Title:     ev.Title(),
		Subtitle:  "execution " + ev.ExecutionID,
		Body:      msg,
		Group:     "netcollect/" + ev.TaskID,
		Level:     level,
		Copy:      ev.ExecutionID,
		IsArchive: "1",
	}
}

func (b *BarkNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(newBarkPush(ev))
	if err != nil {
		return fmt.Errorf("encode bark push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.deviceURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bark api returned status: %d", resp.StatusCode)
	}
	return nil
}
