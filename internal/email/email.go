package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

type Config struct {
	BaseURL    string
	Username   string
	Password   string
	TemplateID int
}

type Client struct {
	config Config
	http   *http.Client
}

func New(cfg Config) *Client {
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

type txRequest struct {
	SubscriberEmail string            `json:"subscriber_email"`
	TemplateID      int               `json:"template_id"`
	Data            map[string]string `json:"data"`
	ContentType     string            `json:"content_type"`
}

// SendAlertNotification emails a responder about a raised alert. With
// no mail server configured the alert is logged instead of sent, so a
// bare dev setup still surfaces it.
func (c *Client) SendAlertNotification(ctx context.Context, toEmail, toName, sessionLabel, level, kind, message, mapURL string) error {
	if c.config.BaseURL == "" {
		log.Printf("email not configured — %s alert (%s) for %s: %s", level, kind, toEmail, message)
		return nil
	}

	body := txRequest{
		SubscriberEmail: toEmail,
		TemplateID:      c.config.TemplateID,
		Data: map[string]string{
			"name":         toName,
			"sessionLabel": sessionLabel,
			"level":        level,
			"kind":         kind,
			"message":      message,
			"mapURL":       mapURL,
		},
		ContentType: "html",
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/tx", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create email request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.config.Username, c.config.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listmonk returned status %d", resp.StatusCode)
	}

	return nil
}
