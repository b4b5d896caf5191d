package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SMSClient sends alert texts through a Twilio-compatible messages API.
type SMSClient struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	http       *http.Client
}

func NewSMSClient(baseURL, accountSID, authToken, from string) *SMSClient {
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &SMSClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *SMSClient) Enabled() bool {
	return c != nil && c.accountSID != "" && c.authToken != "" && c.from != ""
}

// Send posts one SMS. Returns the provider status code alongside the
// error so delivery logging can record both.
func (c *SMSClient) Send(ctx context.Context, to, body string) (int, error) {
	if !c.Enabled() {
		return 0, fmt.Errorf("sms not configured")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("create sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send sms: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return resp.StatusCode, fmt.Errorf("sms provider: %s", apiErr.Message)
		}
		return resp.StatusCode, fmt.Errorf("sms provider returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
