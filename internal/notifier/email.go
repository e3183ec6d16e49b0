package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const sendgridURL = "https://api.sendgrid.com/v3/mail/send"

// Email sends alert mail through the SendGrid v3 API.
type Email struct {
	APIKey   string
	From     string
	FromName string
	To       string
	HTTP     *http.Client

	// URL is replaceable in tests.
	URL string
}

func NewEmail(apiKey, from, fromName, to string) *Email {
	return &Email{
		APIKey:   apiKey,
		From:     from,
		FromName: fromName,
		To:       to,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		URL:      sendgridURL,
	}
}

func (e *Email) Enabled() bool {
	return e.APIKey != "" && e.From != "" && e.To != ""
}

func (e *Email) Send(ctx context.Context, subject, msg string) error {
	if !e.Enabled() {
		return fmt.Errorf("email not configured")
	}
	payload := map[string]any{
		"personalizations": []map[string]any{
			{"to": []map[string]string{{"email": e.To}}},
		},
		"from":    map[string]string{"email": e.From, "name": e.FromName},
		"subject": subject,
		"content": []map[string]string{
			{"type": "text/plain", "value": msg},
		},
	}
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.APIKey)
	req.Header.Set("Content-Type", "application/json")
	res, err := e.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return fmt.Errorf("sendgrid status %d: %s", res.StatusCode, string(resp))
	}
	return nil
}
