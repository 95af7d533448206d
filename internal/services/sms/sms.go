package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/revaspay/reconciler/internal/config"
)

const (
	productionURL = "https://api.africastalking.com/version1/messaging"
	sandboxURL    = "https://api.sandbox.africastalking.com/version1/messaging"
)

// Sender delivers a text message to a phone number
type Sender interface {
	Send(ctx context.Context, phone, message string) error
}

// ATSender sends messages through the Africa's Talking bulk SMS API
type ATSender struct {
	endpoint   string
	username   string
	apiKey     string
	senderID   string
	httpClient *http.Client
}

// NewATSender creates a sender for the configured Africa's Talking account
func NewATSender(cfg config.SMSConfig) *ATSender {
	endpoint := productionURL
	if cfg.Sandbox {
		endpoint = sandboxURL
	}
	return NewATSenderWithURL(endpoint, cfg)
}

// NewATSenderWithURL creates a sender posting to endpoint
func NewATSenderWithURL(endpoint string, cfg config.SMSConfig) *ATSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ATSender{
		endpoint:   endpoint,
		username:   cfg.Username,
		apiKey:     cfg.APIKey,
		senderID:   cfg.SenderID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type messagingResponse struct {
	SMSMessageData struct {
		Message    string `json:"Message"`
		Recipients []struct {
			StatusCode int    `json:"statusCode"`
			Number     string `json:"number"`
			Status     string `json:"status"`
			MessageID  string `json:"messageId"`
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

// Send posts one message. A recipient status outside 100-102 is an error.
func (s *ATSender) Send(ctx context.Context, phone, message string) error {
	to := internationalFormat(phone)
	if to == "" {
		return fmt.Errorf("no phone number to send to")
	}

	form := url.Values{}
	form.Set("username", s.username)
	form.Set("to", to)
	form.Set("message", message)
	if s.senderID != "" {
		form.Set("from", s.senderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send sms: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed messagingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("failed to decode sms response: %w", err)
	}
	if len(parsed.SMSMessageData.Recipients) == 0 {
		return fmt.Errorf("sms not sent: %s", parsed.SMSMessageData.Message)
	}
	for _, r := range parsed.SMSMessageData.Recipients {
		if r.StatusCode < 100 || r.StatusCode > 102 {
			return fmt.Errorf("sms to %s rejected: %s (%d)", r.Number, r.Status, r.StatusCode)
		}
	}
	return nil
}

// LogSender only logs messages. It is used when no SMS account is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, phone, message string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "sms not sent, no gateway configured", "phone", phone, "message", message)
	return nil
}

// internationalFormat turns 07XX/2547XX numbers into +2547XX
func internationalFormat(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.ReplaceAll(phone, " ", "")
	switch {
	case phone == "":
		return ""
	case strings.HasPrefix(phone, "+"):
		return phone
	case strings.HasPrefix(phone, "0") && len(phone) == 10:
		return "+254" + phone[1:]
	default:
		return "+" + phone
	}
}
