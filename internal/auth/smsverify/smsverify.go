// Package smsverify rents disposable phone numbers from TextVerified for
// one-time signup verification. Ongoing 2FA uses TOTP, so the number is
// released as soon as the code arrives (or fails to).
package smsverify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/sovi-systems/devicecore/internal/store"
)

const defaultBaseURL = "https://www.textverified.com/api"

// serviceNames maps platforms to TextVerified service ids.
var serviceNames = map[store.Platform]string{
	store.PlatformTikTok:    "TikTok",
	store.PlatformInstagram: "Instagram",
}

var codePattern = regexp.MustCompile(`\b(\d{4,6})\b`)

// Verification is one in-progress SMS rental.
type Verification struct {
	ID          string
	PhoneNumber string
	Service     string
}

// Client talks to TextVerified.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at an arbitrary endpoint. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithPollInterval overrides the code poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

func NewClient(apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		http:         &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool { return c.apiKey != "" }

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal textverified request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("textverified %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("textverified %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode textverified response: %w", err)
		}
	}
	return nil
}

// RequestNumber rents a number for the platform's verification service.
func (c *Client) RequestNumber(ctx context.Context, platform store.Platform) (*Verification, error) {
	service, ok := serviceNames[platform]
	if !ok {
		return nil, fmt.Errorf("no sms service for platform %s", platform)
	}
	if !c.Enabled() {
		return nil, fmt.Errorf("textverified api key not configured")
	}

	var data struct {
		ID     string `json:"id"`
		Number string `json:"number"`
	}
	if err := c.do(ctx, http.MethodPost, "/Verifications", map[string]string{"id": service}, &data); err != nil {
		return nil, err
	}

	v := &Verification{ID: data.ID, PhoneNumber: data.Number, Service: service}
	c.logger.Info("smsverify: number rented",
		"platform", platform, "number", v.PhoneNumber, "verification", v.ID)
	return v, nil
}

// WaitForCode polls until the verification code arrives or the timeout
// passes. Codes embedded in raw SMS text are extracted by pattern.
func (c *Client) WaitForCode(ctx context.Context, v *Verification, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var data struct {
			Code string `json:"code"`
			SMS  string `json:"sms"`
		}
		err := c.do(ctx, http.MethodGet, "/Verifications/"+v.ID, nil, &data)
		if err != nil {
			c.logger.Warn("smsverify: poll error", "error", err)
		} else {
			if data.Code != "" {
				return data.Code, nil
			}
			if m := codePattern.FindStringSubmatch(data.SMS); m != nil {
				return m[1], nil
			}
		}

		t := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return "", fmt.Errorf("timed out waiting for sms code (verification %s)", v.ID)
}

// Cancel releases a rented number.
func (c *Client) Cancel(ctx context.Context, v *Verification) error {
	return c.do(ctx, http.MethodPut, "/Verifications/"+v.ID+"/Cancel", nil, nil)
}
