// Package pushclient talks to an Expo-compatible push notification gateway.
package pushclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/trapmos/trapmos-alerts/internal/model"
)

// Ticket error codes reported by the gateway.
const (
	CodeDeviceNotRegistered = "DeviceNotRegistered"
	CodeMessageTooBig       = "MessageTooBig"
	CodeMessageRateExceeded = "MessageRateExceeded"
)

// ErrEmptyToken is returned when Send is called without a recipient token.
var ErrEmptyToken = errors.New("push token is empty")

// TicketError is a per-message rejection reported by the gateway.
type TicketError struct {
	Code    string
	Message string
}

func (e *TicketError) Error() string {
	if e.Code == "" {
		return "push rejected: " + e.Message
	}
	return fmt.Sprintf("push rejected (%s): %s", e.Code, e.Message)
}

// Permanent reports whether the token itself is no longer valid.
func (e *TicketError) Permanent() bool {
	return e.Code == CodeDeviceNotRegistered
}

// Client is a thin wrapper over the push gateway HTTP API.
type Client struct {
	endpoint    string
	accessToken string
	http        *http.Client
	limiter     *rate.Limiter
}

// New creates a push gateway client. rps <= 0 disables client-side rate limiting.
func New(rawURL, accessToken string, timeout time.Duration, rps float64, burst int) (*Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("gateway url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("gateway url must include scheme")
	}
	c := &Client{
		endpoint:    strings.TrimRight(parsed.String(), "/"),
		accessToken: accessToken,
		http: &http.Client{
			Timeout: timeout,
		},
	}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c, nil
}

type message struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Sound string            `json:"sound,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details"`
}

type sendResponse struct {
	Data   []ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Send delivers one notification to one token. A *TicketError is returned when
// the gateway accepted the request but rejected the message; any other error is
// a transport or protocol failure.
func (c *Client) Send(ctx context.Context, token string, n *model.Notification) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, err := json.Marshal([]message{{
		To:    token,
		Title: n.Title,
		Body:  n.Body,
		Sound: n.Sound,
		Data:  n.Data,
	}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push http status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var payload sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode push response: %w", err)
	}
	if len(payload.Errors) > 0 {
		return fmt.Errorf("push request rejected (%s): %s", payload.Errors[0].Code, payload.Errors[0].Message)
	}
	if len(payload.Data) == 0 {
		return fmt.Errorf("push response carried no ticket")
	}
	t := payload.Data[0]
	if t.Status == "ok" {
		return nil
	}
	return &TicketError{Code: t.Details.Error, Message: t.Message}
}

func (c *Client) decorate(req *http.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
}

// Endpoint returns the configured gateway URL without trailing slash.
func (c *Client) Endpoint() string {
	return c.endpoint
}
