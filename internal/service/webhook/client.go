package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/hookchat/internal/logger"
	"github.com/zhouzirui/hookchat/internal/model/chat"
)

const (
	JSONContentType = "application/json"

	maxResponseBytes = 4 << 20
)

// ErrRequestFailed is the single failure kind of a webhook call: transport error or non-2xx status.
var ErrRequestFailed = errors.New("webhook request failed")

// RequestError carries the HTTP status of a failed call. Status is 0 for transport errors.
type RequestError struct {
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("webhook request failed: status code %d: %v", e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("webhook request failed: %v", e.Err)
	default:
		return fmt.Sprintf("webhook request failed: status code %d", e.Status)
	}
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRequestFailed}
	}
	return []error{ErrRequestFailed, e.Err}
}

// Request is the body posted to the webhook.
type Request struct {
	SessionID string `json:"sessionId"`
	ChatInput string `json:"chatInput"`
}

// Response is the only reply shape consumed from the webhook.
type Response struct {
	Output string `json:"output"`
}

// Client posts chat input to a fixed webhook URL.
type Client struct {
	url        string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds a webhook client with the given request timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Component("webhook"),
	}
}

// Complete sends one chat input and returns the reply output. A missing output field yields "".
func (c *Client) Complete(ctx context.Context, sessionID, input string) (string, error) {
	reqBytes, err := json.Marshal(Request{SessionID: sessionID, ChatInput: input})
	if err != nil {
		return "", fmt.Errorf("marshal webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBytes))
	if err != nil {
		return "", &RequestError{Err: err}
	}
	req.Header.Set("Content-Type", JSONContentType)
	req.Header.Set("Accept", JSONContentType)

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error().Err(err).Str("session", sessionID).Msg("failed to send webhook request")
		return "", &RequestError{Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		c.log.Error().Err(err).Str("session", sessionID).Msg("failed to read webhook response body")
		return "", &RequestError{Err: err}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.log.Warn().
			Int("status", res.StatusCode).
			Str("session", sessionID).
			Msg("webhook returned non-2xx status")
		return "", &RequestError{Status: res.StatusCode}
	}

	var reply Response
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil {
			c.log.Error().Err(err).Str("session", sessionID).Msg("failed to unmarshal webhook response")
			return "", &RequestError{Status: res.StatusCode, Err: err}
		}
	}

	c.log.Debug().
		Str("session", sessionID).
		Dur("elapsed", time.Since(start)).
		Int("length", len(reply.Output)).
		Msg("webhook replied")
	return reply.Output, nil
}

// Reply adapts Complete to the reply backend contract. History stays on the webhook side.
func (c *Client) Reply(ctx context.Context, req chat.ReplyRequest) (string, error) {
	return c.Complete(ctx, req.SessionID, req.Input)
}
