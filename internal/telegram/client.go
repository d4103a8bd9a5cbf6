// Package telegram is a minimal Bot API client: long polling in, message
// sends out. Only the handful of methods this bot needs are implemented.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// apiBase is overridable in tests
var apiBase = "https://api.telegram.org"

// APIError is a non-2xx answer from the Bot API with its error payload.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api %d: %s", e.Code, e.Description)
}

// Client talks to the Bot API for a single bot token. Outbound sends are
// paced by a rate limiter so bursts of departures do not trip Telegram's
// flood control.
type Client struct {
	token   string
	base    string
	http    *http.Client
	// pollHTTP has no client-level timeout; getUpdates holds the connection
	// open for the poll duration and is bounded by a context deadline instead.
	pollHTTP *http.Client
	limiter  *rate.Limiter
}

// NewClient builds a client. timeout bounds every single API call; sendRate
// and sendBurst pace outbound messages (sends per second, burst size).
func NewClient(token string, timeout time.Duration, sendRate float64, sendBurst int) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if sendRate > 0 {
		if sendBurst < 1 {
			sendBurst = 1
		}
		lim = rate.NewLimiter(rate.Limit(sendRate), sendBurst)
	}
	return &Client{
		token:    token,
		base:     apiBase,
		http:     &http.Client{Timeout: timeout},
		pollHTTP: &http.Client{},
		limiter:  lim,
	}
}

// SetBaseURL points the client at an alternate API host (tests).
func (c *Client) SetBaseURL(u string) { c.base = u }

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// call POSTs a JSON payload to a Bot API method and decodes the result into
// out (when non-nil). API-level failures come back as *APIError.
func (c *Client) call(ctx context.Context, method string, payload, out interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Code: code, Description: env.Description}
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetUpdates long-polls for updates past offset. timeout is the server-side
// hold; the HTTP client timeout is stretched to cover it.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	payload := map[string]interface{}{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message", "chat_member", "callback_query"},
	}
	// getUpdates holds the connection open for up to the poll timeout, so the
	// per-call budget is the hold plus the normal request allowance.
	callCtx, cancel := context.WithTimeout(ctx, timeout+c.http.Timeout)
	defer cancel()
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/bot%s/getUpdates", c.base, c.token)
	httpReq, err := http.NewRequestWithContext(callCtx, "POST", url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.pollHTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode getUpdates response: %w", err)
	}
	if !env.OK {
		return nil, &APIError{Code: env.ErrorCode, Description: env.Description}
	}
	var updates []Update
	if err := json.Unmarshal(env.Result, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

// SendMessage delivers text to a chat, optionally with an inline keyboard.
// The send is paced by the client's rate limiter.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// AnswerCallbackQuery acknowledges an inline-button press with a short notice.
func (c *Client) AnswerCallbackQuery(ctx context.Context, queryID, text string) error {
	payload := map[string]string{"callback_query_id": queryID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// GetMe fetches the bot's own account, used for the opt-in deep link.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var me User
	err := c.call(ctx, "getMe", struct{}{}, &me)
	return me, err
}
