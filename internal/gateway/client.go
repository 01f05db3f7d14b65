// Package gateway is the HTTP client for the chat service's bot
// connector API. It handles auth token lifecycle, transient-failure
// retries, and throttling, and classifies every send into a
// model.DeliveryStatus for the dispatcher.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"celebot/internal/model"
	logx "celebot/pkg/logx"
)

type Config struct {
	AppID     string
	AppSecret string
	TokenURL  string
	Scope     string

	Timeout          time.Duration
	RetryAttempts    uint
	RetryDelay       time.Duration
	ThrottleAttempts int
	ThrottleDelay    time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.ThrottleAttempts <= 0 {
		cfg.ThrottleAttempts = 3
	}
	if cfg.ThrottleDelay <= 0 {
		cfg.ThrottleDelay = 5 * time.Second
	}
	return cfg
}

// Client talks to the connector API of one or more service URLs.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens *TokenSource
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:    cfg,
		http:   hc,
		tokens: NewTokenSource(hc, cfg.TokenURL, cfg.AppID, cfg.AppSecret, cfg.Scope),
		log:    log,
	}
}

// SendToConversation posts the activity to its conversation and reports
// the classified outcome. A non-nil error means the request never got a
// classifiable response (network failure after retries, bad input, or
// rejected credentials).
func (c *Client) SendToConversation(ctx context.Context, act *model.Activity) (model.DeliveryStatus, error) {
	u := joinURL(act.ServiceURL, "v3/conversations", act.Conversation.ID, "activities")
	code, _, err := c.send(ctx, http.MethodPost, u, act)
	if err != nil {
		return model.StatusUnknown, err
	}
	return classify(code), nil
}

// UpdateActivity replaces a previously sent activity (act.ReplyToID).
func (c *Client) UpdateActivity(ctx context.Context, act *model.Activity) (model.DeliveryStatus, error) {
	u := joinURL(act.ServiceURL, "v3/conversations", act.Conversation.ID, "activities", act.ReplyToID)
	code, _, err := c.send(ctx, http.MethodPut, u, act)
	if err != nil {
		return model.StatusUnknown, err
	}
	return classify(code), nil
}

type conversationParameters struct {
	IsGroup     bool            `json:"isGroup"`
	Activity    *model.Activity `json:"activity"`
	ChannelData channelData     `json:"channelData"`
}

type channelData struct {
	Channel channelInfo `json:"channel"`
}

type channelInfo struct {
	ID string `json:"id"`
}

// CreateConversation starts a new conversation thread in channelID
// seeded with a reduced copy of act (the connector rejects a full
// activity here). On success it returns the new conversation id, which
// the caller should write back into act before the follow-up send.
func (c *Client) CreateConversation(ctx context.Context, act *model.Activity, channelID string) (string, model.DeliveryStatus, error) {
	seed := &model.Activity{
		Type:       act.Type,
		ServiceURL: act.ServiceURL,
		Text:       act.Text,
		Mentions:   act.Mentions,
	}
	params := conversationParameters{
		IsGroup:  true,
		Activity: seed,
		ChannelData: channelData{
			Channel: channelInfo{ID: channelID},
		},
	}

	u := joinURL(act.ServiceURL, "v3/conversations")
	code, body, err := c.send(ctx, http.MethodPost, u, params)
	if err != nil {
		return "", model.StatusUnknown, err
	}
	status := classify(code)
	if status != model.StatusSucceeded {
		return "", status, nil
	}

	var cr struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", model.StatusUnknown, fmt.Errorf("create conversation response: %w", err)
	}
	if cr.ID == "" {
		return "", model.StatusUnknown, fmt.Errorf("create conversation response: empty id")
	}
	return cr.ID, model.StatusSucceeded, nil
}

// send performs one authenticated request with the full failure policy:
// network errors retry with a fixed delay, 401 refreshes the token and
// retries once, and 429 waits out the throttle window before retrying.
func (c *Client) send(ctx context.Context, method, url string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	var (
		code     int
		respBody []byte
	)
	attempt := func() error {
		var aerr error
		code, respBody, aerr = c.once(ctx, method, url, body)
		return aerr
	}

	throttles := 0
	for {
		err := retry.Do(
			attempt,
			retry.Context(ctx),
			retry.Attempts(c.cfg.RetryAttempts),
			retry.Delay(c.cfg.RetryDelay),
			retry.MaxDelay(c.cfg.RetryDelay),
			retry.MaxJitter(c.cfg.RetryDelay/4),
			retry.OnRetry(func(n uint, err error) {
				c.log.Warn("gateway request retrying",
					logx.String("url", url), logx.Int("attempt", int(n)+1), logx.Err(err))
			}),
		)
		if err != nil {
			return 0, nil, err
		}

		if code != http.StatusTooManyRequests {
			return code, respBody, nil
		}
		throttles++
		if throttles >= c.cfg.ThrottleAttempts {
			return code, respBody, nil
		}
		c.log.Warn("gateway throttled, backing off",
			logx.String("url", url),
			logx.Duration("delay", c.cfg.ThrottleDelay),
			logx.Int("attempt", throttles))
		t := time.NewTimer(c.cfg.ThrottleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, nil, ctx.Err()
		case <-t.C:
		}
	}
}

// once performs a single authenticated request. A 401 gets one token
// refresh and replay; a second 401 is unrecoverable.
func (c *Client) once(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	code, respBody, err := c.roundTrip(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	if code != http.StatusUnauthorized {
		return code, respBody, nil
	}

	c.log.Warn("gateway rejected token, refreshing", logx.String("url", url))
	c.tokens.Invalidate()
	code, respBody, err = c.roundTrip(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	if code == http.StatusUnauthorized {
		return 0, nil, retry.Unrecoverable(ErrUnauthorized)
	}
	return code, respBody, nil
}

func (c *Client) roundTrip(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func classify(code int) model.DeliveryStatus {
	switch {
	case code >= 200 && code <= 299:
		return model.StatusSucceeded
	case code == http.StatusTooManyRequests:
		return model.StatusThrottled
	case code == http.StatusNotFound:
		return model.StatusNotFound
	default:
		return model.StatusFailed
	}
}

func joinURL(base string, parts ...string) string {
	b := strings.TrimRight(base, "/")
	return b + "/" + strings.Join(parts, "/")
}
