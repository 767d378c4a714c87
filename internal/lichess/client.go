package lichess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	token   string
	http    *fasthttp.Client
	stream  *fasthttp.Client
	logger  *zap.Logger

	defaultTimeout time.Duration
	retryMax       int
	streamDial     fasthttp.DialFunc
	streamIdle     time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDial replaces the dialer of both the request and the streaming client.
func WithDial(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) {
		c.http.Dial = dial
		c.streamDial = dial
	}
}

// WithStreamIdleTimeout bounds how long a stream may stay silent. Keepalive
// lines count as traffic.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.streamIdle = d }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		http:    &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		// Streams stay open for the life of a game; reads are bounded by the
		// idle deadline instead of a read timeout.
		stream:         &fasthttp.Client{WriteTimeout: 10 * time.Second, StreamResponseBody: true, MaxConnsPerHost: 512},
		logger:         zap.NewNop(),
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
		streamDial:     fasthttp.Dial,
		streamIdle:     DefaultStreamIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stream.Dial = idleDial(c.streamDial, c.streamIdle)
	return c
}

// Account fetches the profile behind the token.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	var acc Account
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/api/account", &acc, true); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (c *Client) AcceptChallenge(ctx context.Context, challengeID string) error {
	path := "/api/challenge/" + url.PathEscape(challengeID) + "/accept"
	return c.doJSON(ctx, fasthttp.MethodPost, path, nil, true)
}

// MakeMove submits one UCI move. Retrying is the caller's decision.
func (c *Client) MakeMove(ctx context.Context, gameID, move string) error {
	path := "/api/bot/game/" + url.PathEscape(gameID) + "/move/" + url.PathEscape(move)
	return c.doJSON(ctx, fasthttp.MethodPost, path, nil, false)
}

// ExportGame returns the raw JSON export of a game (moves in SAN).
func (c *Client) ExportGame(ctx context.Context, gameID string) ([]byte, error) {
	path := "/game/export/" + url.PathEscape(gameID) + "?moves=true&clocks=false&evals=false&opening=false"
	var raw json.RawMessage
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, &raw, true); err != nil {
		return nil, err
	}
	return raw, nil
}

// StreamEvents opens the account event feed.
func (c *Client) StreamEvents(ctx context.Context) (*Stream, error) {
	return c.openStream(ctx, "/api/stream/event")
}

// StreamGame opens the per-game state stream.
func (c *Client) StreamGame(ctx context.Context, gameID string) (*Stream, error) {
	return c.openStream(ctx, "/api/bot/game/stream/"+url.PathEscape(gameID))
}

func (c *Client) prepare(req *fasthttp.Request, method, path string) {
	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	c.prepare(req, method, path)

	attempts := 1
	if retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		deadline := c.computeDeadline(ctx)
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			if attempt == attempts || !retry {
				return fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			apiErr := &APIError{Status: status, Body: truncate(string(resp.Body()), 512)}
			if attempt == attempts || !retry || !shouldRetryStatus(status) {
				return apiErr
			}
			lastErr = apiErr
			c.logger.Debug("lichess_retry", zap.String("path", path), zap.Int("status", status), zap.Int("attempt", attempt))
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
