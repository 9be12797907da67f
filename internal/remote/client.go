// Package remote talks to the service's HTTP endpoints: the auth endpoints
// used by the session manager, and arbitrary application calls that need a
// bearer token attached.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/amurg-ai/tether/pkg/protocol"
)

// TokenSource hands out a usable access token, refreshing it if needed.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
	// Rejected reports that the service refused token with 401/403. It
	// returns a replacement token, or an error once the session is gone.
	Rejected(ctx context.Context, token string) (string, error)
}

const opRefresh = "refresh"

// Config configures a Client.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	TLSSkipVerify bool // dev only
	UserAgent     string
}

// Client is an HTTP client for the remote service.
type Client struct {
	base      *url.URL
	http      *http.Client
	userAgent string
	logger    *slog.Logger

	mu     sync.RWMutex
	tokens TokenSource
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tether"
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		base:      base,
		http:      &http.Client{Timeout: cfg.Timeout, Transport: transport},
		userAgent: cfg.UserAgent,
		logger:    logger.With("component", "remote"),
	}, nil
}

// SetTokenSource installs the source used for NeedAuth calls.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.tokens = ts
	c.mu.Unlock()
}

// SendCode asks the service to deliver a one-time login code.
func (c *Client) SendCode(ctx context.Context, account string) error {
	return c.do(ctx, "send-code", http.MethodPost, protocol.PathSendCode, nil,
		protocol.SendCodeRequest{Account: account}, "", nil)
}

// Login exchanges a one-time code for a token pair.
func (c *Client) Login(ctx context.Context, account, code string) (*protocol.TokenResponse, error) {
	var resp protocol.TokenResponse
	err := c.do(ctx, "login", http.MethodPost, protocol.PathLogin, nil,
		protocol.LoginRequest{Account: account, Code: code}, "", &resp)
	if err != nil {
		return nil, err
	}
	if err := checkTokenResponse("login", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*protocol.TokenResponse, error) {
	if refreshToken == "" {
		return nil, Errorf(KindAuthentication, opRefresh, "missing refresh token")
	}
	var resp protocol.TokenResponse
	err := c.do(ctx, opRefresh, http.MethodPost, protocol.PathRefresh, nil,
		protocol.RefreshRequest{RefreshToken: refreshToken}, "", &resp)
	if err != nil {
		return nil, err
	}
	if err := checkTokenResponse(opRefresh, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify asks the service whether accessToken is still accepted.
func (c *Client) Verify(ctx context.Context, accessToken string) (*protocol.VerifyResponse, error) {
	var resp protocol.VerifyResponse
	if err := c.do(ctx, "verify", http.MethodGet, protocol.PathVerify, nil, nil, accessToken, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Request describes an application call.
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Body     any
	NeedAuth bool // false for login, send-code and other public endpoints
}

// Call performs an application request. When NeedAuth is set the token
// source is consulted first and the call carries "Authorization: Bearer".
// A 401/403 on an authenticated call is reported back to the token source
// and the call is retried once with the replacement token.
// out, if non-nil, receives the decoded JSON response.
func (c *Client) Call(ctx context.Context, req Request, out any) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	op := "call " + req.Path
	if !req.NeedAuth {
		return c.do(ctx, op, method, req.Path, req.Query, req.Body, "", out)
	}

	c.mu.RLock()
	ts := c.tokens
	c.mu.RUnlock()
	if ts == nil {
		return errors.New("no token source configured")
	}
	tok, err := ts.EnsureValid(ctx)
	if err != nil {
		return err
	}
	err = c.do(ctx, op, method, req.Path, req.Query, req.Body, tok, out)
	if !IsAuthentication(err) {
		return err
	}

	c.logger.Info("service rejected access token", "op", op)
	next, rerr := ts.Rejected(ctx, tok)
	if rerr != nil {
		return rerr
	}
	if next == tok {
		return err
	}
	return c.do(ctx, op, method, req.Path, req.Query, req.Body, next, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any, bearer string, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "op", op, "error", err)
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return classifyTransport(op, err)
	}
	c.logger.Debug("request done", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb protocol.ErrorBody
		_ = json.Unmarshal(data, &eb)
		msg := eb.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{Kind: classifyStatus(op, resp.StatusCode), Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		kind := KindMalformedToken
		if strings.HasPrefix(op, "call ") {
			kind = KindRequest
		}
		return &Error{Kind: kind, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func checkTokenResponse(op string, resp *protocol.TokenResponse) error {
	if strings.TrimSpace(resp.AccessToken) == "" {
		return Errorf(KindMalformedToken, op, "response carries no access token")
	}
	return nil
}
