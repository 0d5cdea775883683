package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const maxErrorBody = 64 << 10

// Client talks to the rottenbikes backend auth endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

type Option func(*Client)

// WithHTTPClient sets the underlying client. Its transport is wrapped, not replaced.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.timeout = d
	}
}

// New creates a client for baseURL. tokens supplies the bearer credential; it may be nil.
func New(baseURL string, tokens oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}

	hc := *c.httpClient
	if c.timeout > 0 {
		hc.Timeout = c.timeout
	}
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc.Transport = &bearerTransport{source: tokens, base: base}
	c.httpClient = &hc

	return c
}

// RequestMagicLink asks the backend to email a login link and returns its magic token.
func (c *Client) RequestMagicLink(ctx context.Context, req LoginRequest) (string, error) {
	var resp magicLinkResponse
	if err := c.do(ctx, http.MethodPost, "/auth/request-magic-link", req, &resp); err != nil {
		return "", err
	}
	if resp.MagicToken == "" {
		return "", fmt.Errorf("request magic link: empty magic_token in response")
	}
	return resp.MagicToken, nil
}

// Register creates an account and returns the magic token of its confirmation link.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (string, error) {
	var resp magicLinkResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &resp); err != nil {
		return "", err
	}
	if resp.MagicToken == "" {
		return "", fmt.Errorf("register: empty magic_token in response")
	}
	return resp.MagicToken, nil
}

// Confirm exchanges a magic token for a session token. origin is sent as a
// query parameter when set.
func (c *Client) Confirm(ctx context.Context, magicToken, origin string) (ConfirmResponse, error) {
	resp, err := c.confirm(ctx, magicToken, origin)
	if err != nil {
		return ConfirmResponse{}, err
	}
	if resp.APIToken == "" {
		return ConfirmResponse{}, fmt.Errorf("confirm: empty api_token in response")
	}
	return resp, nil
}

// Acknowledge confirms a magic token on behalf of the device that requested
// it. Any session token in the response is discarded, and a response without
// one is accepted.
func (c *Client) Acknowledge(ctx context.Context, magicToken, origin string) error {
	_, err := c.confirm(ctx, magicToken, origin)
	return err
}

func (c *Client) confirm(ctx context.Context, magicToken, origin string) (ConfirmResponse, error) {
	path := "/auth/confirm/" + url.PathEscape(magicToken)
	if origin != "" {
		path += "?origin=" + url.QueryEscape(origin)
	}

	var resp ConfirmResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return ConfirmResponse{}, err
	}
	return resp, nil
}

// Poll asks whether magicToken was confirmed elsewhere. It returns ErrNotConfirmed
// while the link is still pending.
func (c *Client) Poll(ctx context.Context, magicToken string) (string, error) {
	var resp pollResponse
	err := c.do(ctx, http.MethodGet, "/auth/poll?token="+url.QueryEscape(magicToken), nil, &resp)
	if IsNotFound(err) {
		return "", ErrNotConfirmed
	}
	if err != nil {
		return "", err
	}
	if resp.APIToken == "" {
		return "", ErrNotConfirmed
	}
	return resp.APIToken, nil
}

// Verify resolves the profile behind the stored session token.
func (c *Client) Verify(ctx context.Context) (Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/auth/verify", nil, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return apiErr
	}
	var er errorResponse
	if json.Unmarshal(data, &er) == nil {
		apiErr.Message = strings.TrimSpace(er.Error)
	}
	return apiErr
}
