// Package client talks to the call relay API over HTTP. Domain errors come
// back as calls sentinels, so errors.Is works on both sides of the wire.
package client

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

	"callrelay/internal/calls"
	"callrelay/internal/config"
	"callrelay/internal/directory"
	"callrelay/internal/ratelimit"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
)

// Client is bound to one caller identity through its bearer token.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	c := &Client{
		base:  u,
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

/* ===================== CALLS ===================== */

func (c *Client) GetCallStatus(ctx context.Context) (calls.CallStatus, error) {
	var rec calls.StatusRecord
	if err := c.do(ctx, http.MethodGet, "/v1/call", nil, &rec); err != nil {
		return nil, err
	}
	return rec.Status()
}

func (c *Client) InitiateCall(ctx context.Context, callee calls.Identity) error {
	return c.do(ctx, http.MethodPost, "/v1/call/initiate", map[string]string{"callee": callee.String()}, nil)
}

// InitiateCallByPhone lets the server resolve the callee from a phone number.
func (c *Client) InitiateCallByPhone(ctx context.Context, phone string) error {
	return c.do(ctx, http.MethodPost, "/v1/call/initiate", map[string]string{"phone": phone}, nil)
}

func (c *Client) AnswerCall(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/call/answer", nil, nil)
}

func (c *Client) DeclineCall(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/call/decline", nil, nil)
}

func (c *Client) EndCall(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/call/end", nil, nil)
}

func (c *Client) EnableScreenCast(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/call/screencast/enable", nil, nil)
}

func (c *Client) DisableScreenCast(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/call/screencast/disable", nil, nil)
}

/* ===================== SIGNALS ===================== */

type sendSignalBody struct {
	Target  calls.Identity   `json:"target"`
	Kind    calls.SignalKind `json:"kind"`
	Payload string           `json:"payload,omitempty"`
}

func (c *Client) SendSignal(ctx context.Context, target calls.Identity, msg calls.SignalMessage) error {
	rec := calls.SignalRecordOf(msg)
	return c.do(ctx, http.MethodPost, "/v1/signals", sendSignalBody{Target: target, Kind: rec.Kind, Payload: rec.Payload}, nil)
}

func (c *Client) FetchSignals(ctx context.Context) ([]calls.Envelope, error) {
	var out struct {
		Signals []calls.SignalRecord `json:"signals"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/signals", nil, &out); err != nil {
		return nil, err
	}
	batch := make([]calls.Envelope, 0, len(out.Signals))
	for _, r := range out.Signals {
		e, err := r.Envelope()
		if err != nil {
			return nil, err
		}
		batch = append(batch, e)
	}
	return batch, nil
}

func (c *Client) AckSignals(ctx context.Context, through uint64) error {
	return c.do(ctx, http.MethodPost, "/v1/signals/ack", map[string]uint64{"through": through}, nil)
}

func (c *Client) ClearSignals(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/signals", nil, nil)
}

/* ===================== DIRECTORY ===================== */

func (c *Client) SetAvailable(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/presence/available", nil, nil)
}

func (c *Client) SetUnavailable(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/presence/unavailable", nil, nil)
}

func (c *Client) SaveProfile(ctx context.Context, p directory.Profile) (directory.Record, error) {
	var rec directory.Record
	err := c.do(ctx, http.MethodPut, "/v1/profile", p, &rec)
	return rec, err
}

func (c *Client) Profile(ctx context.Context) (directory.Profile, error) {
	var p directory.Profile
	err := c.do(ctx, http.MethodGet, "/v1/profile", nil, &p)
	return p, err
}

func (c *Client) UserProfile(ctx context.Context, id calls.Identity) (directory.Profile, error) {
	var p directory.Profile
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(id.String())+"/profile", nil, &p)
	return p, err
}

func (c *Client) IsAvailable(ctx context.Context, id calls.Identity) (bool, error) {
	var out struct {
		Available bool `json:"available"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(id.String())+"/availability", nil, &out)
	return out.Available, err
}

// LookupByPhone returns the identity that registered phone and its profile.
func (c *Client) LookupByPhone(ctx context.Context, phone string) (calls.Identity, directory.Profile, error) {
	var out struct {
		Identity calls.Identity `json:"identity"`
		directory.Profile
	}
	err := c.do(ctx, http.MethodGet, "/v1/users/lookup?phone="+url.QueryEscape(phone), nil, &out)
	return out.Identity, out.Profile, err
}

func (c *Client) Role(ctx context.Context) (string, error) {
	var out struct {
		Role string `json:"role"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/role", nil, &out)
	return out.Role, err
}

func (c *Client) AssignRole(ctx context.Context, target calls.Identity, role string) error {
	return c.do(ctx, http.MethodPut, "/v1/admin/users/"+url.PathEscape(target.String())+"/role", map[string]string{"role": role}, nil)
}

func (c *Client) Me(ctx context.Context) (calls.Identity, error) {
	var out struct {
		Identity calls.Identity `json:"identity"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/me", nil, &out)
	return out.Identity, err
}

// ICEServers falls back to the public STUN defaults when the server
// returns an empty list.
func (c *Client) ICEServers(ctx context.Context) ([]config.ICEServer, error) {
	var out struct {
		Servers []config.ICEServer `json:"ice_servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/ice-servers", nil, &out); err != nil {
		return nil, err
	}
	if len(out.Servers) == 0 {
		return config.DefaultICEServers(), nil
	}
	return out.Servers, nil
}

/* ===================== TRANSPORT ===================== */

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, eb.Error)
	case eb.Code == ratelimit.CodeRateLimited:
		return ErrRateLimited
	case eb.Code != "":
		return calls.FromCode(eb.Code, eb.Error)
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}
