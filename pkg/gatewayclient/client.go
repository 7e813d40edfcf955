// Package gatewayclient is the dashboard's HTTP client of the data gateway.
// One Client holds the session of one browser context.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"salesdesk/internal/usertoken"
	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
)

// TokenVerifier checks access tokens handed out by the gateway.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Claims, error)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// Verifier checks tokens locally. Defaults to a JWKS verifier on
	// BaseURL + "/auth/jwks".
	Verifier    TokenVerifier
	HTTPClient  *http.Client
	Logger      *slog.Logger
	RefreshSkew time.Duration
	// DisableEvents skips the /auth/events stream.
	DisableEvents bool
}

// APIError represents a gateway error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Client implements gateway.Gateway over HTTP.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	verifier     TokenVerifier
	logger       *slog.Logger
	skew         time.Duration
	events       bool

	refreshMu sync.Mutex

	mu           sync.Mutex
	session      *domain.Session
	sessionID    string
	listeners    map[int]func(*domain.Session)
	nextListener int
	streamCancel context.CancelFunc
	closed       bool

	dispatch *dispatcher
}

var _ gateway.Gateway = (*Client)(nil)

// New constructs a gateway client without a session.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("gateway base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	// the event stream outlives any request timeout
	streamClient := &http.Client{Transport: httpClient.Transport}
	verifier := cfg.Verifier
	if verifier == nil {
		v, err := usertoken.NewVerifier(usertoken.Config{JWKSURL: baseURL + "/auth/jwks", HTTPClient: httpClient})
		if err != nil {
			return nil, err
		}
		verifier = v
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = 30 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		httpClient:   httpClient,
		streamClient: streamClient,
		verifier:     verifier,
		logger:       logger,
		skew:         skew,
		events:       !cfg.DisableEvents,
		listeners:    make(map[int]func(*domain.Session)),
		dispatch:     newDispatcher(),
	}, nil
}

// Providers lists the sign-in providers enabled on the gateway.
func (c *Client) Providers(ctx context.Context) ([]string, error) {
	var resp struct {
		Providers []string `json:"providers"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/auth/providers", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Providers, nil
}

// QueryRecords runs q with the current session. Every failure is a
// *gateway.QueryError.
func (c *Client) QueryRecords(ctx context.Context, q gateway.Query) (gateway.Result, error) {
	var res gateway.Result
	if err := c.doAuthed(ctx, http.MethodPost, "/rest/query", q, &res); err != nil {
		return gateway.Result{}, &gateway.QueryError{Collection: q.Collection, Err: err}
	}
	return res, nil
}

// QueryOne returns the first row of collection matching filters.
func (c *Client) QueryOne(ctx context.Context, collection string, filters gateway.Filters) (domain.Record, bool, error) {
	payload := map[string]any{"collection": collection, "filters": filters}
	var resp struct {
		Row domain.Record `json:"row"`
	}
	if err := c.doAuthed(ctx, http.MethodPost, "/rest/query-one", payload, &resp); err != nil {
		return nil, false, &gateway.QueryError{Collection: collection, Err: err}
	}
	return resp.Row, resp.Row != nil, nil
}

// doAuthed sends an authenticated request, refreshing and retrying once
// when the gateway rejects the access token.
func (c *Client) doAuthed(ctx context.Context, method, path string, payload, out any) error {
	sess, err := c.CurrentSession(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		return gateway.ErrNotAuthenticated
	}
	err = c.doJSON(ctx, method, path, sess.AccessToken, payload, out)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		return err
	}
	sess, err = c.refresh(ctx, sess.RefreshToken)
	if err != nil {
		return err
	}
	if sess == nil {
		return gateway.ErrNotAuthenticated
	}
	return c.doJSON(ctx, method, path, sess.AccessToken, payload, out)
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errResp)
	msg := errResp.Error
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: msg, Code: strings.TrimSpace(errResp.Code)}
}
