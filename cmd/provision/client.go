package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"salesdesk/internal/servicetoken"
	"salesdesk/pkg/domain"
)

// provisionRequest is the body of POST /admin/users. A nil Active keeps
// the stored flag.
type provisionRequest struct {
	Email    string `json:"email"`
	Active   *bool  `json:"active,omitempty"`
	Password string `json:"password,omitempty"`
}

// apiError is a non-2xx admin API response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

type adminClient struct {
	baseURL  string
	signer   *servicetoken.Signer
	operator string
	http     *http.Client
}

func newAdminClient(baseURL string, signer *servicetoken.Signer, operator string, timeout time.Duration) *adminClient {
	return &adminClient{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		signer:   signer,
		operator: operator,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *adminClient) ListUsers(ctx context.Context) ([]domain.RegisteredUser, error) {
	var out struct {
		Items []domain.RegisteredUser `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/users", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *adminClient) ProvisionUser(ctx context.Context, req provisionRequest) (domain.RegisteredUser, error) {
	var out struct {
		User domain.RegisteredUser `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/users", req, &out); err != nil {
		return domain.RegisteredUser{}, err
	}
	return out.User, nil
}

// InsertRecords returns how many rows the gateway inserted, also on failure.
func (c *adminClient) InsertRecords(ctx context.Context, collection string, records []domain.Record) (int, error) {
	var out struct {
		Inserted int `json:"inserted"`
	}
	body := map[string]any{"collection": collection, "records": records}
	err := c.do(ctx, http.MethodPost, "/admin/records", body, &out)
	return out.Inserted, err
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.signer.Sign(servicetoken.AdminAudience, c.operator)
	if err != nil {
		return fmt.Errorf("sign admin token: %w", err)
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		// Partial seed responses still carry the inserted count.
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return &apiError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
