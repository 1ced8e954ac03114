package remote

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

	"kasirinaja/offline/internal/domain"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// HTTPClient talks to the authority's JSON API.
type HTTPClient struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

func NewHTTP(baseURL string, tokens TokenSource, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
	}
}

type recordsEnvelope struct {
	Records []json.RawMessage `json:"records"`
}

// pushEnvelope carries one idempotency key per record, the record's local
// id. The authority answers a replayed create with its first result.
type pushEnvelope struct {
	Records         []json.RawMessage `json:"records"`
	IdempotencyKeys []string          `json:"idempotencyKeys"`
}

type resultsEnvelope struct {
	Results []Outcome `json:"results"`
}

type planOrdersEnvelope struct {
	PlanOrders []domain.Entitlement `json:"planOrders"`
}

type switchRequest struct {
	PlanOrderID string `json:"planOrderId"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func (c *HTTPClient) FetchAll(ctx context.Context, kind domain.Kind, since *time.Time) ([]json.RawMessage, error) {
	path := "/sync/" + url.PathEscape(string(kind))
	if since != nil {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var out recordsEnvelope
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *HTTPClient) PushBatch(ctx context.Context, kind domain.Kind, records []json.RawMessage) ([]Outcome, error) {
	var out resultsEnvelope
	path := "/sync/" + url.PathEscape(string(kind)) + "/batch"
	in := pushEnvelope{Records: records, IdempotencyKeys: make([]string, len(records))}
	for i, raw := range records {
		in.IdempotencyKeys[i] = idempotencyKey(kind, raw)
	}
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func idempotencyKey(kind domain.Kind, raw json.RawMessage) string {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.ID == "" {
		return ""
	}
	return string(kind) + ":" + envelope.ID
}

func (c *HTTPClient) FetchUsage(ctx context.Context) (domain.UsageSnapshot, error) {
	var out domain.UsageSnapshot
	err := c.do(ctx, http.MethodGet, "/plan/usage", nil, &out)
	return out, err
}

func (c *HTTPClient) FetchEntitlements(ctx context.Context) ([]domain.Entitlement, error) {
	var out planOrdersEnvelope
	if err := c.do(ctx, http.MethodGet, "/plan/orders", nil, &out); err != nil {
		return nil, err
	}
	return out.PlanOrders, nil
}

func (c *HTTPClient) SwitchEntitlement(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/plan/switch", switchRequest{PlanOrderID: id}, nil)
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", ErrOffline, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s answered %d", ErrOffline, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		var e errorEnvelope
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
