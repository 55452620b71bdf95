package eos

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

	"github.com/meintechblog/eos-engine/internal/apperr"
)

// Client talks to the external EOS optimizer service.
type Client struct {
	baseURL string
	client  *http.Client
}

// OptimizeRequest is the assembled payload sent to /optimize.
type OptimizeRequest struct {
	Parameters   json.RawMessage `json:"parameters"`
	StartSolution []float64      `json:"start_solution,omitempty"`
}

// OptimizeResponse is the raw optimizer answer; the orchestrator interprets it.
type OptimizeResponse struct {
	Raw             json.RawMessage
	LastRunDatetime *time.Time
}

// PredictionScope selects which providers a refresh touches.
type PredictionScope string

const (
	PredictionAll    PredictionScope = "all"
	PredictionPV     PredictionScope = "pv"
	PredictionPrices PredictionScope = "prices"
	PredictionLoad   PredictionScope = "load"
)

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "eos request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read eos response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return nil, apperr.Newf(apperr.KindUnavailable, "eos %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	return data, nil
}

// Optimize submits the assembled payload with an optional warm start.
func (c *Client) Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeResponse, error) {
	data, err := c.do(ctx, http.MethodPost, "/optimize", req)
	if err != nil {
		return nil, err
	}
	res := &OptimizeResponse{Raw: data}

	var envelope struct {
		LastRunDatetime string `json:"last_run_datetime"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.LastRunDatetime != "" {
		if t, perr := time.Parse(time.RFC3339, envelope.LastRunDatetime); perr == nil {
			res.LastRunDatetime = &t
		}
	}
	return res, nil
}

// RefreshPredictions asks EOS to re-pull the named prediction providers and
// returns their current series keyed by provider key.
func (c *Client) RefreshPredictions(ctx context.Context, scope PredictionScope) (map[string]json.RawMessage, error) {
	q := url.Values{"scope": {string(scope)}}
	data, err := c.do(ctx, http.MethodPost, "/v1/prediction/update?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	out := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode prediction response: %w", err)
		}
	}
	return out, nil
}

// GetPredictionSeries reads one prediction provider key as a raw series.
func (c *Client) GetPredictionSeries(ctx context.Context, key string) (json.RawMessage, error) {
	q := url.Values{"key": {key}}
	return c.do(ctx, http.MethodGet, "/v1/prediction/series?"+q.Encode(), nil)
}

// GetConfig fetches the EOS-side configuration tree.
func (c *Client) GetConfig(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/config", nil)
}

// PutConfigValue sets one EOS-side configuration path.
func (c *Client) PutConfigValue(ctx context.Context, path string, value any) error {
	_, err := c.do(ctx, http.MethodPut, "/v1/config/"+strings.TrimPrefix(path, "/"), map[string]any{"value": value})
	return err
}

// PutMeasurement pushes one measurement series to EOS by key.
func (c *Client) PutMeasurement(ctx context.Context, key string, series json.RawMessage) error {
	q := url.Values{"key": {key}}
	_, err := c.do(ctx, http.MethodPut, "/v1/measurement/series?"+q.Encode(), series)
	return err
}

// Health probes the optimizer service.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/v1/health", nil)
	return err
}
