package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/worldland/slurmwatch/internal/api"
)

// Client wraps the aggregator's REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Cluster returns the current cluster view, optionally limited to ids
func (c *Client) Cluster(ctx context.Context, ids ...string) (*api.ClusterResponse, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("collector", id)
	}

	var resp api.ClusterResponse
	if err := c.doGet(ctx, "/api/v1/cluster", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns retained observations of one collector
func (c *Client) History(ctx context.Context, id, start, end string, limit int) (*api.HistoryResponse, error) {
	q := url.Values{}
	if start != "" {
		q.Set("start", start)
	}
	if end != "" {
		q.Set("end", end)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp api.HistoryResponse
	if err := c.doGet(ctx, "/api/v1/collectors/"+url.PathEscape(id)+"/history", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GPUHours returns the GPU hours Slurm accounted to each user
func (c *Client) GPUHours(ctx context.Context, start, end string) (*api.GPUHoursResponse, error) {
	q := url.Values{}
	if start != "" {
		q.Set("start", start)
	}
	if end != "" {
		q.Set("end", end)
	}

	var resp api.GPUHoursResponse
	if err := c.doGet(ctx, "/api/v1/gpu-hours/reserved", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

func (c *Client) doGet(ctx context.Context, path string, query url.Values, result interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, result)
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}

	return nil
}
