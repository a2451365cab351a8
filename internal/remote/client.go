package remote

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

	"github.com/hivemark/hivemark/internal/domain"
)

const (
	defaultTimeout   = 20 * time.Second
	maxErrorBodySize = 64 << 10
)

// ClientConfig holds HTTP client configuration for the service API.
type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a service API client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type datapointPayload struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	RequestID string  `json:"requestid"`
	Comment   string  `json:"comment,omitempty"`
}

// CreateDatapoint posts one datapoint. Transport failures are returned as-is
// for the classifier to treat as retryable; any non-2xx response surfaces as
// a *StatusError carrying the response body.
func (c *Client) CreateDatapoint(ctx context.Context, token string, dpReq CreateDatapointRequest) error {
	endpoint := fmt.Sprintf("%s/api/v1/users/me/goals/%s/datapoints.json",
		c.baseURL, url.PathEscape(dpReq.GoalSlug))

	body, err := json.Marshal(datapointPayload{
		Value:     dpReq.Value,
		Timestamp: dpReq.Timestamp.Unix(),
		RequestID: dpReq.RequestID,
		Comment:   dpReq.Note,
	})
	if err != nil {
		return fmt.Errorf("marshal datapoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return &StatusError{Code: resp.StatusCode, Body: respBody}
}

// FetchGoals retrieves the user's goals in the trimmed representation.
func (c *Client) FetchGoals(ctx context.Context, token string) ([]domain.Goal, error) {
	endpoint := c.baseURL + "/api/v1/users/me/goals.json?emaciated=true"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &StatusError{Code: resp.StatusCode, Body: respBody}
	}

	var goals []domain.Goal
	if err := json.NewDecoder(resp.Body).Decode(&goals); err != nil {
		return nil, fmt.Errorf("decode goals: %w", err)
	}
	return goals, nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}
