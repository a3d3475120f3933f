// Package api is the HTTP client for the build service: build detail, the
// project build list, cancel and restart. Failed calls are never retried
// here; the caller decides whether to surface or retry.
package api

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

	"gobuild/monitor/shared/model"
)

var ErrBuildNotFound = errors.New("build not found")

// Error is a non-2xx response from the build service.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	// Body is the trimmed response body, usually a plain-text message.
	Body string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: %s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// maxBody caps how much of a response is read.
const maxBody = 4 << 20

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a client for baseURL, e.g. "http://localhost:8080".
// token is sent as a bearer token when non-empty.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) FetchBuild(ctx context.Context, buildID string) (model.Build, error) {
	var b model.Build
	err := c.do(ctx, http.MethodGet, "/api/builds/"+url.PathEscape(buildID), nil, &b)
	if err != nil {
		return model.Build{}, notFound(err, buildID)
	}
	return b, nil
}

func (c *Client) FetchBuilds(ctx context.Context, projectID string) ([]model.Build, error) {
	var builds []model.Build
	if err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/builds", nil, &builds); err != nil {
		return nil, err
	}
	return builds, nil
}

// CancelBuild asks the service to move a queued or running build toward
// canceled. The status change itself arrives on the event channel.
func (c *Client) CancelBuild(ctx context.Context, buildID string) error {
	err := c.do(ctx, http.MethodPost, "/api/builds/"+url.PathEscape(buildID)+"/cancel", nil, nil)
	return notFound(err, buildID)
}

// RestartBuild creates a new build from buildID and returns it.
func (c *Client) RestartBuild(ctx context.Context, buildID string) (model.Build, error) {
	var b model.Build
	err := c.do(ctx, http.MethodPost, "/api/builds/"+url.PathEscape(buildID)+"/restart", nil, &b)
	if err != nil {
		return model.Build{}, notFound(err, buildID)
	}
	return b, nil
}

func notFound(err error, buildID string) error {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %w", ErrBuildNotFound, buildID, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("api: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: request to %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("api: failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
