package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/runnerhub/pkg/api"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	maxErrorBody       = 64 << 10
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string

	// RetryAfter is set from the Retry-After header of 429 answers.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("runnerhub: %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("runnerhub: %d: %s", e.StatusCode, msg)
}

// IsRateLimited reports whether err is a 429 from the server.
func IsRateLimited(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) && ae.StatusCode == http.StatusTooManyRequests {
		return ae, true
	}
	return nil, false
}

// Client speaks the runner protocol.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient returns a client for the server at baseURL authenticating with
// the bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https: %q", baseURL)
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("runner token is required")
	}
	c := &Client{
		base:  u,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) endpoint(tmpl string, runnerID, guid string) string {
	p := strings.ReplaceAll(tmpl, "{runnerId}", url.PathEscape(runnerID))
	p = strings.ReplaceAll(p, "{guid}", url.PathEscape(guid))
	return c.base.String() + p
}

// Register registers or refreshes the runner.
func (c *Client) Register(ctx context.Context, runnerID string, reg api.RunnerRegistration) (*api.Runner, error) {
	var out api.Runner
	resp, err := c.doJSON(ctx, http.MethodPut, c.endpoint(api.RunnerPath, runnerID, ""), reg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode runner: %w", err)
	}
	return &out, nil
}

// Poll asks for the next job. It returns nil, nil when there is none.
func (c *Client) Poll(ctx context.Context, runnerID string) (*api.JobAssignment, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, c.endpoint(api.NextJobPath, runnerID, ""), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var job api.JobAssignment
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// ReportStatus sends a status update for the job guid.
func (c *Client) ReportStatus(ctx context.Context, runnerID, guid string, u api.StatusUpdate) error {
	resp, err := c.doJSON(ctx, http.MethodPut, c.endpoint(api.StatusPath, runnerID, guid), u)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// UploadArtifact stores data as the named artifact of job guid.
func (c *Client) UploadArtifact(ctx context.Context, runnerID, guid, filename string, data []byte) error {
	u := c.endpoint(api.ArtifactPath, runnerID, guid) + "?" + url.Values{"filename": {filename}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) doJSON(ctx context.Context, method, u string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

// do sends req and turns non-2xx answers into *APIError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, decodeAPIError(resp)
}

func decodeAPIError(resp *http.Response) *APIError {
	ae := &APIError{StatusCode: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var env api.ErrorResponse
	if err := json.Unmarshal(b, &env); err == nil && env.Error.Code != "" {
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
		ae.RequestID = env.Error.RequestID
	} else {
		ae.Message = strings.TrimSpace(string(b))
	}
	if ae.RequestID == "" {
		ae.RequestID = resp.Header.Get("X-Request-ID")
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && secs > 0 {
			ae.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return ae
}
