package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const requestTimeout = 10 * time.Second

// Client wraps the external catalog webhook API. The catalog only learns of
// terminal outcomes, and a webhook failure must never affect the job: every
// method logs and returns the error for metrics, callers discard it.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger.With("component", "catalog"),
	}
}

// Enabled reports whether a catalog endpoint is configured at all.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// CreateVideo registers a brand-new catalog record after a successful import
// of a job without a pre-existing catalog id.
func (c *Client) CreateVideo(ctx context.Context, apiKey, name, sourceLink, importJobID string) error {
	return c.post(ctx, apiKey, "/user/videos", map[string]any{
		"name":        name,
		"sourceLink":  sourceLink,
		"importJobId": importJobID,
	})
}

// UpdateSourceLink records a first-attempt success on an existing record.
func (c *Client) UpdateSourceLink(ctx context.Context, apiKey, catalogID, sourceLink, importJobID string) error {
	return c.send(ctx, apiKey, http.MethodPut,
		fmt.Sprintf("/user/videos/%s/source-link", catalogID), map[string]any{
			"sourceLink":  sourceLink,
			"importJobId": importJobID,
		})
}

// ReportImportSuccess records a success that needed retries.
func (c *Client) ReportImportSuccess(ctx context.Context, apiKey, catalogID, sourceLink, importJobID string) error {
	return c.post(ctx, apiKey, fmt.Sprintf("/user/videos/%s/import-success", catalogID), map[string]any{
		"sourceLink":  sourceLink,
		"isRetry":     true,
		"importJobId": importJobID,
	})
}

// ReportImportFailure records a terminal failure on an existing record.
func (c *Client) ReportImportFailure(ctx context.Context, apiKey, catalogID, errMsg, sourceURL string, retryCount int) error {
	return c.post(ctx, apiKey, fmt.Sprintf("/user/videos/%s/import-failed", catalogID), map[string]any{
		"error":      errMsg,
		"sourceUrl":  sourceURL,
		"retryCount": retryCount,
	})
}

func (c *Client) post(ctx context.Context, apiKey, path string, body map[string]any) error {
	return c.send(ctx, apiKey, http.MethodPost, path, body)
}

func (c *Client) send(ctx context.Context, apiKey, method, path string, body map[string]any) error {
	if !c.Enabled() {
		return nil
	}
	if apiKey == "" {
		apiKey = c.apiKey
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	// Detached from the job context: the job may already be finishing, but
	// the webhook still gets its full timeout.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("catalog webhook failed", "method", method, "path", path, "error", err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("catalog returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		c.logger.Warn("catalog webhook rejected", "method", method, "path", path, "error", err)
		return err
	}
	return nil
}
