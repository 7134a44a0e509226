package origin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/progress"
)

const (
	maxRedirects     = 3
	progressStep     = 1 << 20 // one callback per MiB transferred
	cdnVerifyTimeout = 10 * time.Second
)

// Existence is three-valued: the origin legitimately answers both 200 and
// 404 on HEAD, and anything else is an error, not a "no".
type Existence int

const (
	ExistsUnknown Existence = iota
	ExistsYes
	ExistsNo
)

// Client performs streaming transfers against the object origin. Memory per
// upload is bounded by the read buffer, independent of file size.
type Client struct {
	httpClient *http.Client
	baseURL    string
	zone       string
	accessKey  string
	cdnBase    string
	bufferSize int
	maxRetries int
	logger     *slog.Logger
}

type Config struct {
	BaseURL    string
	Zone       string
	AccessKey  string
	CDNBase    string
	BufferSize int
	MaxRetries int
	Timeout    time.Duration
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 || bufferSize > 8*1024 {
		bufferSize = 8 * 1024
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		zone:       strings.Trim(cfg.Zone, "/"),
		accessKey:  cfg.AccessKey,
		cdnBase:    NormalizeBase(cfg.CDNBase),
		bufferSize: bufferSize,
		maxRetries: cfg.MaxRetries,
		logger:     logger.With("component", "origin"),
	}
}

// Upload streams the file at localPath to the origin and returns the public
// CDN URL. onProgress is invoked at most once per MiB plus a final 100%, and
// never blocks the transfer.
func (c *Client) Upload(ctx context.Context, localPath, objectName string, onProgress progress.Func) (cdnURL string, err error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("stat upload source: %w", err)
	}
	size := info.Size()

	var throttler *progress.Throttler
	if onProgress != nil {
		throttler = progress.NewThrottler(onProgress)
		// The final 100% is only emitted when the upload actually finished.
		defer func() {
			if err == nil {
				throttler.Close(&domain.Progress{
					Stage:      domain.StageUploading,
					Percentage: 100,
					Message:    "Upload complete",
				})
			} else {
				throttler.Close(nil)
			}
		}()
	}

	operation := func() error {
		return c.uploadOnce(ctx, localPath, objectName, size, throttler)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("upload attempt failed, retrying", "object", objectName, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return "", err
	}

	return c.cdnBase + "/" + objectName, nil
}

// uploadOnce is one PUT attempt. Every exit path releases the file handle;
// the read chain is file → fixed-size buffer → byte counter → HTTP body.
func (c *Client) uploadOnce(ctx context.Context, localPath, objectName string, size int64, throttler *progress.Throttler) error {
	file, err := os.Open(localPath)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("open upload source: %w", err))
	}
	defer func() { _ = file.Close() }()

	gate := progress.NewByteGate(progressStep)
	counter := progress.NewCountingReader(bufio.NewReaderSize(file, c.bufferSize), func(n int64) {
		if throttler == nil || !gate.Open(n) {
			return
		}
		pct := float64(n) / float64(size) * 100
		if pct > 99 {
			pct = 99 // the final 100% is reserved for completion
		}
		throttler.Offer(domain.Progress{
			Stage:      domain.StageUploading,
			Percentage: pct,
			Message:    fmt.Sprintf("Uploaded %d of %d bytes", n, size),
		})
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(objectName), counter)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build upload request: %w", err))
	}
	req.ContentLength = size
	req.Header.Set("AccessKey", c.accessKey)
	req.Header.Set("Content-Type", "application/octet-stream")
	// Redirected PUTs restart the body from the file.
	req.GetBody = func() (io.ReadCloser, error) {
		return os.Open(localPath)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(context.Cause(ctx))
		}
		return domain.NewImportError(domain.KindOriginNetworkError, "upload request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return domain.NewImportError(domain.KindOriginAPIError,
			fmt.Sprintf("origin returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) Delete(ctx context.Context, objectName string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(objectName), nil)
	if err != nil {
		return err
	}
	req.Header.Set("AccessKey", c.accessKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewImportError(domain.KindOriginNetworkError, "delete request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return domain.NewImportError(domain.KindOriginAPIError,
			fmt.Sprintf("origin delete returned %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, objectName string) (Existence, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(objectName), nil)
	if err != nil {
		return ExistsUnknown, err
	}
	req.Header.Set("AccessKey", c.accessKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ExistsUnknown, domain.NewImportError(domain.KindOriginNetworkError, "head request failed", err)
	}
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return ExistsYes, nil
	case http.StatusNotFound:
		return ExistsNo, nil
	default:
		return ExistsUnknown, domain.NewImportError(domain.KindOriginAPIError,
			fmt.Sprintf("origin head returned %d", resp.StatusCode), nil)
	}
}

// VerifyCDNAccess checks the public URL end to end. Best effort: a negative
// result is reported, never fatal.
func (c *Client) VerifyCDNAccess(ctx context.Context, objectName string) bool {
	vctx, cancel := context.WithTimeout(ctx, cdnVerifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(vctx, http.MethodHead, c.cdnBase+"/"+objectName, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("cdn verification failed", "object", objectName, "error", err)
		return false
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("cdn verification returned non-200", "object", objectName, "status", resp.StatusCode)
		return false
	}
	return true
}

func (c *Client) objectURL(objectName string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.zone, url.PathEscape(objectName))
}

// NormalizeBase strips trailing slashes and guarantees an http(s) scheme.
func NormalizeBase(base string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base
}
