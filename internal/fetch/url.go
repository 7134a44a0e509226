package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/progress"
)

// browserUserAgent keeps hosts that refuse programmatic clients serving us.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const maxRedirects = 5

// URLFetcher streams a direct download URL to the temp directory. One
// attempt per call: transient failures surface as retryable errors and the
// queue re-arms the job with its own backoff, so attempts_made stays honest.
type URLFetcher struct {
	client   *http.Client
	tempDir  string
	maxBytes int64
	logger   *slog.Logger
}

func NewURLFetcher(tempDir string, maxBytes int64, timeout time.Duration, logger *slog.Logger) *URLFetcher {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &URLFetcher{
		client:   client,
		tempDir:  tempDir,
		maxBytes: maxBytes,
		logger:   logger.With("component", "url_fetcher"),
	}
}

func (f *URLFetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	if _, err := url.ParseRequestURI(req.SourceRef); err != nil {
		return nil, domain.NewImportError(domain.KindSourceInvalid, "invalid download url", err)
	}
	if err := ensureDir(f.tempDir); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	result, err := f.attempt(ctx, req)
	if err != nil {
		f.logger.Warn("download failed", "url", req.SourceRef, "kind", domain.KindOf(err), "error", err)
		return nil, err
	}
	return result, nil
}

func (f *URLFetcher) attempt(ctx context.Context, req Request) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.SourceRef, nil)
	if err != nil {
		return nil, domain.NewImportError(domain.KindSourceInvalid, "invalid download url", err)
	}
	httpReq.Header.Set("User-Agent", browserUserAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, domain.NewImportError(domain.KindSourceUnavailable, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	// Declared size is checked before the first body byte is written.
	if resp.ContentLength > 0 && resp.ContentLength > f.maxBytes {
		return nil, domain.NewImportError(domain.KindSizeExceeded,
			fmt.Sprintf("declared size %d exceeds limit %d", resp.ContentLength, f.maxBytes), nil)
	}

	fileName := req.FileName
	if fileName == "" {
		fileName = fileNameFromResponse(resp, req.SourceRef)
	}

	destPath := tempPath(f.tempDir, fileName)
	dest, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	req.registerTemp(destPath)

	written, err := f.streamBody(resp, dest, req)
	closeErr := dest.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(destPath)
		return nil, err
	}

	req.emit(domain.Progress{Stage: domain.StageDownloading, Percentage: 100, Message: "Download complete"})

	return &Result{LocalPath: destPath, FileName: fileName, Size: written}, nil
}

func (f *URLFetcher) streamBody(resp *http.Response, dest *os.File, req Request) (int64, error) {
	total := resp.ContentLength
	gate := progress.NewPercentGate(0.1)

	counter := progress.NewCountingReader(resp.Body, func(n int64) {
		if total <= 0 {
			return
		}
		pct := float64(n) / float64(total) * 100
		if gate.Open(pct) {
			req.emit(domain.Progress{
				Stage:      domain.StageDownloading,
				Percentage: pct,
				Message:    fmt.Sprintf("Downloaded %d of %d bytes", n, total),
			})
		}
	})

	// LimitReader catches hosts that lie about (or omit) Content-Length.
	written, err := io.Copy(dest, io.LimitReader(counter, f.maxBytes+1))
	if err != nil {
		return 0, domain.NewImportError(domain.KindSourceUnavailable, "download interrupted", err)
	}
	if written > f.maxBytes {
		return 0, domain.NewImportError(domain.KindSizeExceeded,
			fmt.Sprintf("observed size exceeds limit %d", f.maxBytes), nil)
	}
	return written, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return domain.NewImportError(domain.KindSourceNotFound, "file not found", nil)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.NewImportError(domain.KindSourceDenied, "access denied", nil)
	case code == http.StatusTooManyRequests:
		return domain.NewImportError(domain.KindSourceQuota, "rate limited by source", nil)
	case code >= 500:
		return domain.NewImportError(domain.KindSourceUnavailable,
			fmt.Sprintf("source returned %d", code), nil)
	default:
		return domain.NewImportError(domain.KindSourceInvalid,
			fmt.Sprintf("unexpected status %d", code), nil)
	}
}

func fileNameFromResponse(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "download"
}

var _ Fetcher = (*URLFetcher)(nil)
