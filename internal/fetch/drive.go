package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/progress"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const driveAPIBase = "https://www.googleapis.com/drive/v3/files"

var driveIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`),
}

var (
	confirmTokenRe = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)
	downloadHrefRe = regexp.MustCompile(`href="(/uc\?export=download[^"]+)"`)
)

// DriveCredentials selects the authentication mode, in priority order:
// complete OAuth triple, then API key, then unauthenticated.
type DriveCredentials struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

func (c DriveCredentials) hasOAuth() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

type driveMetadata struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     string `json:"size"`
}

// DriveFetcher resolves a cloud-drive share link to a file id and downloads
// the media through whichever auth mode is available.
type DriveFetcher struct {
	creds    DriveCredentials
	tempDir  string
	maxBytes int64
	timeout  time.Duration
	logger   *slog.Logger
}

func NewDriveFetcher(creds DriveCredentials, tempDir string, maxBytes int64, timeout time.Duration, logger *slog.Logger) *DriveFetcher {
	return &DriveFetcher{
		creds:    creds,
		tempDir:  tempDir,
		maxBytes: maxBytes,
		timeout:  timeout,
		logger:   logger.With("component", "drive_fetcher"),
	}
}

// ParseDriveFileID extracts the file id from any of the recognized share URL
// shapes: /file/d/<id>, open?id=<id>, uc?id=<id>, uc?export=download&id=<id>.
func ParseDriveFileID(shareURL string) (string, error) {
	for _, re := range driveIDPatterns {
		if m := re.FindStringSubmatch(shareURL); m != nil {
			return m[1], nil
		}
	}
	return "", domain.NewImportError(domain.KindSourceInvalid, "invalid drive url", nil)
}

func (f *DriveFetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	fileID, err := ParseDriveFileID(req.SourceRef)
	if err != nil {
		return nil, err
	}
	if err := ensureDir(f.tempDir); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	switch {
	case f.creds.hasOAuth():
		return f.fetchOAuth(ctx, req, fileID)
	case f.creds.APIKey != "":
		return f.fetchAPIKey(ctx, req, fileID)
	default:
		return f.fetchPublic(ctx, req, fileID)
	}
}

// fetchOAuth copies the file into the authenticated account first: copies are
// owned by us and therefore exempt from per-file download quotas. The copy is
// deleted whether or not the download succeeds.
func (f *DriveFetcher) fetchOAuth(ctx context.Context, req Request, fileID string) (*Result, error) {
	conf := &oauth2.Config{
		ClientID:     f.creds.ClientID,
		ClientSecret: f.creds.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	client := conf.Client(ctx, &oauth2.Token{RefreshToken: f.creds.RefreshToken})
	client.Timeout = f.timeout

	meta, err := f.metadata(ctx, client, fileID, "")
	if err != nil {
		return nil, err
	}
	if err := f.checkMetadata(meta); err != nil {
		return nil, err
	}

	copyID, err := f.copyFile(ctx, client, fileID)
	if err != nil {
		f.logger.Warn("drive copy failed, downloading original", "file_id", fileID, "error", err)
		copyID = ""
	}

	target := fileID
	if copyID != "" {
		target = copyID
		defer func() {
			if err := f.deleteFile(context.WithoutCancel(ctx), client, copyID); err != nil {
				f.logger.Warn("delete drive copy failed", "copy_id", copyID, "error", err)
			}
		}()
	}

	mediaURL := fmt.Sprintf("%s/%s?alt=media&supportsAllDrives=true", driveAPIBase, target)
	return f.download(ctx, client, req, mediaURL, meta)
}

func (f *DriveFetcher) fetchAPIKey(ctx context.Context, req Request, fileID string) (*Result, error) {
	client := &http.Client{Timeout: f.timeout}

	meta, err := f.metadata(ctx, client, fileID, f.creds.APIKey)
	if err != nil {
		return nil, err
	}
	if err := f.checkMetadata(meta); err != nil {
		return nil, err
	}

	mediaURL := fmt.Sprintf("%s/%s?alt=media&key=%s", driveAPIBase, fileID, url.QueryEscape(f.creds.APIKey))
	return f.download(ctx, client, req, mediaURL, meta)
}

// fetchPublic follows the "confirm large file" interstitial: the first
// response for big files is an HTML page carrying a confirmation token.
func (f *DriveFetcher) fetchPublic(ctx context.Context, req Request, fileID string) (*Result, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	client := &http.Client{Timeout: f.timeout, Jar: jar}

	downloadURL := fmt.Sprintf("https://drive.google.com/uc?export=download&id=%s", url.QueryEscape(fileID))

	resp, err := f.get(ctx, client, downloadURL)
	if err != nil {
		return nil, err
	}

	if isHTML(resp) {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, domain.NewImportError(domain.KindSourceUnavailable, "read interstitial page", readErr)
		}
		confirmed, err := confirmURL(string(body), fileID)
		if err != nil {
			return nil, err
		}
		resp, err = f.get(ctx, client, confirmed)
		if err != nil {
			return nil, err
		}
		if isHTML(resp) {
			_ = resp.Body.Close()
			return nil, domain.NewImportError(domain.KindSourceDenied, "access denied: file requires authentication", nil)
		}
	}

	return f.streamResponse(resp, req, nil)
}

// confirmURL scrapes the confirmation token, or the alternate download href,
// out of the interstitial HTML.
func confirmURL(body, fileID string) (string, error) {
	if m := confirmTokenRe.FindStringSubmatch(body); m != nil {
		return fmt.Sprintf("https://drive.google.com/uc?export=download&confirm=%s&id=%s",
			m[1], url.QueryEscape(fileID)), nil
	}
	if m := downloadHrefRe.FindStringSubmatch(body); m != nil {
		return "https://drive.google.com" + html.UnescapeString(m[1]), nil
	}
	if strings.Contains(strings.ToLower(body), "quota") {
		return "", domain.NewImportError(domain.KindSourceQuota, "download quota exceeded for this file", nil)
	}
	return "", domain.NewImportError(domain.KindSourceDenied, "access denied: could not resolve confirmation token", nil)
}

func (f *DriveFetcher) metadata(ctx context.Context, client *http.Client, fileID, apiKey string) (*driveMetadata, error) {
	metaURL := fmt.Sprintf("%s/%s?fields=name,size,mimeType&supportsAllDrives=true", driveAPIBase, fileID)
	if apiKey != "" {
		metaURL += "&key=" + url.QueryEscape(apiKey)
	}

	resp, err := f.get(ctx, client, metaURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var meta driveMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, domain.NewImportError(domain.KindSourceUnavailable, "decode drive metadata", err)
	}
	return &meta, nil
}

func (f *DriveFetcher) checkMetadata(meta *driveMetadata) error {
	if meta.Size != "" {
		size, err := strconv.ParseInt(meta.Size, 10, 64)
		if err == nil && size > f.maxBytes {
			return domain.NewImportError(domain.KindSizeExceeded,
				fmt.Sprintf("declared size %d exceeds limit %d", size, f.maxBytes), nil)
		}
	}
	if meta.MimeType != "" && !strings.HasPrefix(meta.MimeType, "video/") {
		return domain.NewImportError(domain.KindSourceDenied,
			fmt.Sprintf("file is not a video (mime %s)", meta.MimeType), nil)
	}
	return nil
}

func (f *DriveFetcher) copyFile(ctx context.Context, client *http.Client, fileID string) (string, error) {
	copyURL := fmt.Sprintf("%s/%s/copy?supportsAllDrives=true", driveAPIBase, fileID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, copyURL, strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("copy returned %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (f *DriveFetcher) deleteFile(ctx context.Context, client *http.Client, fileID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/%s?supportsAllDrives=true", driveAPIBase, fileID), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete returned %d", resp.StatusCode)
	}
	return nil
}

func (f *DriveFetcher) download(ctx context.Context, client *http.Client, req Request, mediaURL string, meta *driveMetadata) (*Result, error) {
	resp, err := f.get(ctx, client, mediaURL)
	if err != nil {
		return nil, err
	}
	return f.streamResponse(resp, req, meta)
}

// streamResponse writes the media body to a registered temp file. Takes
// ownership of resp.Body.
func (f *DriveFetcher) streamResponse(resp *http.Response, req Request, meta *driveMetadata) (*Result, error) {
	defer func() { _ = resp.Body.Close() }()

	fileName := req.FileName
	if fileName == "" && meta != nil && meta.Name != "" {
		fileName = meta.Name
	}
	if fileName == "" {
		fileName = fileNameFromResponse(resp, req.SourceRef)
	}

	total := resp.ContentLength
	if total <= 0 && meta != nil && meta.Size != "" {
		if size, err := strconv.ParseInt(meta.Size, 10, 64); err == nil {
			total = size
		}
	}
	if total > f.maxBytes {
		return nil, domain.NewImportError(domain.KindSizeExceeded,
			fmt.Sprintf("declared size %d exceeds limit %d", total, f.maxBytes), nil)
	}

	destPath := tempPath(f.tempDir, fileName)
	dest, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	req.registerTemp(destPath)

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

	written, err := io.Copy(dest, io.LimitReader(counter, f.maxBytes+1))
	closeErr := dest.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(destPath)
		return nil, domain.NewImportError(domain.KindSourceUnavailable, "download interrupted", err)
	}
	if written > f.maxBytes {
		_ = os.Remove(destPath)
		return nil, domain.NewImportError(domain.KindSizeExceeded,
			fmt.Sprintf("observed size exceeds limit %d", f.maxBytes), nil)
	}

	req.emit(domain.Progress{Stage: domain.StageDownloading, Percentage: 100, Message: "Download complete"})

	return &Result{LocalPath: destPath, FileName: fileName, Size: written}, nil
}

// get issues the request and normalizes drive failures: 403 is access denied
// unless the body mentions quota, 404 is not found.
func (f *DriveFetcher) get(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.NewImportError(domain.KindSourceInvalid, "invalid drive url", err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, domain.NewImportError(domain.KindSourceUnavailable, "drive request failed", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		if strings.Contains(strings.ToLower(string(body)), "quota") {
			return nil, domain.NewImportError(domain.KindSourceQuota, "drive quota exceeded", nil)
		}
		return nil, domain.NewImportError(domain.KindSourceDenied, "access denied", nil)
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, domain.NewImportError(domain.KindSourceNotFound, "file not found", nil)
	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, domain.NewImportError(domain.KindSourceUnavailable,
			fmt.Sprintf("drive returned %d", resp.StatusCode), nil)
	default:
		_ = resp.Body.Close()
		return nil, domain.NewImportError(domain.KindSourceDenied,
			fmt.Sprintf("drive returned %d", resp.StatusCode), nil)
	}
}

func isHTML(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/html")
}

var _ Fetcher = (*DriveFetcher)(nil)
