package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	requestTimeout = 10 * time.Second
	updateTimeout  = 2 * time.Minute
)

// Settings mirrors the control plane's downloader configuration.
type Settings struct {
	Channel         string    `json:"channel"`
	AutoUpdate      bool      `json:"autoUpdate"`
	UpdateFrequency string    `json:"updateFrequency"`
	CurrentVersion  string    `json:"currentVersion"`
	LastChecked     time.Time `json:"lastChecked"`
}

// Updater keeps the external downloader binary fresh. Every failure is
// logged and swallowed: downloads always proceed with the current binary.
type Updater struct {
	binary      string
	adminURL    string
	adminSecret string
	channel     string
	autoUpdate  bool
	minInterval time.Duration
	client      *http.Client
	logger      *slog.Logger

	mu          sync.Mutex
	lastAttempt time.Time
}

func New(binary, adminURL, adminSecret, channel string, autoUpdate bool, minInterval time.Duration, logger *slog.Logger) *Updater {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = requestTimeout
	rc.Logger = nil

	return &Updater{
		binary:      binary,
		adminURL:    strings.TrimRight(adminURL, "/"),
		adminSecret: adminSecret,
		channel:     channel,
		autoUpdate:  autoUpdate,
		minInterval: minInterval,
		client:      rc.StandardClient(),
		logger:      logger.With("component", "updater"),
	}
}

// EnsureFresh runs the self-update at most once per interval. Called before
// each platform download and from the periodic schedule.
func (u *Updater) EnsureFresh(ctx context.Context) error {
	if !u.autoUpdate {
		return nil
	}

	u.mu.Lock()
	if time.Since(u.lastAttempt) < u.minInterval {
		u.mu.Unlock()
		return nil
	}
	u.lastAttempt = time.Now()
	u.mu.Unlock()

	uctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()

	out, err := exec.CommandContext(uctx, u.binary, "--update-to", u.channel).CombinedOutput()
	if err != nil {
		return fmt.Errorf("self-update: %w: %s", err, firstLine(string(out)))
	}
	u.logger.Info("downloader update finished", "channel", u.channel, "output", firstLine(string(out)))

	if version, err := u.version(uctx); err == nil {
		u.pushSettings(ctx, version)
	}
	return nil
}

func (u *Updater) version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, u.binary, "--version").Output()
	if err != nil {
		return "", err
	}
	return firstLine(string(out)), nil
}

// FetchSettings reads the control plane's current downloader settings.
func (u *Updater) FetchSettings(ctx context.Context) (*Settings, error) {
	if u.adminURL == "" {
		return nil, fmt.Errorf("no control plane configured")
	}

	fctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, u.adminURL+"/api/settings", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-internal-secret", u.adminSecret)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("settings returned %d", resp.StatusCode)
	}

	var settings Settings
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// pushSettings reports the installed version back. Best effort.
func (u *Updater) pushSettings(ctx context.Context, version string) {
	if u.adminURL == "" {
		return
	}

	payload, err := json.Marshal(Settings{
		Channel:         u.channel,
		AutoUpdate:      u.autoUpdate,
		UpdateFrequency: u.minInterval.String(),
		CurrentVersion:  version,
		LastChecked:     time.Now().UTC(),
	})
	if err != nil {
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodPut, u.adminURL+"/api/settings", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("x-internal-secret", u.adminSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		u.logger.Warn("push settings failed", "error", err)
		return
	}
	_ = resp.Body.Close()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
