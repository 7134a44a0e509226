package fetch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/clipstash/importd/internal/domain"
)

const (
	// MinVideoBytes is the floor below which a produced file is treated as a
	// failed download: real videos are never this small, error pages are.
	MinVideoBytes = 5 * 1024 * 1024

	downloadTimeout = 30 * time.Minute
	probeTimeout    = 5 * time.Second
	termGrace       = 10 * time.Second
)

// formatSelector caps height at 1080, excludes HDR and the codecs the origin
// players choke on, and falls back to the best muxed stream.
const formatSelector = `bv*[height<=1080][dynamic_range!=HDR][vcodec!~'^(av01|vp09\.02)']+ba/b[height<=1080]`

// formatSort caps preferred resolution and prefers higher bitrate within it.
const formatSort = "res:1080,br"

// fragmentSuffixes mark downloader temp/fragment files that must never be
// promoted to upload and are removed when an attempt fails.
var fragmentSuffixes = []string{".part", ".ytdl", ".temp"}

var fragmentMarkers = []string{".part-", "part-Frag"}

// IdentityPool is the egress identity source consumed by the platform
// fetcher.
type IdentityPool interface {
	List(ctx context.Context) ([]domain.Identity, error)
	ReportResult(ctx context.Context, identityURL string, success bool, responseMS int64)
}

// UpdateHook refreshes the downloader binary before a pipeline run. Failures
// are logged and the download proceeds with the current binary.
type UpdateHook interface {
	EnsureFresh(ctx context.Context) error
}

// PlatformFetcher downloads by platform id through the external downloader
// binary, rotating through the egress identity pool when the platform
// throttles.
type PlatformFetcher struct {
	binary  string
	tempDir string
	pool    IdentityPool
	updater UpdateHook // optional
	logger  *slog.Logger
}

func NewPlatformFetcher(binary, tempDir string, pool IdentityPool, updater UpdateHook, logger *slog.Logger) *PlatformFetcher {
	return &PlatformFetcher{
		binary:  binary,
		tempDir: tempDir,
		pool:    pool,
		updater: updater,
		logger:  logger.With("component", "platform_fetcher"),
	}
}

func (f *PlatformFetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	if err := ensureDir(f.tempDir); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	if f.updater != nil {
		if err := f.updater.EnsureFresh(ctx); err != nil {
			f.logger.Warn("downloader update failed, using current binary", "error", err)
		}
	}

	quality := f.probe(ctx, req.SourceRef)
	req.emit(domain.Progress{
		Stage:           domain.StageDownloading,
		Percentage:      10,
		Message:         "Probed source formats",
		SelectedQuality: quality,
	})

	identities, err := f.pool.List(ctx)
	if err != nil || len(identities) == 0 {
		// Last resort: one attempt without a proxy.
		identities = []domain.Identity{{ID: domain.FallbackIdentityPrefix + "direct", URL: ""}}
	}

	var lastErr error
	for idx, identity := range identities {
		if err := context.Cause(ctx); err != nil {
			return nil, err
		}

		attempt := domain.EgressAttempt{
			IdentityURL:   identity.URL,
			AttemptNumber: idx + 1,
			StartedAt:     time.Now().UTC(),
		}

		result, attemptErr := f.attempt(ctx, req, identity, quality, idx, len(identities))

		ended := time.Now().UTC()
		attempt.EndedAt = &ended
		ms := ended.Sub(attempt.StartedAt).Milliseconds()
		attempt.ResponseMS = &ms
		attempt.Succeeded = attemptErr == nil
		if attemptErr != nil {
			attempt.Error = attemptErr.Error()
		}
		if req.EgressLog != nil {
			req.EgressLog(attempt)
		}
		f.pool.ReportResult(ctx, identity.URL, attemptErr == nil, ms)

		if attemptErr == nil {
			return result, nil
		}
		// The job itself was cancelled or timed out, not this identity.
		if errors.Is(attemptErr, context.Canceled) {
			return nil, context.Cause(ctx)
		}
		lastErr = attemptErr
		f.logger.Warn("egress identity failed",
			"identity", identity.ID, "attempt", idx+1, "total", len(identities), "error", attemptErr)
	}

	return nil, domain.NewImportError(domain.KindEgressExhausted, "all egress identities failed", lastErr)
}

// probe asks the downloader which format the selector would pick. Best
// effort: a probe failure never blocks the download.
func (f *PlatformFetcher) probe(ctx context.Context, sourceRef string) *domain.Quality {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := []string{
		"--no-download",
		"--no-playlist",
		"--quiet",
		"-f", formatSelector,
		"-S", formatSort,
		"--print", "%(format_id)s|%(resolution)s|%(fps)s|%(vcodec)s|%(acodec)s|%(format_note)s",
		sourceRef,
	}

	out, err := exec.CommandContext(pctx, f.binary, args...).Output()
	if err != nil {
		f.logger.Debug("pre-probe failed", "error", err)
		return nil
	}
	line, _, _ := strings.Cut(string(out), "\n")
	q, ok := ParseProbeLine(line)
	if !ok {
		return nil
	}
	return &q
}

func (f *PlatformFetcher) attempt(ctx context.Context, req Request, identity domain.Identity, quality *domain.Quality, idx, total int) (*Result, error) {
	prefix := nonce()
	outputTemplate := filepath.Join(f.tempDir, prefix+"-%(id)s.%(ext)s")

	args := []string{
		"--no-playlist",
		"--newline",
		"--restrict-filenames",
		"--socket-timeout", "30",
		"-f", formatSelector,
		"-S", formatSort,
		"--merge-output-format", "mp4",
		"-o", outputTemplate,
	}
	if identity.URL != "" {
		args = append(args, "--proxy", identity.URL)
	}
	args = append(args, req.SourceRef)

	// The child names its own output, so the whole nonce prefix is tracked
	// as a glob before the first byte lands; crash recovery expands it.
	req.registerTemp(filepath.Join(f.tempDir, prefix+"-*"))

	req.emit(domain.Progress{
		Stage:           domain.StageDownloading,
		Percentage:      rescalePercent(0, idx, total),
		Message:         describeIdentity(idx, total, identity.ID),
		SelectedQuality: quality,
	})

	runErr := f.runChild(ctx, args, func(line string) {
		if pct, ok := parsePercent(line); ok {
			req.emit(domain.Progress{
				Stage:           domain.StageDownloading,
				Percentage:      rescalePercent(pct, idx, total),
				Message:         describeIdentity(idx, total, identity.ID),
				SelectedQuality: quality,
			})
		}
		if quality != nil {
			quality.Merge(harvestQuality(line))
		}
	})
	if runErr != nil {
		f.cleanupFragments(prefix)
		return nil, runErr
	}

	path, size, err := f.findProduced(prefix)
	if err != nil {
		f.cleanupFragments(prefix)
		return nil, err
	}

	req.registerTemp(path)

	fileName := req.FileName
	if fileName == "" {
		fileName = strings.TrimPrefix(filepath.Base(path), prefix+"-")
	}
	return &Result{LocalPath: path, FileName: fileName, Size: size}, nil
}

// runChild spawns the downloader with line-buffered output. SIGTERM on
// cancellation, SIGKILL after the grace period.
func (f *PlatformFetcher) runChild(ctx context.Context, args []string, onLine func(string)) error {
	cctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, f.binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return domain.NewImportError(domain.KindSourceUnavailable, "start downloader", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	// Scanner errors mean the pipe broke; Wait reports the real cause.
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		if cctx.Err() != nil && ctx.Err() == nil {
			return domain.NewImportError(domain.KindChildTimeout, "downloader hit the 30 minute ceiling", nil)
		}
		if ctx.Err() != nil {
			return context.Canceled
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return domain.NewImportError(domain.ClassifyMessage(msg), firstLine(msg), err)
	}
	return nil
}

// findProduced locates the finished download for this attempt's nonce prefix
// and validates it is a real video, not a fragment or an error page.
func (f *PlatformFetcher) findProduced(prefix string) (string, int64, error) {
	entries, err := os.ReadDir(f.tempDir)
	if err != nil {
		return "", 0, fmt.Errorf("read temp dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix+"-") || isFragment(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() < MinVideoBytes {
			return "", 0, domain.NewImportError(domain.KindSourceUnavailable,
				fmt.Sprintf("produced file too small (%d bytes)", info.Size()), nil)
		}
		return filepath.Join(f.tempDir, name), info.Size(), nil
	}
	return "", 0, domain.NewImportError(domain.KindSourceUnavailable, "downloader produced no output file", nil)
}

// cleanupFragments removes everything this attempt left behind, fragments
// included.
func (f *PlatformFetcher) cleanupFragments(prefix string) {
	entries, err := os.ReadDir(f.tempDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix+"-") {
			_ = os.Remove(filepath.Join(f.tempDir, entry.Name()))
		}
	}
}

func isFragment(name string) bool {
	for _, suffix := range fragmentSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	for _, marker := range fragmentMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

var _ Fetcher = (*PlatformFetcher)(nil)
