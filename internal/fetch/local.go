package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/clipstash/importd/internal/domain"
)

// LocalFetcher accepts a path pre-staged by the resumable upload front-end.
// No network I/O: verify the file exists, stat it, report 100%.
type LocalFetcher struct {
	maxBytes int64
	logger   *slog.Logger
}

func NewLocalFetcher(maxBytes int64, logger *slog.Logger) *LocalFetcher {
	return &LocalFetcher{maxBytes: maxBytes, logger: logger.With("component", "local_fetcher")}
}

func (f *LocalFetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	info, err := os.Stat(req.SourceRef)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NewImportError(domain.KindSourceNotFound, "file not found", err)
		}
		return nil, fmt.Errorf("stat pre-staged file: %w", err)
	}
	if info.IsDir() {
		return nil, domain.NewImportError(domain.KindSourceInvalid, "pre-staged path is a directory", nil)
	}
	if info.Size() > f.maxBytes {
		return nil, domain.NewImportError(domain.KindSizeExceeded,
			fmt.Sprintf("file size %d exceeds limit %d", info.Size(), f.maxBytes), nil)
	}

	// The pre-staged file is owned by this job from here on, so it is
	// tracked and reclaimed like any other temp file.
	req.registerTemp(req.SourceRef)

	fileName := req.FileName
	if fileName == "" {
		fileName = filepath.Base(req.SourceRef)
	}

	req.emit(domain.Progress{Stage: domain.StageDownloading, Percentage: 100, Message: "Using pre-staged upload"})

	return &Result{LocalPath: req.SourceRef, FileName: fileName, Size: info.Size()}, nil
}

var _ Fetcher = (*LocalFetcher)(nil)
