package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/progress"
	"github.com/google/uuid"
)

// Request is the shared fetch contract. RegisterTemp must be called for every
// allocated temp path before the first byte is written so crash recovery can
// reclaim it.
type Request struct {
	JobID        string
	SourceRef    string
	FileName     string // optional hint, wins over derived names
	Progress     progress.Func
	RegisterTemp func(path string)
	EgressLog    func(domain.EgressAttempt)
}

type Result struct {
	LocalPath string
	FileName  string
	Size      int64
}

// Fetcher produces a local file for one source kind.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}

func (r Request) emit(p domain.Progress) {
	if r.Progress != nil {
		r.Progress(p)
	}
}

func (r Request) registerTemp(path string) {
	if r.RegisterTemp != nil {
		r.RegisterTemp(path)
	}
}

// nonce returns the 8-char collision-avoidance prefix used for every temp
// file and destination object name.
func nonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// tempPath builds a nonce-prefixed path inside dir so concurrent workers
// never collide in the shared temp directory.
func tempPath(dir, name string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s", nonce(), sanitizeName(name)))
}

func sanitizeName(name string) string {
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "download"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
