package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/fetch"
	"github.com/clipstash/importd/internal/progress"
	"github.com/clipstash/importd/internal/recovery"
	"github.com/clipstash/importd/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockJobs records every queue transition.
type mockJobs struct {
	mu           sync.Mutex
	completed    []*domain.ReturnValue
	failed       []string
	rescheduled  []string
	rescheduleAt []time.Time
	progresses   []domain.Progress
}

func (m *mockJobs) Submit(context.Context, *domain.Job) (*domain.Job, bool, error) {
	return nil, false, nil
}
func (m *mockJobs) GetByID(context.Context, string) (*domain.Job, error) { return nil, nil }
func (m *mockJobs) List(context.Context, repository.ListJobsInput) ([]*domain.Job, error) {
	return nil, nil
}
func (m *mockJobs) CountsByStatus(context.Context) (repository.StatusCounts, error) {
	return nil, nil
}
func (m *mockJobs) Delete(context.Context, string) error { return nil }
func (m *mockJobs) Lease(context.Context, string, int) ([]*domain.Job, error) {
	return nil, nil
}
func (m *mockJobs) UpdateHeartbeat(context.Context, string) error { return nil }
func (m *mockJobs) UpdateProgress(_ context.Context, _ string, p *domain.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progresses = append(m.progresses, *p)
	return nil
}
func (m *mockJobs) Complete(_ context.Context, _ string, rv *domain.ReturnValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, rv)
	return nil
}
func (m *mockJobs) FailTerminal(_ context.Context, _ string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, reason)
	return nil
}
func (m *mockJobs) Reschedule(_ context.Context, _ string, reason string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescheduled = append(m.rescheduled, reason)
	m.rescheduleAt = append(m.rescheduleAt, retryAt)
	return nil
}
func (m *mockJobs) Retry(context.Context, string) error { return nil }
func (m *mockJobs) ObserveStalled(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
func (m *mockJobs) RescheduleStalled(context.Context, int, int) (int, error) { return 0, nil }
func (m *mockJobs) FailStalled(context.Context, int, int) (int, error)       { return 0, nil }
func (m *mockJobs) DrainWaiting(context.Context) (int, error)                { return 0, nil }
func (m *mockJobs) Obliterate(context.Context) (int, error)                  { return 0, nil }
func (m *mockJobs) DeleteCompleted(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
func (m *mockJobs) DeleteFailed(context.Context, time.Time) (int, error) { return 0, nil }

type mockAttempts struct {
	mu     sync.Mutex
	opened []*domain.JobAttempt
	closed []string
}

func (m *mockAttempts) CreateAttempt(_ context.Context, a *domain.JobAttempt) (*domain.JobAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = "attempt-1"
	m.opened = append(m.opened, a)
	return a, nil
}
func (m *mockAttempts) CompleteAttempt(_ context.Context, id string, _, _ *string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, id)
	return nil
}
func (m *mockAttempts) ListByJob(context.Context, string) ([]*domain.JobAttempt, error) {
	return nil, nil
}

type mockLogs struct{}

func (mockLogs) Append(context.Context, string, string) error { return nil }
func (mockLogs) List(context.Context, string) ([]string, error) {
	return nil, nil
}
func (mockLogs) Purge(context.Context, string) error { return nil }

type mockQueueState struct{ paused bool }

func (m *mockQueueState) SetPaused(_ context.Context, p bool) error { m.paused = p; return nil }
func (m *mockQueueState) IsPaused(context.Context) (bool, error)    { return m.paused, nil }

// mockMirrorRepo is an in-memory recovery store.
type mockMirrorRepo struct {
	mu     sync.Mutex
	states map[string]*domain.RecoveryState
}

func newMockMirrorRepo() *mockMirrorRepo {
	return &mockMirrorRepo{states: make(map[string]*domain.RecoveryState)}
}

func (m *mockMirrorRepo) Put(_ context.Context, s *domain.RecoveryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.states[s.JobID] = &cp
	return nil
}
func (m *mockMirrorRepo) Get(_ context.Context, jobID string) (*domain.RecoveryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *s
	return &cp, nil
}
func (m *mockMirrorRepo) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, jobID)
	return nil
}
func (m *mockMirrorRepo) Heartbeat(ctx context.Context, jobID string) error {
	s, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return m.Put(ctx, s)
}
func (m *mockMirrorRepo) AddTempFile(ctx context.Context, jobID, path string) error {
	s, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	s.TempFiles = append(s.TempFiles, path)
	return m.Put(ctx, s)
}
func (m *mockMirrorRepo) MarkStalled(ctx context.Context, jobID string) error {
	s, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	s.Status = domain.StatusStalled
	return m.Put(ctx, s)
}
func (m *mockMirrorRepo) List(context.Context) ([]*domain.RecoveryState, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RecoveryState
	for _, s := range m.states {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil, nil
}
func (m *mockMirrorRepo) DeleteKey(context.Context, string) error { return nil }

type fetchFunc func(ctx context.Context, req fetch.Request) (*fetch.Result, error)

func (f fetchFunc) Fetch(ctx context.Context, req fetch.Request) (*fetch.Result, error) {
	return f(ctx, req)
}

type mockUploader struct {
	mu      sync.Mutex
	objects []string
	err     error
}

func (m *mockUploader) Upload(_ context.Context, _ string, objectName string, onProgress progress.Func) (string, error) {
	m.mu.Lock()
	m.objects = append(m.objects, objectName)
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if onProgress != nil {
		onProgress(domain.Progress{Stage: domain.StageUploading, Percentage: 100})
	}
	return "https://cdn.example.com/" + objectName, nil
}

func (m *mockUploader) VerifyCDNAccess(context.Context, string) bool { return true }

type mockCatalog struct {
	mu       sync.Mutex
	created  int
	updated  int
	retried  int
	failures int
}

func (m *mockCatalog) Enabled() bool { return true }
func (m *mockCatalog) CreateVideo(context.Context, string, string, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	return nil
}
func (m *mockCatalog) UpdateSourceLink(context.Context, string, string, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated++
	return nil
}
func (m *mockCatalog) ReportImportSuccess(context.Context, string, string, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried++
	return nil
}
func (m *mockCatalog) ReportImportFailure(context.Context, string, string, string, string, int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return nil
}

type harness struct {
	jobs     *mockJobs
	attempts *mockAttempts
	mirror   *mockMirrorRepo
	uploader *mockUploader
	catalog  *mockCatalog
	worker   *Worker
}

func newHarness(t *testing.T, fetcher fetch.Fetcher) *harness {
	t.Helper()
	h := &harness{
		jobs:     &mockJobs{},
		attempts: &mockAttempts{},
		mirror:   newMockMirrorRepo(),
		uploader: &mockUploader{},
		catalog:  &mockCatalog{},
	}
	h.worker = New(
		h.jobs, h.attempts, mockLogs{}, &mockQueueState{},
		recovery.NewMirror(h.mirror, testLogger()),
		map[domain.SourceKind]fetch.Fetcher{domain.SourceLocal: fetcher, domain.SourceURL: fetcher},
		h.uploader, h.catalog, NewCancelRegistry(), testLogger(),
		10*time.Millisecond, time.Minute, 1,
	)
	return h
}

func stagedFetcher(t *testing.T, size int) fetch.Fetcher {
	t.Helper()
	return fetchFunc(func(_ context.Context, req fetch.Request) (*fetch.Result, error) {
		path := filepath.Join(t.TempDir(), "staged.mp4")
		if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
			return nil, err
		}
		req.RegisterTemp(path)
		if req.Progress != nil {
			req.Progress(domain.Progress{Stage: domain.StageDownloading, Percentage: 100})
		}
		return &fetch.Result{LocalPath: path, FileName: "staged.mp4", Size: int64(size)}, nil
	})
}

func baseJob() *domain.Job {
	return &domain.Job{
		ID:          "req-1",
		SourceKind:  domain.SourceLocal,
		SourceRef:   "/tmp/whatever",
		Status:      domain.StatusActive,
		MaxAttempts: 3,
		EnqueuedAt:  time.Now(),
	}
}

func TestRunJobSuccessCreatesCatalogRecord(t *testing.T) {
	h := newHarness(t, stagedFetcher(t, 2048))
	job := baseJob()

	h.worker.runJob(t.Context(), job)

	if len(h.jobs.completed) != 1 {
		t.Fatalf("completed = %d, want exactly one", len(h.jobs.completed))
	}
	rv := h.jobs.completed[0]
	if rv.Size != 2048 || rv.FileName != "staged.mp4" {
		t.Fatalf("return value = %+v", rv)
	}
	if len(h.jobs.failed) != 0 || len(h.jobs.rescheduled) != 0 {
		t.Fatalf("terminal transitions leaked: failed=%v rescheduled=%v", h.jobs.failed, h.jobs.rescheduled)
	}

	// No catalog id: exactly one create, nothing else.
	if h.catalog.created != 1 || h.catalog.updated != 0 || h.catalog.retried != 0 || h.catalog.failures != 0 {
		t.Fatalf("catalog calls: %+v", h.catalog)
	}

	// Object name carries the nonce: basename-<8 chars><ext>.
	if len(h.uploader.objects) != 1 {
		t.Fatalf("uploads = %d", len(h.uploader.objects))
	}
	if ok, _ := regexp.MatchString(`^staged-[0-9a-f]{8}\.mp4$`, h.uploader.objects[0]); !ok {
		t.Fatalf("object name = %q", h.uploader.objects[0])
	}

	// The mirror record is gone.
	if _, err := h.mirror.Get(t.Context(), job.ID); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatal("recovery record not released")
	}
}

func TestRunJobSuccessRemovesTempFile(t *testing.T) {
	var tempPath string
	fetcher := fetchFunc(func(_ context.Context, req fetch.Request) (*fetch.Result, error) {
		tempPath = filepath.Join(t.TempDir(), "tracked.mp4")
		if err := os.WriteFile(tempPath, []byte("data"), 0o644); err != nil {
			return nil, err
		}
		req.RegisterTemp(tempPath)
		return &fetch.Result{LocalPath: tempPath, FileName: "tracked.mp4", Size: 4}, nil
	})

	h := newHarness(t, fetcher)
	h.worker.runJob(t.Context(), baseJob())

	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatalf("temp file survived completion: %v", err)
	}
}

func TestRunJobSuccessCatalogMatrix(t *testing.T) {
	catID := "cat-1"

	// First-attempt success on an existing record: source-link update.
	h := newHarness(t, stagedFetcher(t, 128))
	job := baseJob()
	job.CatalogID = &catID
	h.worker.runJob(t.Context(), job)
	if h.catalog.updated != 1 || h.catalog.created != 0 || h.catalog.retried != 0 {
		t.Fatalf("first-attempt success: %+v", h.catalog)
	}

	// Later-attempt success: retry report.
	h = newHarness(t, stagedFetcher(t, 128))
	job = baseJob()
	job.CatalogID = &catID
	job.AttemptsMade = 2
	h.worker.runJob(t.Context(), job)
	if h.catalog.retried != 1 || h.catalog.updated != 0 || h.catalog.created != 0 {
		t.Fatalf("retry success: %+v", h.catalog)
	}
}

func TestRunJobRetryableFailureReschedules(t *testing.T) {
	fetcher := fetchFunc(func(context.Context, fetch.Request) (*fetch.Result, error) {
		return nil, domain.NewImportError(domain.KindSourceUnavailable, "upstream 503", nil)
	})

	h := newHarness(t, fetcher)
	start := time.Now()
	h.worker.runJob(t.Context(), baseJob()) // attempts 0 of 3

	if len(h.jobs.rescheduled) != 1 {
		t.Fatalf("rescheduled = %d, want 1", len(h.jobs.rescheduled))
	}
	if len(h.jobs.failed) != 0 || len(h.jobs.completed) != 0 {
		t.Fatal("retryable failure must not be terminal")
	}
	// First retry is re-armed roughly base seconds out.
	delay := h.jobs.rescheduleAt[0].Sub(start)
	if delay < 4*time.Second || delay > 7*time.Second {
		t.Fatalf("first retry delay = %s, want about 5s", delay)
	}
	if h.catalog.failures != 0 {
		t.Fatal("catalog notified for a non-terminal failure")
	}
}

func TestRunJobExhaustedAttemptsFailTerminally(t *testing.T) {
	fetcher := fetchFunc(func(context.Context, fetch.Request) (*fetch.Result, error) {
		return nil, domain.NewImportError(domain.KindSourceUnavailable, "upstream 503", nil)
	})

	h := newHarness(t, fetcher)
	catID := "cat-2"
	job := baseJob()
	job.CatalogID = &catID
	job.AttemptsMade = 2 // this is attempt 3 of 3

	h.worker.runJob(t.Context(), job)

	if len(h.jobs.failed) != 1 || len(h.jobs.rescheduled) != 0 {
		t.Fatalf("failed=%v rescheduled=%v", h.jobs.failed, h.jobs.rescheduled)
	}
	if h.catalog.failures != 1 {
		t.Fatalf("failure webhooks = %d, want exactly one", h.catalog.failures)
	}
}

func TestRunJobPermanentFailureSkipsRetry(t *testing.T) {
	fetcher := fetchFunc(func(context.Context, fetch.Request) (*fetch.Result, error) {
		return nil, domain.NewImportError(domain.KindSourceDenied, "file is not a video (mime application/pdf)", nil)
	})

	h := newHarness(t, fetcher)
	h.worker.runJob(t.Context(), baseJob()) // first attempt, budget remaining

	if len(h.jobs.rescheduled) != 0 {
		t.Fatal("permanent failure was retried")
	}
	if len(h.jobs.failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(h.jobs.failed))
	}
	// No catalog id on the job: no failure webhook either.
	if h.catalog.failures != 0 {
		t.Fatal("failure webhook without catalog id")
	}
}

func TestRunJobManualKill(t *testing.T) {
	var tempPath string
	started := make(chan struct{})
	fetcher := fetchFunc(func(ctx context.Context, req fetch.Request) (*fetch.Result, error) {
		tempPath = filepath.Join(t.TempDir(), "partial.mp4")
		_ = os.WriteFile(tempPath, []byte("partial"), 0o644)
		req.RegisterTemp(tempPath)
		close(started)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	})

	h := newHarness(t, fetcher)
	job := baseJob()

	done := make(chan struct{})
	go func() {
		h.worker.runJob(t.Context(), job)
		close(done)
	}()

	<-started
	if !h.worker.registry.Kill(job.ID, domain.ErrManualKill) {
		t.Fatal("job not registered for cancellation")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("kill did not interrupt the job")
	}

	if len(h.jobs.failed) != 1 || h.jobs.failed[0] != "manually killed" {
		t.Fatalf("failed = %v, want [manually killed]", h.jobs.failed)
	}
	// Manual kills never reach the catalog.
	if h.catalog.failures != 0 || h.catalog.created != 0 {
		t.Fatalf("catalog notified on manual kill: %+v", h.catalog)
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatal("temp file survived manual kill")
	}
}

func TestRunJobProgressMonotonicWithinStage(t *testing.T) {
	fetcher := fetchFunc(func(_ context.Context, req fetch.Request) (*fetch.Result, error) {
		path := filepath.Join(t.TempDir(), "s.mp4")
		_ = os.WriteFile(path, []byte("x"), 0o644)
		req.RegisterTemp(path)
		// Deliberately regressing emissions.
		req.Progress(domain.Progress{Stage: domain.StageDownloading, Percentage: 40})
		req.Progress(domain.Progress{Stage: domain.StageDownloading, Percentage: 10})
		req.Progress(domain.Progress{Stage: domain.StageDownloading, Percentage: 80})
		return &fetch.Result{LocalPath: path, FileName: "s.mp4", Size: 1}, nil
	})

	h := newHarness(t, fetcher)
	h.worker.runJob(t.Context(), baseJob())

	// Non-decreasing within each stage; a stage change may start over.
	last := -1.0
	var stage domain.Stage
	for _, p := range h.jobs.progresses {
		if p.Stage != stage {
			stage = p.Stage
			last = -1.0
		}
		if p.Percentage < last {
			t.Fatalf("progress regressed within %s: %f after %f", stage, p.Percentage, last)
		}
		last = p.Percentage
	}
	final := h.jobs.progresses[len(h.jobs.progresses)-1]
	if final.Percentage != 100 {
		t.Fatalf("final progress = %f, want 100", final.Percentage)
	}
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		prior int
		want  time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := retryDelay(tc.prior); got != tc.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tc.prior, got, tc.want)
		}
	}
}

func TestBuildObjectName(t *testing.T) {
	name := buildObjectName("movie.mp4")
	if ok, _ := regexp.MatchString(`^movie-[0-9a-f]{8}\.mp4$`, name); !ok {
		t.Fatalf("object name = %q", name)
	}
	if buildObjectName("a.mp4") == buildObjectName("a.mp4") {
		t.Fatal("nonce does not vary")
	}
	if ok, _ := regexp.MatchString(`^video-[0-9a-f]{8}$`, buildObjectName("")); !ok {
		t.Fatal("empty name fallback missing")
	}
}
