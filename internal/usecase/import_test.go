package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/repository"
)

// stubJobs lets each test override just the calls it cares about.
type stubJobs struct {
	submit       func(ctx context.Context, job *domain.Job) (*domain.Job, bool, error)
	getByID      func(ctx context.Context, id string) (*domain.Job, error)
	retry        func(ctx context.Context, id string) error
	failTerminal func(ctx context.Context, id, reason string) error
	obliterate   func(ctx context.Context) (int, error)
}

func (s *stubJobs) Submit(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	return s.submit(ctx, job)
}
func (s *stubJobs) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	return s.getByID(ctx, id)
}
func (s *stubJobs) List(context.Context, repository.ListJobsInput) ([]*domain.Job, error) {
	return nil, nil
}
func (s *stubJobs) CountsByStatus(context.Context) (repository.StatusCounts, error) {
	return nil, nil
}
func (s *stubJobs) Delete(context.Context, string) error { return nil }
func (s *stubJobs) Lease(context.Context, string, int) ([]*domain.Job, error) {
	return nil, nil
}
func (s *stubJobs) UpdateHeartbeat(context.Context, string) error                  { return nil }
func (s *stubJobs) UpdateProgress(context.Context, string, *domain.Progress) error { return nil }
func (s *stubJobs) Complete(context.Context, string, *domain.ReturnValue) error    { return nil }
func (s *stubJobs) FailTerminal(ctx context.Context, id, reason string) error {
	if s.failTerminal != nil {
		return s.failTerminal(ctx, id, reason)
	}
	return nil
}
func (s *stubJobs) Reschedule(context.Context, string, string, time.Time) error { return nil }
func (s *stubJobs) Retry(ctx context.Context, id string) error {
	if s.retry != nil {
		return s.retry(ctx, id)
	}
	return nil
}
func (s *stubJobs) ObserveStalled(context.Context, time.Time, int) (int, error) { return 0, nil }
func (s *stubJobs) RescheduleStalled(context.Context, int, int) (int, error)    { return 0, nil }
func (s *stubJobs) FailStalled(context.Context, int, int) (int, error)          { return 0, nil }
func (s *stubJobs) DrainWaiting(context.Context) (int, error)                   { return 0, nil }
func (s *stubJobs) Obliterate(ctx context.Context) (int, error) {
	if s.obliterate != nil {
		return s.obliterate(ctx)
	}
	return 0, nil
}
func (s *stubJobs) DeleteCompleted(context.Context, time.Time, int) (int, error) { return 0, nil }
func (s *stubJobs) DeleteFailed(context.Context, time.Time) (int, error)         { return 0, nil }

type stubAttempts struct{}

func (stubAttempts) CreateAttempt(_ context.Context, a *domain.JobAttempt) (*domain.JobAttempt, error) {
	return a, nil
}
func (stubAttempts) CompleteAttempt(context.Context, string, *string, *string, int64) error {
	return nil
}
func (stubAttempts) ListByJob(context.Context, string) ([]*domain.JobAttempt, error) {
	return nil, nil
}

type stubLogs struct{ lines []string }

func (l *stubLogs) Append(_ context.Context, _ string, line string) error {
	l.lines = append(l.lines, line)
	return nil
}
func (l *stubLogs) List(context.Context, string) ([]string, error) { return l.lines, nil }
func (l *stubLogs) Purge(context.Context, string) error            { l.lines = nil; return nil }

type stubQueueState struct{ paused bool }

func (s *stubQueueState) SetPaused(_ context.Context, p bool) error { s.paused = p; return nil }
func (s *stubQueueState) IsPaused(context.Context) (bool, error)    { return s.paused, nil }

type stubKiller struct{ killed []string }

func (k *stubKiller) Kill(jobID string, _ error) bool {
	k.killed = append(k.killed, jobID)
	return len(k.killed) > 0
}

func newUsecase(jobs *stubJobs, killer Killer) (*ImportUsecase, *stubLogs, *stubQueueState) {
	logs := &stubLogs{}
	state := &stubQueueState{}
	return NewImportUsecase(jobs, stubAttempts{}, logs, state, killer, 3), logs, state
}

func TestSubmitValidation(t *testing.T) {
	u, _, _ := newUsecase(&stubJobs{}, nil)

	cases := []SubmitInput{
		{SourceKind: domain.SourceURL, SourceRef: "https://x"},              // missing request id
		{RequestID: "r", SourceKind: "torrent", SourceRef: "magnet:?x"},     // bad kind
		{RequestID: "r", SourceKind: domain.SourceURL},                      // missing ref
	}
	for i, input := range cases {
		if _, err := u.Submit(t.Context(), input); err == nil {
			t.Errorf("case %d accepted: %+v", i, input)
		}
	}
}

func TestSubmitDefaultsAndLog(t *testing.T) {
	var captured *domain.Job
	jobs := &stubJobs{
		submit: func(_ context.Context, job *domain.Job) (*domain.Job, bool, error) {
			captured = job
			return job, true, nil
		},
	}
	u, logs, _ := newUsecase(jobs, nil)

	job, err := u.Submit(t.Context(), SubmitInput{
		RequestID:  "req-1",
		SourceKind: domain.SourceLocal,
		SourceRef:  "/tmp/staged",
		CatalogID:  "cat-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d", job.MaxAttempts)
	}
	if captured.FileName != nil {
		t.Fatal("empty file name must stay nil")
	}
	if *captured.CatalogID != "cat-1" {
		t.Fatalf("catalog id = %v", captured.CatalogID)
	}
	if len(logs.lines) != 1 {
		t.Fatalf("submit log lines = %d", len(logs.lines))
	}
}

func TestSubmitIdempotentSkipsLog(t *testing.T) {
	existing := &domain.Job{ID: "req-1", Status: domain.StatusActive}
	jobs := &stubJobs{
		submit: func(context.Context, *domain.Job) (*domain.Job, bool, error) {
			return existing, false, nil
		},
	}
	u, logs, _ := newUsecase(jobs, nil)

	job, err := u.Submit(t.Context(), SubmitInput{
		RequestID: "req-1", SourceKind: domain.SourceURL, SourceRef: "https://x",
	})
	if err != nil {
		t.Fatal(err)
	}
	if job != existing {
		t.Fatal("existing job not returned")
	}
	if len(logs.lines) != 0 {
		t.Fatal("resubmission logged as new")
	}
}

func TestKillRoutesToOwningWorker(t *testing.T) {
	jobs := &stubJobs{
		getByID: func(context.Context, string) (*domain.Job, error) {
			return &domain.Job{ID: "req-1", Status: domain.StatusActive}, nil
		},
	}
	killer := &stubKiller{}
	u, _, _ := newUsecase(jobs, killer)

	if err := u.Kill(t.Context(), "req-1"); err != nil {
		t.Fatal(err)
	}
	if len(killer.killed) != 1 || killer.killed[0] != "req-1" {
		t.Fatalf("killed = %v", killer.killed)
	}
}

func TestKillWithoutOwnerFailsDirectly(t *testing.T) {
	var failedWith string
	jobs := &stubJobs{
		getByID: func(context.Context, string) (*domain.Job, error) {
			return &domain.Job{ID: "req-1", Status: domain.StatusActive}, nil
		},
		failTerminal: func(_ context.Context, _ string, reason string) error {
			failedWith = reason
			return nil
		},
	}
	u, _, _ := newUsecase(jobs, nil)

	if err := u.Kill(t.Context(), "req-1"); err != nil {
		t.Fatal(err)
	}
	if failedWith != "manually killed" {
		t.Fatalf("reason = %q", failedWith)
	}
}

func TestKillNonActive(t *testing.T) {
	jobs := &stubJobs{
		getByID: func(context.Context, string) (*domain.Job, error) {
			return &domain.Job{ID: "req-1", Status: domain.StatusWaiting}, nil
		},
	}
	u, _, _ := newUsecase(jobs, nil)

	if err := u.Kill(t.Context(), "req-1"); !errors.Is(err, domain.ErrJobNotActive) {
		t.Fatalf("err = %v, want ErrJobNotActive", err)
	}
}

func TestObliterateRequiresForce(t *testing.T) {
	called := false
	jobs := &stubJobs{
		obliterate: func(context.Context) (int, error) { called = true; return 7, nil },
	}
	u, _, _ := newUsecase(jobs, nil)

	if _, err := u.Obliterate(t.Context(), false); err == nil || called {
		t.Fatal("obliterate ran without force")
	}
	n, err := u.Obliterate(t.Context(), true)
	if err != nil || n != 7 || !called {
		t.Fatalf("forced obliterate: n=%d err=%v", n, err)
	}
}

func TestPauseResume(t *testing.T) {
	u, _, state := newUsecase(&stubJobs{}, nil)

	if err := u.Pause(t.Context()); err != nil || !state.paused {
		t.Fatal("pause not persisted")
	}
	if err := u.Resume(t.Context()); err != nil || state.paused {
		t.Fatal("resume not persisted")
	}
}
