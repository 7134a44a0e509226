package worker

import (
	"context"
	"sync"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/metrics"
	"github.com/clipstash/importd/internal/progress"
)

// progressTracker fans one attempt's progress out to the queue snapshot and
// the recovery mirror. It clamps percentages monotonic within each stage of
// the attempt and carries the egress attempt list and selected quality across
// emissions.
type progressTracker struct {
	ctx   context.Context
	w     *Worker
	jobID string
	mono  *progress.Monotonic

	mu      sync.Mutex
	stage   domain.Stage
	egress  []domain.EgressAttempt
	quality *domain.Quality
}

func newProgressTracker(ctx context.Context, w *Worker, jobID string) *progressTracker {
	return &progressTracker{ctx: ctx, w: w, jobID: jobID, mono: &progress.Monotonic{}}
}

func (t *progressTracker) emit(p domain.Progress) {
	t.mu.Lock()
	// Percentages are monotonic within a stage; each stage starts over.
	if p.Stage != t.stage {
		t.stage = p.Stage
		t.mono = &progress.Monotonic{}
	}
	mono := t.mono
	t.mu.Unlock()
	p.Percentage = mono.Clamp(p.Percentage)

	t.mu.Lock()
	if p.SelectedQuality != nil {
		t.quality = p.SelectedQuality
	} else {
		p.SelectedQuality = t.quality
	}
	p.EgressAttempts = append([]domain.EgressAttempt(nil), t.egress...)
	t.mu.Unlock()

	// Progress persistence is advisory; a failed write never fails the job.
	_ = t.w.jobs.UpdateProgress(t.ctx, t.jobID, &p)
	t.w.mirror.UpdateProgress(t.ctx, t.jobID, &p)
}

func (t *progressTracker) addEgressAttempt(a domain.EgressAttempt) {
	t.mu.Lock()
	t.egress = append(t.egress, a)
	t.mu.Unlock()

	result := "failure"
	if a.Succeeded {
		result = "success"
	}
	metrics.EgressAttemptsTotal.WithLabelValues(result).Inc()
}

func (t *progressTracker) egressAttempts() []domain.EgressAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.EgressAttempt(nil), t.egress...)
}
