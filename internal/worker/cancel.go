package worker

import (
	"context"
	"sync"
)

// CancelRegistry maps active job ids to their cancel functions so kill
// requests reach the owning goroutine.
type CancelRegistry struct {
	mu sync.Mutex
	m  map[string]context.CancelCauseFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{m: make(map[string]context.CancelCauseFunc)}
}

func (r *CancelRegistry) Register(jobID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	r.m[jobID] = cancel
	r.mu.Unlock()
}

func (r *CancelRegistry) Unregister(jobID string) {
	r.mu.Lock()
	delete(r.m, jobID)
	r.mu.Unlock()
}

// Kill cancels the job's context with cause. Returns false when no worker in
// this process owns the job.
func (r *CancelRegistry) Kill(jobID string, cause error) bool {
	r.mu.Lock()
	cancel, ok := r.m[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel(cause)
	return true
}
