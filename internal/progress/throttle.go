package progress

import (
	"sync"

	"github.com/clipstash/importd/internal/domain"
)

// Func consumes progress snapshots. Implementations may persist, mirror, or
// forward them; producers never wait on consumers.
type Func func(domain.Progress)

// Throttler decouples producers from consumers: Offer stores the latest
// snapshot and a single background goroutine delivers it. A slow consumer
// only ever costs skipped intermediate updates, never transfer stalls.
type Throttler struct {
	fn Func

	mu     sync.Mutex
	latest *domain.Progress

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewThrottler(fn Func) *Throttler {
	t := &Throttler{
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// Offer records p as the latest snapshot. Never blocks.
func (t *Throttler) Offer(p domain.Progress) {
	t.mu.Lock()
	t.latest = &p
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Close stops the delivery goroutine and, if final is non-nil, delivers it
// synchronously so the terminal snapshot is never lost.
func (t *Throttler) Close(final *domain.Progress) {
	close(t.done)
	t.wg.Wait()
	if final != nil {
		t.fn(*final)
	}
}

func (t *Throttler) run() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case <-t.notify:
			t.mu.Lock()
			p := t.latest
			t.latest = nil
			t.mu.Unlock()
			if p != nil {
				t.fn(*p)
			}
		}
	}
}

// ByteGate opens once per step bytes. Used by the uploader to hold progress
// callbacks to one per MiB transferred.
type ByteGate struct {
	step int64
	next int64
}

func NewByteGate(step int64) *ByteGate {
	return &ByteGate{step: step, next: step}
}

func (g *ByteGate) Open(transferred int64) bool {
	if transferred < g.next {
		return false
	}
	g.next = transferred + g.step
	return true
}

// PercentGate opens once per step percentage points.
type PercentGate struct {
	step float64
	last float64
}

func NewPercentGate(step float64) *PercentGate {
	return &PercentGate{step: step, last: -step}
}

func (g *PercentGate) Open(pct float64) bool {
	if pct-g.last < g.step {
		return false
	}
	g.last = pct
	return true
}

// Monotonic clamps percentages so they never decrease for as long as one
// instance is used. The worker's progress tracker takes a fresh instance per
// attempt and per stage, which is what resets it on retry and on a stage change.
type Monotonic struct {
	mu  sync.Mutex
	max float64
}

func (m *Monotonic) Clamp(pct float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pct > 100 {
		pct = 100
	}
	if pct < m.max {
		return m.max
	}
	m.max = pct
	return pct
}
