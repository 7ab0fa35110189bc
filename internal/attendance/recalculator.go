package attendance

import (
	"context"
	"log"
	"sync"
	"time"

	"gitea.jw6.us/james/beaconattend/internal/metrics"
)

// EventRecalculator recomputes every summary of an event.
type EventRecalculator interface {
	RecalculateEvent(ctx context.Context, eventID string) (*RecalcReport, error)
}

// Recalculator runs event recalculations in the background. An event already
// waiting in the queue is not queued twice.
type Recalculator struct {
	svc     EventRecalculator
	timeout time.Duration

	queue chan string

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewRecalculator creates a recalculator with room for size queued events.
func NewRecalculator(svc EventRecalculator, size int, timeout time.Duration) *Recalculator {
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Recalculator{
		svc:     svc,
		timeout: timeout,
		queue:   make(chan string, size),
		pending: make(map[string]struct{}),
	}
}

// Enqueue schedules eventIDs for recalculation. It never blocks; events that
// do not fit in the queue are dropped and logged.
func (r *Recalculator) Enqueue(eventIDs ...string) {
	for _, id := range eventIDs {
		r.mu.Lock()
		if _, ok := r.pending[id]; ok {
			r.mu.Unlock()
			continue
		}
		select {
		case r.queue <- id:
			r.pending[id] = struct{}{}
		default:
			metrics.RecalcDropped()
			log.Printf("[WARN] recalculation queue full, dropping event %s", id)
		}
		r.mu.Unlock()
	}
	metrics.SetRecalcQueueDepth(len(r.queue))
}

// Run processes queued events until ctx is cancelled, then drains what is
// left in the queue before returning.
func (r *Recalculator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case id := <-r.queue:
			r.process(context.WithoutCancel(ctx), id)
		}
	}
}

func (r *Recalculator) drain() {
	for {
		select {
		case id := <-r.queue:
			r.process(context.Background(), id)
		default:
			return
		}
	}
}

func (r *Recalculator) process(parent context.Context, eventID string) {
	r.mu.Lock()
	delete(r.pending, eventID)
	r.mu.Unlock()
	metrics.SetRecalcQueueDepth(len(r.queue))

	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	report, err := r.svc.RecalculateEvent(ctx, eventID)
	if err != nil {
		log.Printf("[ERROR] recalculate event %s: %v", eventID, err)
		return
	}
	for _, f := range report.Failures {
		log.Printf("[WARN] recalculate user %s for event %s: %v", f.UserID, eventID, f.Err)
	}
	log.Printf("[INFO] recalculated event %s: %d ok, %d failed", eventID, len(report.Successes), len(report.Failures))
}
