package orchestration

import (
	"sync"
	"time"
)

// ProgressSnapshot is an immutable view of plan progress taken after a state
// transition.
type ProgressSnapshot struct {
	PlanID    string                 `json:"plan_id"`
	Total     int                    `json:"total"`
	Completed int                    `json:"completed"`
	Failed    int                    `json:"failed"`
	Running   int                    `json:"running"`
	Pending   int                    `json:"pending"`
	Blocked   int                    `json:"blocked"`
	Current   string                 `json:"current,omitempty"`
	Percent   float64                `json:"percent"`
	Statuses  map[string]TrackStatus `json:"statuses"`
	Timestamp time.Time              `json:"timestamp"`
}

// Done reports whether every track reached a terminal status.
func (s ProgressSnapshot) Done() bool {
	return s.Total > 0 && s.Completed+s.Failed == s.Total
}

func newSnapshot(plan *Plan, current string) ProgressSnapshot {
	snap := ProgressSnapshot{
		PlanID:    plan.ID,
		Total:     len(plan.Tracks),
		Current:   current,
		Statuses:  make(map[string]TrackStatus, len(plan.Tracks)),
		Timestamp: time.Now(),
	}
	for _, t := range plan.Tracks {
		status := t.Status()
		snap.Statuses[t.ID] = status
		switch status {
		case TrackStatusCompleted, TrackStatusMerged:
			snap.Completed++
		case TrackStatusFailed:
			snap.Failed++
		case TrackStatusInProgress:
			snap.Running++
		case TrackStatusBlocked:
			snap.Blocked++
		default:
			snap.Pending++
		}
	}
	if snap.Total > 0 {
		snap.Percent = float64(snap.Completed+snap.Failed) * 100 / float64(snap.Total)
	}
	return snap
}

// progressBroadcaster fans snapshots out to subscribers. Each subscriber has
// a one-slot buffer holding the latest snapshot; slow readers skip
// intermediate ones.
type progressBroadcaster struct {
	mu     sync.Mutex
	subs   []chan ProgressSnapshot
	latest ProgressSnapshot
	closed bool
}

func (b *progressBroadcaster) subscribe() <-chan ProgressSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan ProgressSnapshot, 1)
	if b.latest.Total > 0 {
		ch <- b.latest
	}
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *progressBroadcaster) publish(snap ProgressSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = snap
	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (b *progressBroadcaster) snapshot() ProgressSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

func (b *progressBroadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
