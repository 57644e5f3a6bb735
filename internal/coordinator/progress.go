package coordinator

import (
	"sync"

	"github.com/JakeFAU/savedplaces/internal/metrics"
	"github.com/JakeFAU/savedplaces/internal/places"
)

// Snapshot is a point-in-time view of the current file.
type Snapshot struct {
	File      string       `json:"file"`
	Total     int          `json:"total"`
	Completed int          `json:"completed"`
	InFlight  int          `json:"in_flight"`
	Stats     places.Stats `json:"stats"`
}

// Progress aggregates unit outcomes for the ops listener. The zero value is
// ready to use.
type Progress struct {
	mu   sync.Mutex
	snap Snapshot
}

// StartFile resets the counters for a new source file.
func (p *Progress) StartFile(file string, total int) {
	p.mu.Lock()
	p.snap = Snapshot{File: file, Total: total}
	p.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *Progress) begin() {
	p.mu.Lock()
	p.snap.InFlight++
	p.mu.Unlock()
	metrics.IncInflight()
}

func (p *Progress) finish(outcome string) {
	p.mu.Lock()
	p.snap.InFlight--
	p.snap.Completed++
	record(&p.snap.Stats, outcome)
	p.mu.Unlock()
	metrics.DecInflight()
	metrics.ObservePlace(outcome)
}

func record(stats *places.Stats, outcome string) {
	switch outcome {
	case metrics.OutcomeSucceeded:
		stats.Succeeded++
	case metrics.OutcomeSkippedFresh:
		stats.SkippedFresh++
	case metrics.OutcomeFailed:
		stats.Failed++
	case metrics.OutcomeFiltered:
		stats.Filtered++
	}
}
