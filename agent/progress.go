package agent

import (
	"time"

	"github.com/nanoclaw/nanoclaw/ipc"
)

// progressMaxSummary caps one progress summary.
const progressMaxSummary = 100

// progressEmitter writes throttled progress records for one run. Turns
// without a run (main-lane chat) emit nothing.
type progressEmitter struct {
	surface *ipc.Surface
	runID   string
	every   time.Duration
	last    time.Time
	seq     int64
}

func newProgressEmitter(surface *ipc.Surface, runID string, every time.Duration) *progressEmitter {
	return &progressEmitter{surface: surface, runID: runID, every: every}
}

func (p *progressEmitter) emit(phase, summary string) {
	if p.runID == "" {
		return
	}
	now := time.Now()
	if !p.last.IsZero() && now.Sub(p.last) < p.every {
		return
	}
	p.last = now
	p.seq++
	// Best effort: a lost progress record never fails the turn.
	p.surface.AppendProgress(ipc.ProgressRecord{
		RunID:   p.runID,
		TS:      now.Unix(),
		Seq:     p.seq,
		Phase:   phase,
		Summary: truncate(summary, progressMaxSummary),
	})
}
