package host

import (
	"context"
	"fmt"
	"time"
)

// progressInterval is how often the host drains per-run progress files
// and forwards them to the dispatching chat.
const progressInterval = 2 * time.Second

// forwardProgress polls every active run's progress directory and turns
// each record into a "[run_id] ↻ summary" chat line plus a store mirror.
// Best-effort throughout: a missed tick never affects the run.
func (h *Host) forwardProgress(ctx context.Context) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for runID, ar := range h.snapshotActive() {
			recs, err := h.surface(ar.group.Folder).DrainProgress(runID)
			if err != nil {
				h.logger.Debug("host: progress drain failed", "run_id", runID, "err", err)
				continue
			}
			for _, rec := range recs {
				if err := h.store.RecordProgress(ctx, runID, rec.Summary, rec.TS); err != nil {
					h.logger.Debug("host: progress record failed", "run_id", runID, "err", err)
				}
				h.notify(ctx, ar.originChat, fmt.Sprintf("[%s] ↻ %s", runID, rec.Summary))
			}
		}
	}
}
