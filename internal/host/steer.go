package host

import (
	"context"
	"fmt"
	"time"

	"github.com/nanoclaw/nanoclaw"
	"github.com/nanoclaw/nanoclaw/ipc"
	"github.com/nanoclaw/nanoclaw/observer"
)

const (
	steerSweepInterval  = 2 * time.Second
	steerExpireInterval = time.Minute
)

// Steer injects an out-of-band message into a running run's turn. Only
// lanes that may dispatch may steer, and only running runs accept it.
func (h *Host) Steer(ctx context.Context, fromGroup, runID, message string) error {
	lane := nanoclaw.LaneForFolder(fromGroup)
	if lane != nanoclaw.LaneMain && lane != nanoclaw.LaneDeveloper {
		return fmt.Errorf("host: steer: lane %s may not steer", lane)
	}
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("host: steer %s: %w", runID, err)
	}
	if run.State != nanoclaw.RunRunning {
		return fmt.Errorf("host: steer %s: run is %s, not running", runID, run.State)
	}

	ev := nanoclaw.SteerEvent{
		SteerID:   nanoclaw.NewID(),
		RunID:     runID,
		FromGroup: fromGroup,
		Message:   message,
		SentAt:    nanoclaw.NowUnix(),
		Status:    nanoclaw.SteerPending,
	}
	if err := h.store.RecordSteer(ctx, ev); err != nil {
		return fmt.Errorf("host: steer %s: %w", runID, err)
	}
	if err := h.surface(run.TargetGroup).WriteSteer(ipc.SteerMessage{
		SteerID: ev.SteerID,
		RunID:   runID,
		Message: message,
		SentAt:  ev.SentAt,
	}); err != nil {
		return fmt.Errorf("host: steer %s: %w", runID, err)
	}
	if h.inst != nil {
		h.count(ctx, h.inst.SteerEvents, observer.AttrGroup.String(run.TargetGroup))
	}
	h.logger.Info("host: steer sent", "run_id", runID, "steer_id", ev.SteerID, "from", fromGroup)
	return nil
}

// sweepSteers collects agent acks for active runs and expires steers
// that were never acked.
func (h *Host) sweepSteers(ctx context.Context) {
	ack := time.NewTicker(steerSweepInterval)
	defer ack.Stop()
	expire := time.NewTicker(steerExpireInterval)
	defer expire.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ack.C:
			h.collectSteerAcks(ctx)
		case <-expire.C:
			h.expireSteers(ctx)
		}
	}
}

func (h *Host) collectSteerAcks(ctx context.Context) {
	for runID, ar := range h.snapshotActive() {
		ack, err := h.surface(ar.group.Folder).TakeSteerAck(runID)
		if err != nil {
			h.logger.Debug("host: steer ack read failed", "run_id", runID, "err", err)
			continue
		}
		if ack == nil {
			continue
		}
		applied, err := h.store.AckSteer(ctx, ack.SteerID, ack.AckedAt)
		if err != nil {
			h.logger.Warn("host: steer ack record failed", "steer_id", ack.SteerID, "err", err)
			continue
		}
		if applied {
			h.logger.Info("host: steer acked", "run_id", runID, "steer_id", ack.SteerID)
		}
	}
}

func (h *Host) expireSteers(ctx context.Context) {
	ttl := h.cfg.Steer.TTLSeconds
	if ttl <= 0 {
		return
	}
	n, err := h.store.ExpireSteers(ctx, nanoclaw.NowUnix()-ttl)
	if err != nil {
		h.logger.Warn("host: steer expiry failed", "err", err)
		return
	}
	if n > 0 {
		h.logger.Info("host: steers expired", "count", n)
	}
}
