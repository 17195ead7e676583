package host

import (
	"context"
	"time"

	"github.com/nanoclaw/nanoclaw"
)

const schedulerInterval = time.Minute

// runScheduler polls for due scheduled tasks and enqueues each as a
// synthetic message in its group's queue. Tasks are one-shot: marking a
// task run with a zero next-due time deletes it.
func (h *Host) runScheduler(ctx context.Context) {
	for {
		h.schedulerTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(schedulerInterval):
		}
	}
}

func (h *Host) schedulerTick(ctx context.Context) {
	now := nanoclaw.NowUnix()
	tasks, err := h.store.DueScheduledTasks(ctx, now)
	if err != nil {
		h.logger.Error("host: due tasks fetch failed", "err", err)
		return
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		g, ok := h.Group(t.GroupFolder)
		if !ok {
			h.logger.Warn("host: scheduled task for unknown group",
				"task_id", t.ID, "group", t.GroupFolder)
			continue
		}
		// Mark before enqueue so a slow turn cannot re-fire the task.
		if err := h.store.MarkScheduledTaskRun(ctx, t.ID, now, 0); err != nil {
			h.logger.Error("host: scheduled task mark failed", "task_id", t.ID, "err", err)
			continue
		}
		if _, err := h.store.InsertMessage(ctx, nanoclaw.Message{
			ChatJID:     g.ChatJID,
			GroupFolder: g.Folder,
			Sender:      senderScheduler,
			Body:        t.Prompt,
			ReceivedAt:  now,
		}); err != nil {
			h.logger.Error("host: scheduled task enqueue failed", "task_id", t.ID, "err", err)
			continue
		}
		h.queue.Notify(g)
		h.logger.Info("host: scheduled task fired", "task_id", t.ID, "group", g.Folder)
	}
}
