// Package ipc implements the filesystem contract between the host and an
// agent container: input message files plus a close sentinel, append-only
// progress event files, and steer files with ack sentinels.
//
// Filesystem IPC keeps the operator surface inspectable: `ls input/` is
// the queue depth. Each file is written by exactly one party and consumed
// (unlinked) by the other; writes go through a same-directory temp +
// rename so a reader never observes a partial file.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// CloseSentinel is the input-dir filename requesting "drain current turn
// and exit".
const CloseSentinel = "_close"

// Surface is the per-group IPC directory tree:
//
//	<root>/input/                    host → agent messages, _close
//	<root>/progress/<run_id>/        agent → host progress events
//	<root>/steer/<run_id>.json       host → agent steering
//	<root>/steer/<run_id>.acked.json agent → host ack
type Surface struct {
	root string
	seq  atomic.Int64
}

// NewSurface returns the surface for one group under base. Directories
// are created lazily by the writers.
func NewSurface(base, group string) *Surface {
	return &Surface{root: filepath.Join(base, group)}
}

// Root returns the group's IPC root directory.
func (s *Surface) Root() string { return s.root }

func (s *Surface) inputDir() string             { return filepath.Join(s.root, "input") }
func (s *Surface) progressDir(runID string) string {
	return filepath.Join(s.root, "progress", runID)
}
func (s *Surface) steerPath(runID string) string {
	return filepath.Join(s.root, "steer", runID+".json")
}
func (s *Surface) steerAckPath(runID string) string {
	return filepath.Join(s.root, "steer", runID+".acked.json")
}

// nextName builds a lexicographically ordered filename. The zero-padded
// nanosecond timestamp gives submission order; the process-local sequence
// breaks same-nanosecond ties.
func (s *Surface) nextName() string {
	return fmt.Sprintf("%020d-%06d.json", time.Now().UnixNano(), s.seq.Add(1))
}

// writeFileAtomic writes data to path via a hidden temp file in the same
// directory followed by rename. Consumers list only *.json, so the temp
// file is invisible to them even before the rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ipc: mkdir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ipc: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ipc: rename %s: %w", path, err)
	}
	return nil
}
