package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ProgressRecord is one agent → host progress event file. Best-effort:
// the host polls, forwards, and deletes; a lost record never fails the
// run.
type ProgressRecord struct {
	RunID   string `json:"run_id"`
	TS      int64  `json:"ts"`
	Seq     int64  `json:"seq"`
	Phase   string `json:"phase"` // "using <tool>" or "thinking"
	Summary string `json:"summary"`
}

// AppendProgress writes one progress event for runID. Files are named
// <ts>-<seq>.json so readers can order them without parsing bodies.
func (s *Surface) AppendProgress(rec ProgressRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ipc: marshal progress: %w", err)
	}
	name := fmt.Sprintf("%020d-%06d.json", rec.TS, rec.Seq)
	return writeFileAtomic(filepath.Join(s.progressDir(rec.RunID), name), data)
}

// DrainProgress consumes all pending progress events for runID, ordered
// by (ts, seq). Unreadable files are skipped until the next poll.
func (s *Surface) DrainProgress(runID string) ([]ProgressRecord, error) {
	dir := s.progressDir(runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ipc: list progress: %w", err)
	}

	type named struct {
		ts, seq int64
		name    string
	}
	var files []named
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		base := strings.TrimSuffix(name, ".json")
		dash := strings.LastIndex(base, "-")
		if dash < 0 {
			continue
		}
		ts, err1 := strconv.ParseInt(base[:dash], 10, 64)
		seq, err2 := strconv.ParseInt(base[dash+1:], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		files = append(files, named{ts: ts, seq: seq, name: name})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].ts != files[j].ts {
			return files[i].ts < files[j].ts
		}
		return files[i].seq < files[j].seq
	})

	var out []ProgressRecord
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec ProgressRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			os.Remove(path)
			continue
		}
		if err := os.Remove(path); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
