package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw"
)

// archiveMaxEntry caps one transcript message in the archive file.
const archiveMaxEntry = 2000

// archiveTranscript writes the about-to-be-compacted transcript to the
// group's conversations directory as dated Markdown. Archival is best
// effort: the turn continues whether or not the file lands.
func (r *Runner) archiveTranscript(entries []TranscriptEntry) {
	if r.cfg.ArchiveDir == "" || len(entries) == 0 {
		return
	}
	if err := os.MkdirAll(r.cfg.ArchiveDir, 0o755); err != nil {
		r.logf("transcript archive dir: %v", err)
		return
	}

	now := time.Now()
	name := fmt.Sprintf("%s-transcript-%s.md", now.Format("2006-01-02"), nanoclaw.NewID()[:8])

	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation archive (%s)\n\n", now.Format("2006-01-02 15:04"))
	for _, e := range entries {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", e.Role, truncate(e.Text, archiveMaxEntry))
	}

	path := filepath.Join(r.cfg.ArchiveDir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		r.logf("transcript archive write: %v", err)
		return
	}
	r.logf("archived %d transcript entries to %s", len(entries), name)
}

// truncate caps s at n runes, marking the cut.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
