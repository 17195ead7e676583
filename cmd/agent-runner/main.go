// Command agent-runner is the in-container side: it reads the turn
// payload from stdin, drives the model CLI, and reports framed results
// on stdout for the host.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/nanoclaw/nanoclaw/agent"
	"github.com/nanoclaw/nanoclaw/ipc"
)

const (
	defaultIPCRoot    = "/workspace/ipc"
	defaultArchiveDir = "/workspace/group/conversations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "[agent-runner] fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	group := os.Getenv("NANOCLAW_GROUP")
	if group == "" {
		return fmt.Errorf("NANOCLAW_GROUP not set")
	}
	cliCmd := strings.Fields(os.Getenv("NANOCLAW_AGENT_CMD"))
	if len(cliCmd) == 0 {
		return fmt.Errorf("NANOCLAW_AGENT_CMD not set")
	}

	ipcRoot := os.Getenv("NANOCLAW_IPC_ROOT")
	if ipcRoot == "" {
		ipcRoot = defaultIPCRoot
	}
	archiveDir := os.Getenv("NANOCLAW_ARCHIVE_DIR")
	if archiveDir == "" {
		archiveDir = defaultArchiveDir
	}

	cfg := agent.Config{
		AuthFallback: os.Getenv("NANOCLAW_AUTH_FALLBACK") == "1",
		FallbackEnv:  fallbackEnv(),
		ArchiveDir:   archiveDir,
	}

	surface := ipc.NewSurface(ipcRoot, group)
	r := agent.NewRunner(&agent.CLISDK{Command: cliCmd}, surface, cfg, os.Stdout, os.Stderr)
	return r.Run(context.Background(), os.Stdin)
}

// fallbackEnv collects NANOCLAW_FALLBACK_-prefixed variables; the
// stripped names override the primary credentials when the agent
// switches lanes.
func fallbackEnv() map[string]string {
	const prefix = "NANOCLAW_FALLBACK_"
	out := map[string]string{}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		out[strings.TrimPrefix(name, prefix)] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
