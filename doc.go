// Package nanoclaw contains the shared domain model for the nanoclaw
// orchestration host: groups and lanes, ingested messages, worker runs and
// their state machine, dispatch and completion payloads, and the boundary
// validation that guards every transition between them.
//
// The root package is deliberately dependency-light. Drivers live in
// subdirectories: store/sqlite and store/postgres implement Store, container
// runs agent containers against a Docker engine, queue owns the per-group
// FIFO, ipc is the filesystem surface shared with the container, and agent
// is the in-container runner shipped as cmd/agent-runner.
package nanoclaw
