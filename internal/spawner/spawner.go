// Package spawner defines the pluggable contract for starting, probing,
// and stopping per-user backend servers, plus the local-process
// implementation used by single-node deployments.
package spawner

import (
	"context"
	"encoding/json"

	"github.com/userhub/userhub/internal/domain"
)

// StartRequest carries everything a spawner needs to launch one backend.
type StartRequest struct {
	// Env is the full environment handoff (see [BuildEnv]).
	Env []string
	// Options are user-chosen spawn options, passed through opaquely.
	Options map[string]string
}

// Spawner manages the lifecycle of exactly one (user, server) backend.
//
// Start blocks until the backend is verifiably reachable and returns its
// connectable URL; it must not report success early. Poll is a
// non-blocking liveness probe: nil means running, a non-nil status means
// the process has exited. Stop blocks until termination, subject to the
// implementation's forced-shutdown timeout.
//
// StateBlob/LoadState/ClearState let the orchestrator persist an opaque
// restart blob so an already-running backend can be resumed (never
// duplicated) after a hub restart.
type Spawner interface {
	Start(ctx context.Context, req StartRequest) (string, error)
	Poll(ctx context.Context) (*Status, error)
	Stop(ctx context.Context) error

	StateBlob() json.RawMessage
	LoadState(blob json.RawMessage) error
	ClearState()
}

// Status describes a terminated backend.
type Status struct {
	ExitCode int
	Message  string
}

// Factory builds a fresh spawner for one server key. Variants
// (local-process, container, batch-queue) are selected by configuration.
type Factory func(key domain.ServerKey) Spawner
