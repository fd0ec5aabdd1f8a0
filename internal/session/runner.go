// Package session starts and supervises detached job processes, backed by
// GNU screen, with a discoverable PID rather than an in-process *exec.Cmd
// handle.
package session

import "context"

// Runner starts, inspects, and kills detached sessions running one script
// each. Implementations must be safe for concurrent use across jobs (but
// never two concurrent calls for the same session name).
type Runner interface {
	// Start launches script under name, with env as the session's complete
	// process environment (already merged with the base environment by the
	// caller; a nil/empty env means "inherit this process's environment").
	Start(ctx context.Context, name, script string, env []string) error
	PID(ctx context.Context, name string) (int, bool, error)
	IsAlive(ctx context.Context, name string) (bool, error)
	Kill(ctx context.Context, name string) error
}
