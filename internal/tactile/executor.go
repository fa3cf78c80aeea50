package tactile

import (
	"context"
	"time"

	"hostmedic/internal/config"
)

// Executor runs commands. Implementations must never run a binary outside
// their allowlist.
type Executor interface {
	// Execute runs the command and returns its result. A non-nil error means
	// the command was rejected before execution; process failures are reported
	// in the result.
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)
}

// ExecutorConfig configures an executor.
type ExecutorConfig struct {
	// DefaultTimeout applies when a command carries none.
	DefaultTimeout time.Duration

	// MaxOutputBytes caps captured stdout and stderr individually.
	MaxOutputBytes int64

	// AllowedBinaries is the exhaustive set of runnable executables (base names).
	AllowedBinaries []string

	// AllowedEnvironment lists variables copied from the parent environment.
	AllowedEnvironment []string
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	exec := config.DefaultExecutionConfig()
	return ExecutorConfig{
		DefaultTimeout:     30 * time.Second,
		MaxOutputBytes:     1 << 20,
		AllowedBinaries:    exec.AllowedBinaries,
		AllowedEnvironment: exec.AllowedEnv,
	}
}

// ConfigFrom builds an executor config from the application config.
func ConfigFrom(cfg *config.Config) ExecutorConfig {
	ec := DefaultExecutorConfig()
	ec.DefaultTimeout = cfg.GetStepTimeout()
	if len(cfg.Execution.AllowedBinaries) > 0 {
		ec.AllowedBinaries = cfg.Execution.AllowedBinaries
	}
	if len(cfg.Execution.AllowedEnv) > 0 {
		ec.AllowedEnvironment = cfg.Execution.AllowedEnv
	}
	return ec
}
