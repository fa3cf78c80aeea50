package tactile

import (
	"context"
	"sync"
	"time"
)

// ScriptedExecutor answers commands from a table instead of running them.
// It backs offline diagnosis from evidence fixtures and the pipeline tests.
type ScriptedExecutor struct {
	mu sync.Mutex

	// Responses maps CommandString() to a canned result.
	Responses map[string]*ExecutionResult

	// Handler, when set, is consulted before Responses.
	Handler func(cmd Command) (*ExecutionResult, bool)

	// Fallback is returned for unscripted commands; nil means exit 127.
	Fallback *ExecutionResult

	calls []Command
}

// NewScriptedExecutor creates an executor with an empty script.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{Responses: make(map[string]*ExecutionResult)}
}

// On scripts the result for a command line.
func (s *ScriptedExecutor) On(cmdline string, exitCode int, stdout string) *ScriptedExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Responses[cmdline] = &ExecutionResult{Success: true, ExitCode: exitCode, Stdout: stdout}
	return s
}

// Execute records the call and returns the scripted result.
func (s *ScriptedExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return &ExecutionResult{Success: true, Killed: true, KillReason: "context canceled", ExitCode: -1}, nil
	}

	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	handler := s.Handler
	res, ok := s.Responses[cmd.CommandString()]
	fallback := s.Fallback
	s.mu.Unlock()

	if handler != nil {
		if r, handled := handler(cmd); handled {
			return stamp(r), nil
		}
	}
	if ok {
		return stamp(res), nil
	}
	if fallback != nil {
		return stamp(fallback), nil
	}
	return stamp(&ExecutionResult{Success: true, ExitCode: 127, Stderr: "not scripted"}), nil
}

// Calls returns the commands executed so far, in order.
func (s *ScriptedExecutor) Calls() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.calls))
	copy(out, s.calls)
	return out
}

// CommandLines returns CommandString() of each executed command.
func (s *ScriptedExecutor) CommandLines() []string {
	calls := s.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.CommandString()
	}
	return out
}

func stamp(r *ExecutionResult) *ExecutionResult {
	cp := *r
	now := time.Now()
	cp.StartedAt = now
	cp.FinishedAt = now
	return &cp
}
