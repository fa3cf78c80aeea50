// Package tactile is the lowest-level execution layer: the only place hostmedic
// starts processes. Probes, host checks and the mutation executor all go
// through an Executor so that every command is allowlisted, time-bounded and
// output-limited.
//
// Design Principles:
//   - Minimal logic: policy decisions happen in the gate, not here
//   - Allowlist: only vetted binaries run, everything else is rejected before exec
//   - Structured output: comprehensive execution results for checks and case files
package tactile

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Command represents a command to be executed.
// It is the input for every executor implementation.
type Command struct {
	// Binary is the executable to run (e.g., "systemctl", "cp").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments,omitempty"`

	// WorkingDirectory is the directory to execute in.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to set (in KEY=VALUE format).
	// These are merged with the executor's allowed environment.
	Environment []string `json:"environment,omitempty"`

	// Stdin provides input to the command's standard input.
	Stdin string `json:"-"`

	// Timeout overrides the executor default when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// CommandString returns the full command as a shell-quoted string (for display/logging
// and for manual recovery instructions).
func (c Command) CommandString() string {
	if c.Binary == "" {
		return ""
	}
	parts := make([]string, 0, len(c.Arguments)+1)
	parts = append(parts, shellQuote(c.Binary))
	for _, a := range c.Arguments {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// IsZero reports whether the command is unset.
func (c Command) IsZero() bool {
	return c.Binary == ""
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;#~!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ExecutionResult contains the outcome of a command execution.
type ExecutionResult struct {
	// Success indicates the command was run. A non-zero exit still counts as a
	// successful execution; check ExitCode for the command's own verdict.
	Success bool `json:"success"`

	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`

	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`

	// Killed indicates the process was terminated (timeout or cancellation).
	Killed     bool   `json:"killed,omitempty"`
	KillReason string `json:"kill_reason,omitempty"`

	Truncated bool `json:"truncated,omitempty"`

	// Error describes an infrastructure failure (binary missing, rejected, ...).
	Error string `json:"error,omitempty"`
}

// Ok reports whether the command ran to completion and exited zero.
func (r *ExecutionResult) Ok() bool {
	return r != nil && r.Success && !r.Killed && r.ExitCode == 0
}

// Summary returns a one-line description of the outcome.
func (r *ExecutionResult) Summary() string {
	switch {
	case r == nil:
		return "not executed"
	case !r.Success:
		return "failed to execute: " + r.Error
	case r.Killed:
		return "killed: " + r.KillReason
	case r.ExitCode != 0:
		msg := strings.TrimSpace(r.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(r.Stdout)
		}
		msg = truncate(msg, 200)
		code := "exited " + strconv.Itoa(r.ExitCode)
		if msg == "" {
			return code
		}
		return code + ": " + msg
	default:
		return "ok"
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
