package tactile

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecutor(binaries ...string) *DirectExecutor {
	return NewDirectExecutorWithConfig(ExecutorConfig{
		DefaultTimeout:     5 * time.Second,
		MaxOutputBytes:     16,
		AllowedBinaries:    binaries,
		AllowedEnvironment: []string{"PATH"},
	})
}

func TestDirectExecutor_RejectsUnlistedBinary(t *testing.T) {
	e := testExecutor("true")
	res, err := e.Execute(context.Background(), Command{Binary: "rm", Arguments: []string{"-rf", "/"}})
	require.ErrorIs(t, err, ErrNotAllowed)
	assert.Nil(t, res)

	_, err = e.Execute(context.Background(), Command{Binary: "/usr/bin/true"})
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestDirectExecutor_ExitCodes(t *testing.T) {
	e := testExecutor("true", "false")

	res, err := e.Execute(context.Background(), Command{Binary: "true"})
	require.NoError(t, err)
	assert.True(t, res.Ok())
	assert.Equal(t, "ok", res.Summary())

	res, err = e.Execute(context.Background(), Command{Binary: "false"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Ok())
	assert.Equal(t, 1, res.ExitCode)
}

func TestDirectExecutor_Timeout(t *testing.T) {
	e := testExecutor("sleep")
	res, err := e.Execute(context.Background(), Command{
		Binary:    "sleep",
		Arguments: []string{"5"},
		Timeout:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.Killed)
	assert.False(t, res.Ok())
	assert.Contains(t, res.KillReason, "timeout")
}

func TestDirectExecutor_TruncatesOutput(t *testing.T) {
	e := testExecutor("echo")
	res, err := e.Execute(context.Background(), Command{
		Binary:    "echo",
		Arguments: []string{"this line is definitely longer than sixteen bytes"},
	})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Stdout, 16)
}

func TestCommandString(t *testing.T) {
	c := Command{Binary: "cp", Arguments: []string{"--preserve=mode", "/tmp/a b", "it's"}}
	assert.Equal(t, `cp --preserve=mode '/tmp/a b' 'it'\''s'`, c.CommandString())
	assert.True(t, Command{}.IsZero())
}

func TestScriptedExecutor(t *testing.T) {
	s := NewScriptedExecutor().On("systemctl --user is-active wireplumber.service", 0, "active\n")

	res, err := s.Execute(context.Background(), Command{
		Binary:    "systemctl",
		Arguments: []string{"--user", "is-active", "wireplumber.service"},
	})
	require.NoError(t, err)
	assert.True(t, res.Ok())
	assert.Equal(t, "active\n", res.Stdout)

	res, err = s.Execute(context.Background(), Command{Binary: "pactl", Arguments: []string{"info"}})
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)

	assert.Equal(t, []string{
		"systemctl --user is-active wireplumber.service",
		"pactl info",
	}, s.CommandLines())
}

func TestSummary_TruncatesOnRuneBoundary(t *testing.T) {
	// 199 ASCII bytes put the 3-byte rune across the 200-byte cut.
	stderr := strings.Repeat("x", 199) + "€ und mehr"
	res := &ExecutionResult{Success: true, ExitCode: 1, Stderr: stderr}

	got := res.Summary()
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "exited 1: "+strings.Repeat("x", 199), got)

	short := &ExecutionResult{Success: true, ExitCode: 2, Stderr: "Gerät nicht gefunden"}
	assert.Equal(t, "exited 2: Gerät nicht gefunden", short.Summary())
}
