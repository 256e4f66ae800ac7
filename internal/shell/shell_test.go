package shell

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_LineCapturesOutput(t *testing.T) {
	out, err := Run(context.Background(), Command{Line: "echo hello; echo oops 1>&2"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out.Stdout))
	assert.Equal(t, "oops\n", string(out.Stderr))
	assert.Equal(t, 0, out.ExitCode)
}

func TestRun_StdinEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	out, err := Run(context.Background(), Command{
		Line:  `cat; printf ":%s:" "$GREETING"; pwd`,
		Dir:   dir,
		Env:   []string{"GREETING=hi"},
		Stdin: []byte("in"),
	})
	require.NoError(t, err)
	assert.Contains(t, string(out.Stdout), "in:hi:")
	assert.Contains(t, string(out.Stdout), dir)
}

func TestRun_NonZeroExit(t *testing.T) {
	out, err := Run(context.Background(), Command{Line: "echo broken 1>&2; exit 3"})
	require.Error(t, err)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, "broken", exitErr.Stderr)
	assert.Equal(t, 3, out.ExitCode)
}

func TestRun_DirectArgs(t *testing.T) {
	out, err := Run(context.Background(), Command{Name: "printf", Args: []string{"%s-%s", "a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "a-b", string(out.Stdout))
}

func TestRun_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, Command{Line: "sleep 5"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRun_Empty(t *testing.T) {
	_, err := Run(context.Background(), Command{})
	assert.Error(t, err)
}
