package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandBackend_JSONResult(t *testing.T) {
	c := NewCommandBackend(`cat >/dev/null; echo '{"status":"completed","tokensUsed":42,"artifacts":[{"name":"diff","mimeType":"text/x-diff","parts":[{"kind":"text","text":"+a"}]}]}'`)
	ctx := context.Background()

	h, err := c.Start(ctx, Assignment{TaskID: "t1", RunID: "r1", WorkspacePath: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "t1", h.ThreadID)

	res, err := c.Advance(ctx, h, Input{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(42), res.TokensUsed)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "+a", res.Artifacts[0].Text())

	require.NoError(t, c.Dispose(ctx, h))
	_, err = c.Advance(ctx, h, Input{})
	assert.Error(t, err)
}

func TestCommandBackend_PlainTextAndEnvironment(t *testing.T) {
	c := NewCommandBackend(`echo "task=$DARKFACTORY_TASK_ID movement=$DARKFACTORY_MOVEMENT"`)
	ctx := context.Background()
	h, err := c.Start(ctx, Assignment{TaskID: "t9", Movement: "docs"})
	require.NoError(t, err)

	res, err := c.Advance(ctx, h, Input{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "output", res.Artifacts[0].Name)
	assert.Equal(t, "task=t9 movement=docs\n", res.Artifacts[0].Text())
}

func TestCommandBackend_ReceivesPromptOnStdin(t *testing.T) {
	c := NewCommandBackend(`cat`)
	ctx := context.Background()
	h, _ := c.Start(ctx, Assignment{TaskID: "t1"})
	res, err := c.Advance(ctx, h, Input{Prompt: "hello worker"})
	require.NoError(t, err)
	// Stdin is a JSON object without a status, so it is wrapped as text.
	assert.Contains(t, res.Artifacts[0].Text(), `"prompt":"hello worker"`)
}

func TestCommandBackend_NonZeroExitFails(t *testing.T) {
	c := NewCommandBackend(`echo nope 1>&2; exit 1`)
	ctx := context.Background()
	h, _ := c.Start(ctx, Assignment{TaskID: "t1"})
	res, err := c.Advance(ctx, h, Input{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "nope")
}

func TestCommandBackend_NoCommand(t *testing.T) {
	_, err := NewCommandBackend("  ").Start(context.Background(), Assignment{})
	assert.Error(t, err)
}
