package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/darkfactory/internal/bus"
	"github.com/roach88/darkfactory/internal/ledger"
	"github.com/roach88/darkfactory/internal/memory"
)

func TestMemoryCommands_AfterProjectRun(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")
	memDB := filepath.Join(dir, "memory.db")

	_, _, err := execute(t, "--db", db, "run", "--workflow", "testdata/chain.yaml", "--worker", echoWorker,
		"--run-id", "run-mem-2", "--memory", "project", "--memory-db", memDB)
	require.NoError(t, err)

	out, _, err := execute(t, "--format", "json", "memory", "stats", "--memory-db", memDB)
	require.NoError(t, err)
	var st memory.Stats
	decodeData(t, out, &st)
	assert.GreaterOrEqual(t, st.NoteCount, 2, "debrief stores the summary and the depth decision")

	out, _, err = execute(t, "--format", "json", "memory", "search", "--memory-db", memDB, "run-mem-2", "summary")
	require.NoError(t, err)
	var notes []memory.Note
	decodeData(t, out, &notes)
	require.NotEmpty(t, notes)
	assert.Equal(t, "run:run-mem-2", notes[0].Source)
}

func TestRunCommand_RunMemoryStaysInRun(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")
	memDB := filepath.Join(dir, "memory.db")

	_, _, err := execute(t, "--db", db, "run", "--workflow", "testdata/chain.yaml", "--worker", echoWorker,
		"--run-id", "run-scoped", "--memory", "run", "--memory-db", memDB)
	require.NoError(t, err)

	_, statErr := os.Stat(memDB)
	assert.True(t, os.IsNotExist(statErr), "run memory never opens the project store")

	l, err := ledger.Open(db)
	require.NoError(t, err)
	defer l.Close()
	evs, err := l.ListEvents(context.Background(), ledger.EventFilter{RunID: "run-scoped"})
	require.NoError(t, err)
	var types []string
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, bus.EventConvergenceDone)
	assert.NotContains(t, types, bus.EventMemoryBriefed)
	assert.NotContains(t, types, bus.EventMemoryDebriefed)
}

func TestMemorySearch_TableOutput(t *testing.T) {
	memDB := filepath.Join(t.TempDir(), "memory.db")
	store, err := memory.OpenSQLite(memDB)
	require.NoError(t, err)
	_, err = store.Store(context.Background(), memory.NewNote{
		Content: "Token buckets are refilled lazily on read",
		Tags:    []string{"decision"},
		Source:  "run:r1",
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, _, err := execute(t, "memory", "search", "--memory-db", memDB, "buckets")
	require.NoError(t, err)
	assert.Contains(t, out, "Token buckets are refilled lazily on read")
	assert.Contains(t, out, "decision")

	out, _, err = execute(t, "memory", "search", "--memory-db", memDB, "kafka")
	require.NoError(t, err)
	assert.Equal(t, "no matching notes\n", out)
}

func TestMemoryStats_EmptyStore(t *testing.T) {
	memDB := filepath.Join(t.TempDir(), "memory.db")

	out, _, err := execute(t, "memory", "stats", "--memory-db", memDB)
	require.NoError(t, err)
	assert.Contains(t, out, "never")
}

func TestMemoryPromote_NothingStable(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")
	_, err := runChain(t, db, "run-promote")
	require.NoError(t, err)

	out, _, err := execute(t, "--db", db, "--format", "json", "memory", "promote", "--memory-db", filepath.Join(dir, "memory.db"))
	require.NoError(t, err)
	var got map[string]int
	decodeData(t, out, &got)
	assert.Equal(t, 0, got["promoted"])
}

func TestMemorySearch_RequiresQuery(t *testing.T) {
	_, _, err := execute(t, "memory", "search", "--memory-db", filepath.Join(t.TempDir(), "memory.db"))
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))
}
