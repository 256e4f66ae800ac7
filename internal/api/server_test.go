package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/darkfactory/internal/ledger"
)

func newTestHandler(t *testing.T) (http.Handler, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx := context.Background()
	_, err = l.CreateRun(ctx, "run-1", "name: demo")
	require.NoError(t, err)
	require.NoError(t, l.UpdateRunStatus(ctx, "run-1", ledger.RunRunning))
	_, err = l.CreateTask(ctx, ledger.NewTask{ID: "task-1", RunID: "run-1", Movement: "design", Attempt: 1})
	require.NoError(t, err)
	_, err = l.CreateTask(ctx, ledger.NewTask{ID: "task-2", RunID: "run-1", Movement: "build", Attempt: 1, DependsOn: []string{"design"}})
	require.NoError(t, err)
	require.NoError(t, l.UpdateTaskStatus(ctx, "task-1", ledger.TaskAssigned))
	for _, typ := range []string{"run.started", "task.submitted", "task.working"} {
		taskID := ""
		if typ != "run.started" {
			taskID = "task-1"
		}
		_, err := l.AppendEvent(ctx, ledger.NewEvent{RunID: "run-1", TaskID: taskID, Type: typ, Payload: map[string]any{"n": 1}})
		require.NoError(t, err)
	}

	h, err := New(Config{Ledger: l})
	require.NoError(t, err)
	return h, l
}

func get(t *testing.T, h http.Handler, url string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, get(t, h, "/v1/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestListRuns(t *testing.T) {
	h, _ := newTestHandler(t)
	var runs []ledger.Run
	require.Equal(t, http.StatusOK, get(t, h, "/v1/runs", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, ledger.RunRunning, runs[0].Status)
}

func TestGetRun(t *testing.T) {
	h, _ := newTestHandler(t)
	var st RunStatus
	require.Equal(t, http.StatusOK, get(t, h, "/v1/runs/run-1", &st))
	assert.Equal(t, "run-1", st.ID)
	assert.Equal(t, 1, st.TaskCounts[ledger.TaskAssigned])
	assert.Equal(t, 1, st.TaskCounts[ledger.TaskPending])

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/runs/nope", nil))
}

func TestListTasks(t *testing.T) {
	h, _ := newTestHandler(t)
	var tasks []ledger.Task
	require.Equal(t, http.StatusOK, get(t, h, "/v1/runs/run-1/tasks", &tasks))
	require.Len(t, tasks, 2)
	assert.Equal(t, "design", tasks[0].Movement)
	assert.Equal(t, []string{"design"}, tasks[1].DependsOn)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/runs/nope/tasks", nil))
}

func TestListEvents(t *testing.T) {
	h, _ := newTestHandler(t)

	var events []ledger.Event
	require.Equal(t, http.StatusOK, get(t, h, "/v1/runs/run-1/events", &events))
	require.Len(t, events, 3)
	assert.Equal(t, "run.started", events[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(events[0].Payload))

	events = nil
	require.Equal(t, http.StatusOK, get(t, h, "/v1/runs/run-1/events?type=task.", &events))
	assert.Len(t, events, 2)

	events = nil
	require.Equal(t, http.StatusOK, get(t, h, "/v1/runs/run-1/events?limit=1", &events))
	assert.Len(t, events, 1)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/runs/nope/events", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, get(t, h, "/v1/runs/run-1/events?limit=-1", nil))
}

func TestNew_RequiresLedger(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
