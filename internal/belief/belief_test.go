package belief

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectConflicts_SingleWorker(t *testing.T) {
	tr := NewTracker()
	tr.RecordAssumption("w1", "db", "postgres")
	tr.RecordModification("w1", "main.go")
	assert.Empty(t, tr.DetectConflicts())
}

func TestDetectConflicts_Assumption(t *testing.T) {
	tr := NewTracker()
	tr.RecordAssumption("w1", "db", "postgres")
	tr.RecordAssumption("w2", "db", "sqlite")
	tr.RecordAssumption("w2", "cache", "redis")

	got := tr.DetectConflicts()
	require.Len(t, got, 1)
	assert.Equal(t, Conflict{
		WorkerA: "w1", WorkerB: "w2",
		Kind: ConflictAssumption, Subject: "db",
		ValueA: "postgres", ValueB: "sqlite",
	}, got[0])
}

func TestDetectConflicts_AgreeingAssumptionsDoNotConflict(t *testing.T) {
	tr := NewTracker()
	tr.RecordAssumption("w1", "db", "postgres")
	tr.RecordAssumption("w2", "db", "postgres")
	assert.Empty(t, tr.DetectConflicts())
}

func TestDetectConflicts_Modification(t *testing.T) {
	tr := NewTracker()
	tr.RecordModification("w1", "api.go")
	tr.RecordModification("w2", "api.go")
	tr.RecordModification("w2", "other.go")

	got := tr.DetectConflicts()
	require.Len(t, got, 1)
	assert.Equal(t, ConflictModification, got[0].Kind)
	assert.Equal(t, "api.go", got[0].Subject)
	assert.Equal(t, "modified", got[0].ValueA)
}

func TestDetectConflicts_ThreeWorkersSameFile(t *testing.T) {
	tr := NewTracker()
	for _, w := range []string{"w3", "w1", "w2"} {
		tr.RecordModification(w, "shared.go")
	}
	got := tr.DetectConflicts()
	require.Len(t, got, 3)

	var pairs []string
	for _, c := range got {
		pairs = append(pairs, c.WorkerA+"/"+c.WorkerB)
	}
	assert.Equal(t, []string{"w1/w2", "w1/w3", "w2/w3"}, pairs)
}

func TestDetectConflicts_ReadsNeverConflict(t *testing.T) {
	tr := NewTracker()
	tr.RecordRead("w1", "pkg.Func")
	tr.RecordRead("w2", "pkg.Func")
	assert.Empty(t, tr.DetectConflicts())
}

func TestRecord_MergesObservation(t *testing.T) {
	tr := NewTracker()
	tr.Record("w1", Observation{
		SymbolsRead:   []string{"b", "a", "a"},
		Assumptions:   map[string]string{"k": "v1"},
		FilesModified: []string{"x.go"},
	})
	tr.Record("w1", Observation{Assumptions: map[string]string{"k": "v2"}})

	st, ok := tr.State("w1")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, st.SymbolsRead)
	assert.Equal(t, map[string]string{"k": "v2"}, st.Assumptions)
	assert.Equal(t, []string{"x.go"}, st.FilesModified)

	_, ok = tr.State("ghost")
	assert.False(t, ok)

	assert.True(t, Observation{}.Empty())
}

func TestState_IsACopy(t *testing.T) {
	tr := NewTracker()
	tr.RecordAssumption("w1", "k", "v")
	st, _ := tr.State("w1")
	st.Assumptions["k"] = "mutated"

	again, _ := tr.State("w1")
	assert.Equal(t, "v", again.Assumptions["k"])
}

func TestBuildContext(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, "No belief conflicts detected between workers.", tr.BuildContext().Summary)

	tr.RecordAssumption("w1", "db", "postgres")
	tr.RecordAssumption("w2", "db", "sqlite")
	ctx := tr.BuildContext()
	require.Len(t, ctx.Conflicts, 1)
	assert.Equal(t,
		"1 belief conflict(s) detected:\n- w1 vs w2: assumption conflict on \"db\" (postgres vs sqlite)",
		ctx.Summary)
}

func TestReset(t *testing.T) {
	tr := NewTracker()
	tr.RecordModification("w1", "a")
	tr.Reset()
	assert.Empty(t, tr.States())
}

func TestTracker_ConcurrentRecording(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := fmt.Sprintf("w%d", i)
			for j := 0; j < 50; j++ {
				tr.RecordRead(w, fmt.Sprintf("sym%d", j))
			}
			tr.RecordModification(w, "shared.go")
		}(i)
	}
	wg.Wait()
	assert.Len(t, tr.States(), 8)
	// 8 choose 2
	assert.Len(t, tr.DetectConflicts(), 28)
}
