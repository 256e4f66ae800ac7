package cli

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeCommand_ServesLedger(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")
	_, err := runChain(t, db, "run-serve")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pr, pw := io.Pipe()
	cmd := NewRootCommand()
	cmd.SetOut(pw)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--db", db, "serve", "--addr", "127.0.0.1:0"})

	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
		pw.Close()
	}()

	banner, err := bufio.NewReader(pr).ReadString('\n')
	require.NoError(t, err)
	go io.Copy(io.Discard, pr) //nolint:errcheck
	require.True(t, strings.HasPrefix(banner, "Serving darkfactory API on http://"), banner)
	base := strings.Fields(strings.TrimPrefix(banner, "Serving darkfactory API on "))[0]

	client := &http.Client{Timeout: 5 * time.Second}
	get := func(path string) (int, string) {
		resp, err := client.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"ok"`)

	code, body = get("/runs/run-serve")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "run-serve")

	code, _ = get("/runs/ghost")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get("/openapi.json")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "list-runs")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}

func TestServeCommand_BadAddress(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	_, _, err := execute(t, "--db", db, "serve", "--addr", "256.0.0.1:bad")
	require.Error(t, err)
	assert.Equal(t, ExitRuntime, GetExitCode(err))
	assert.Contains(t, err.Error(), "listen on")
}
