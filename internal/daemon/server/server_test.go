package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffjacobsen/crystal/command"
	"github.com/jeffjacobsen/crystal/config"
	"github.com/jeffjacobsen/crystal/git"
	"github.com/jeffjacobsen/crystal/internal/db"
	"github.com/jeffjacobsen/crystal/internal/limiter"
	"github.com/jeffjacobsen/crystal/internal/runner"
	"github.com/jeffjacobsen/crystal/internal/store"
	"github.com/jeffjacobsen/crystal/logging"
	"github.com/jeffjacobsen/crystal/testutil"
)

// fakeAgent emits one assistant message and a successful result, so a
// session launched through the API completes quickly.
func fakeAgent(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	script := `#!/bin/sh
cat > /dev/null
printf '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}\n'
printf '{"type":"result","subtype":"success","result":"done"}\n'
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "crystal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	log := logging.Discard().Logger("server-test")
	builder := command.NewSafeBuilder()
	wt := git.NewManager(builder, ".crystal-worktrees", log)
	st := store.New(store.Options{
		DB:       database,
		Bus:      store.NewBus(),
		Worktree: wt,
		Runner: runner.New(runner.Config{
			KillGracePeriod: 200 * time.Millisecond,
		}, &command.RealExecutor{}, log),
		Limiter: limiter.New(2),
		Agent:   config.AgentConfig{Command: fakeAgent(t), KillGracePeriod: config.Duration(200 * time.Millisecond)},
		Logger:  log,
	})
	t.Cleanup(st.Close)

	srv := New(st, wt, log)
	srv.SetRunningConfig(&RunningConfig{AgentCommand: "agent", MaxConcurrent: 2, StartedAt: time.Now()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func initRepo(t *testing.T) string {
	t.Helper()
	// Worktrees land next to the repo, so nest it one level down.
	dir := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	testutil.InitGitRepo(t, dir)
	return dir
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeView(t *testing.T, resp *http.Response) *store.View {
	t.Helper()
	defer resp.Body.Close()
	var view store.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	return &view
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg RunningConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, 2, cfg.MaxConcurrent)
}

func TestSetProjectValidatesRepository(t *testing.T) {
	ts, st := newTestServer(t)

	resp := doJSON(t, http.MethodPut, ts.URL+"/api/project", map[string]string{"repo_path": t.TempDir()})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	repo := initRepo(t)
	resp = doJSON(t, http.MethodPut, ts.URL+"/api/project", map[string]string{"repo_path": repo})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, repo, st.ActiveProject())
}

func TestCreateSessionWithoutProjectFails(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/sessions", map[string]string{"name": "task", "prompt": "go"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "NO_ACTIVE_PROJECT", body.Error.Code)
}

func TestSessionLifecycle(t *testing.T) {
	ts, st := newTestServer(t)
	st.SetActiveProject(initRepo(t))

	resp := postJSON(t, ts.URL+"/api/sessions", map[string]string{"name": "fix bug", "prompt": "fix it"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	view := decodeView(t, resp)
	require.NotEmpty(t, view.ID)
	assert.NotEmpty(t, view.WorktreePath)

	// The fake agent finishes almost immediately.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.Get(view.ID)
		require.NoError(t, err)
		if got.Status == store.StatusCompletedUnviewed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// List includes it.
	resp, err := http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	var views []*store.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	resp.Body.Close()
	require.Len(t, views, 1)

	// Rename and mark viewed in one patch.
	resp = doJSON(t, http.MethodPatch, ts.URL+"/api/sessions/"+view.ID, map[string]any{"name": "fix login bug", "viewed": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	patched := decodeView(t, resp)
	assert.Equal(t, "fix login bug", patched.Name)
	assert.Equal(t, store.StatusCompleted, patched.Status)

	// Output records are served incrementally.
	resp, err = http.Get(fmt.Sprintf("%s/api/sessions/%s/output?since=0", ts.URL, view.ID))
	require.NoError(t, err)
	var records []store.OutputRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	resp.Body.Close()
	assert.NotEmpty(t, records)

	// Archive and verify it is gone.
	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/sessions/"+view.ID, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/sessions/" + view.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetUnknownSessionIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/sessions/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorktreesAndBranches(t *testing.T) {
	ts, st := newTestServer(t)
	repo := initRepo(t)
	st.SetActiveProject(repo)

	resp, err := http.Get(ts.URL + "/api/worktrees")
	require.NoError(t, err)
	var worktrees []git.WorktreeInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&worktrees))
	resp.Body.Close()
	require.NotEmpty(t, worktrees, "main checkout is always listed")

	resp, err = http.Get(ts.URL + "/api/branches")
	require.NoError(t, err)
	var branches []git.BranchInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&branches))
	resp.Body.Close()
	require.NotEmpty(t, branches)
}

func TestStopScriptOnEmptySlot(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodDelete, ts.URL+"/api/script", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	ts, st := newTestServer(t)
	view, err := st.Create(t.Context(), store.CreateRequest{Name: "task"})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected", strings.TrimSpace(line))

	require.NoError(t, st.MarkViewed(t.Context(), view.ID))

	deadline := time.Now().Add(5 * time.Second)
	var sawUpdate bool
	for time.Now().Before(deadline) && !sawUpdate {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) == "event: session_updated" {
			sawUpdate = true
		}
	}
	assert.True(t, sawUpdate)
}
