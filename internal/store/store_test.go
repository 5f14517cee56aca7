package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffjacobsen/crystal/command"
	"github.com/jeffjacobsen/crystal/config"
	"github.com/jeffjacobsen/crystal/errors"
	"github.com/jeffjacobsen/crystal/git"
	"github.com/jeffjacobsen/crystal/internal/db"
	"github.com/jeffjacobsen/crystal/internal/limiter"
	"github.com/jeffjacobsen/crystal/internal/runner"
	"github.com/jeffjacobsen/crystal/logging"
	"github.com/jeffjacobsen/crystal/testutil"
)

// fakeAgent writes an executable that ignores its flags, drains stdin, and
// runs the given body. The store launches it in place of the real agent.
func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	script := "#!/bin/sh\ncat > /dev/null\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestStore(t *testing.T, agentCommand string) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "crystal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	log := logging.Discard().Logger("store-test")
	builder := command.NewSafeBuilder()
	agent := config.AgentConfig{
		Command:         agentCommand,
		KillGracePeriod: config.Duration(200 * time.Millisecond),
	}

	return New(Options{
		DB:       database,
		Bus:      NewBus(),
		Worktree: git.NewManager(builder, ".crystal-worktrees", log),
		Runner: runner.New(runner.Config{
			KillGracePeriod:  200 * time.Millisecond,
			ProgressInterval: 10 * time.Millisecond,
		}, &command.RealExecutor{}, log),
		Limiter: limiter.New(2),
		Agent:   agent,
		Logger:  log,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	view, err := s.Create(context.Background(), CreateRequest{Name: "fix login", Prompt: "fix the login bug"})
	require.NoError(t, err)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, StatusInitializing, view.Status)

	got, err := s.Get(view.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix login", got.Name)

	_, err = s.Get("missing")
	assert.Equal(t, errors.ErrCodeSessionNotFound, errors.GetCode(err))

	_, err = s.Create(context.Background(), CreateRequest{Name: "   "})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
}

func TestListOrderedByCreation(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	for i := 0; i < 3; i++ {
		_, err := s.Create(context.Background(), CreateRequest{Name: fmt.Sprintf("task-%d", i)})
		require.NoError(t, err)
	}
	views := s.List()
	require.Len(t, views, 3)
	for i := 1; i < len(views); i++ {
		assert.False(t, views[i].CreatedAt.Before(views[i-1].CreatedAt))
	}
}

func TestCompletedPersistsAsStoppedAndViewingResolvesIt(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "review"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, view.ID, StatusRunning, ""))
	require.NoError(t, s.UpdateStatus(ctx, view.ID, StatusCompleted, ""))

	// Not yet viewed: reads back as completed_unviewed.
	got, err := s.Get(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedUnviewed, got.Status)
	require.NotNil(t, got.CompletedAt)

	// The persisted row carries stopped, never completed.
	row, err := s.db.GetSession(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusStopped), row.Status)

	require.NoError(t, s.MarkViewed(ctx, view.ID))
	got, err = s.Get(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestInvalidTransitionRejected(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "task"})
	require.NoError(t, err)

	err = s.UpdateStatus(ctx, view.ID, StatusWaiting, "")
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.GetCode(err))

	// The failed transition left the session untouched.
	got, err := s.Get(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, got.Status)
}

func TestAppendOutputSequencesAndEvents(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "task"})
	require.NoError(t, err)

	sub := s.Bus().Subscribe()
	defer s.Bus().Unsubscribe(sub)

	for i := 1; i <= 5; i++ {
		seq, err := s.AppendOutput(ctx, view.ID, OutputStdout, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}

	records, err := s.Outputs(view.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, rec := range records {
		assert.Equal(t, i+1, rec.Seq)
	}

	tail, err := s.Outputs(view.ID, 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 4, tail[0].Seq)

	var appended, available int
	for done := false; !done; {
		select {
		case ev := <-sub:
			switch ev.Type {
			case EventOutputAppended:
				appended++
				require.NotNil(t, ev.Record)
			case EventOutputAvailable:
				available++
			}
		default:
			done = true
		}
	}
	assert.Equal(t, 5, appended)
	assert.Equal(t, 5, available)
}

func TestArchiveIdempotent(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "task"})
	require.NoError(t, err)

	require.NoError(t, s.Archive(ctx, view.ID))
	require.NoError(t, s.Archive(ctx, view.ID), "second archive is a no-op")

	_, err = s.Get(view.ID)
	assert.Equal(t, errors.ErrCodeSessionNotFound, errors.GetCode(err))

	err = s.Archive(ctx, "never-existed")
	assert.Equal(t, errors.ErrCodeSessionNotFound, errors.GetCode(err))
}

func TestStartAgentRunsToCompletion(t *testing.T) {
	agent := fakeAgent(t, `printf '{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}\n'
printf '{"type":"result","subtype":"success","result":"all done","num_turns":2}\n'`)
	s := newTestStore(t, agent)
	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "task", Prompt: "do the thing"})
	require.NoError(t, err)

	require.NoError(t, s.StartAgent(ctx, view.ID, ""))
	waitFor(t, 5*time.Second, func() bool {
		got, err := s.Get(view.ID)
		return err == nil && got.Status == StatusCompletedUnviewed
	})

	records, err := s.Outputs(view.ID, 0)
	require.NoError(t, err)
	var structured, lifecycle int
	for _, rec := range records {
		switch rec.Kind {
		case OutputStructured:
			structured++
		case OutputLifecycle:
			lifecycle++
		}
	}
	assert.Equal(t, 2, structured)
	assert.Equal(t, 1, lifecycle)
}

func TestStartAgentAtMostOneLiveRun(t *testing.T) {
	agent := fakeAgent(t, `printf '{"type":"assistant","message":{"content":[{"type":"text","text":"busy"}]}}\n'
sleep 30`)
	s := newTestStore(t, agent)
	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "task", Prompt: "go"})
	require.NoError(t, err)

	require.NoError(t, s.StartAgent(ctx, view.ID, ""))
	waitFor(t, 5*time.Second, func() bool {
		got, _ := s.Get(view.ID)
		return got != nil && got.Status == StatusRunning
	})

	err = s.StartAgent(ctx, view.ID, "")
	assert.Equal(t, errors.ErrCodeSessionConflict, errors.GetCode(err))

	require.NoError(t, s.Stop(view.ID))
	waitFor(t, 5*time.Second, func() bool {
		got, _ := s.Get(view.ID)
		return got != nil && got.Status == StatusStopped
	})
	assert.Empty(t, s.LivePIDs())
}

func TestStartAgentConcurrentCallsSpawnOnce(t *testing.T) {
	pidLog := filepath.Join(t.TempDir(), "spawned")
	agent := fakeAgent(t, `echo $$ >> `+pidLog+`
sleep 30`)
	s := newTestStore(t, agent)
	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "task", Prompt: "go"})
	require.NoError(t, err)

	const callers = 6
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.StartAgent(ctx, view.ID, "")
		}(i)
	}
	wg.Wait()

	var started, conflicts int
	for _, err := range errs {
		if err == nil {
			started++
			continue
		}
		assert.Equal(t, errors.ErrCodeSessionConflict, errors.GetCode(err))
		conflicts++
	}
	assert.Equal(t, 1, started, "exactly one caller wins the run")
	assert.Equal(t, callers-1, conflicts)

	// The agent records its PID as its first action; once the winner is
	// visible, no further process may appear.
	waitFor(t, 5*time.Second, func() bool {
		data, _ := os.ReadFile(pidLog)
		return len(strings.Fields(string(data))) >= 1
	})
	time.Sleep(200 * time.Millisecond)
	data, err := os.ReadFile(pidLog)
	require.NoError(t, err)
	assert.Len(t, strings.Fields(string(data)), 1, "one winner, one process")
	assert.Len(t, s.LivePIDs(), 1)

	require.NoError(t, s.Stop(view.ID))
	waitFor(t, 5*time.Second, func() bool { return len(s.LivePIDs()) == 0 })
}

func TestSingleLiveProcessUnderConcurrentStartStop(t *testing.T) {
	pidLog := filepath.Join(t.TempDir(), "spawned")
	agent := fakeAgent(t, `echo $$ >> `+pidLog+`
sleep 0.2
printf '{"type":"result","subtype":"success","result":"ok"}\n'`)
	s := newTestStore(t, agent)
	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "task", Prompt: "go"})
	require.NoError(t, err)

	var successes atomic.Int32
	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.StartAgent(ctx, view.ID, "go"); err == nil {
					successes.Add(1)
				} else {
					assert.Equal(t, errors.ErrCodeSessionConflict, errors.GetCode(err))
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(50 * time.Millisecond)
			assert.NoError(t, s.Stop(view.ID))
		}()
		wg.Wait()
		waitFor(t, 5*time.Second, func() bool {
			got, _ := s.Get(view.ID)
			return got != nil && !got.Running
		})
	}

	waitFor(t, 5*time.Second, func() bool { return len(s.LivePIDs()) == 0 })
	data, err := os.ReadFile(pidLog)
	require.NoError(t, err)
	spawned := len(strings.Fields(string(data)))
	assert.Equal(t, int(successes.Load()), spawned,
		"every successful start spawns exactly one process")
}

func TestTimeoutPartialCompletesWithLastError(t *testing.T) {
	agent := fakeAgent(t, `printf '{"type":"assistant","message":{"content":[{"type":"text","text":"halfway"}]}}\n'
sleep 30`)
	database, err := db.Open(filepath.Join(t.TempDir(), "crystal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	log := logging.Discard().Logger("store-test")
	s := New(Options{
		DB:  database,
		Bus: NewBus(),
		Runner: runner.New(runner.Config{
			SilenceTimeout:  300 * time.Millisecond,
			KillGracePeriod: 200 * time.Millisecond,
		}, &command.RealExecutor{}, log),
		Limiter: limiter.New(1),
		Agent:   config.AgentConfig{Command: agent, KillGracePeriod: config.Duration(200 * time.Millisecond)},
		Logger:  log,
	})

	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "task", Prompt: "go"})
	require.NoError(t, err)
	require.NoError(t, s.StartAgent(ctx, view.ID, ""))

	// The timed-out run produced usable text, so the session completes,
	// but the timeout is recorded rather than silently dropped.
	waitFor(t, 10*time.Second, func() bool {
		got, _ := s.Get(view.ID)
		return got != nil && got.Status == StatusCompletedUnviewed
	})
	got, err := s.Get(view.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "PROCESS_TIMEOUT")
}

func TestStopWithoutLiveRunIsNoop(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	view, err := s.Create(context.Background(), CreateRequest{Name: "task"})
	require.NoError(t, err)
	assert.NoError(t, s.Stop(view.ID))
}

func TestContinueRestartsFinishedSession(t *testing.T) {
	agent := fakeAgent(t, `printf '{"type":"result","subtype":"success","result":"ok"}\n'`)
	s := newTestStore(t, agent)
	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "task", Prompt: "first"})
	require.NoError(t, err)

	require.NoError(t, s.StartAgent(ctx, view.ID, ""))
	waitFor(t, 5*time.Second, func() bool {
		got, _ := s.Get(view.ID)
		return got != nil && got.Status == StatusCompletedUnviewed
	})

	require.NoError(t, s.Continue(ctx, view.ID, "now do more"))
	waitFor(t, 5*time.Second, func() bool {
		got, _ := s.Get(view.ID)
		return got != nil && got.Status == StatusCompletedUnviewed
	})

	got, err := s.Get(view.ID)
	require.NoError(t, err)
	assert.Equal(t, "now do more", got.Prompt)
}

func TestStartAgentSpawnFailureMarksError(t *testing.T) {
	s := newTestStore(t, "/nonexistent/agent")
	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "task", Prompt: "go"})
	require.NoError(t, err)

	err = s.StartAgent(ctx, view.ID, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeProcessSpawnFailed, errors.GetCode(err))

	got, err := s.Get(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.NotEmpty(t, got.LastError)
}

func TestRestoreNormalizesInterruptedSessions(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	ctx := context.Background()
	view, err := s.Create(ctx, CreateRequest{Name: "task"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, view.ID, StatusRunning, ""))
	_, err = s.AppendOutput(ctx, view.ID, OutputStdout, "partial work")
	require.NoError(t, err)

	// A fresh store over the same database simulates a daemon restart.
	restored := New(Options{
		DB:      s.db,
		Bus:     NewBus(),
		Limiter: limiter.New(1),
		Logger:  logging.Discard().Logger("restore-test"),
	})
	require.NoError(t, restored.Restore(ctx))

	got, err := restored.Get(view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Equal(t, "interrupted by daemon restart", got.LastError)

	records, err := restored.Outputs(view.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "partial work", records[0].Payload)
}

func TestRunScriptSingleSlot(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	ctx := context.Background()
	a, err := s.Create(ctx, CreateRequest{Name: "a", RepoPath: t.TempDir()})
	require.NoError(t, err)
	b, err := s.Create(ctx, CreateRequest{Name: "b", RepoPath: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, s.RunScript(ctx, a.ID, []string{"sh", "-c", "echo started; sleep 30"}, ""))
	assert.Equal(t, a.ID, s.ScriptSession())
	waitFor(t, 5*time.Second, func() bool {
		records, err := s.Outputs(a.ID, 0)
		return err == nil && len(records) > 0
	})

	// A second script evicts the first, even across sessions.
	require.NoError(t, s.RunScript(ctx, b.ID, []string{"sh", "-c", "echo hello"}, ""))
	assert.Equal(t, b.ID, s.ScriptSession())
	waitFor(t, 5*time.Second, func() bool {
		records, err := s.Outputs(b.ID, 0)
		return err == nil && len(records) > 0
	})

	waitFor(t, 5*time.Second, func() bool { return s.ScriptSession() == "" })
	require.NoError(t, s.StopScript(), "empty slot stop is a no-op")
}

func TestRunScriptConcurrentStartsKeepSingleSlot(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	ctx := context.Background()
	dir := t.TempDir()
	view, err := s.Create(ctx, CreateRequest{Name: "task", RepoPath: dir})
	require.NoError(t, err)

	require.NoError(t, s.RunScript(ctx, view.ID, []string{"sleep", "30"}, dir))

	// Racing starts evict each other; whoever wins, the slot must track
	// exactly one command afterwards.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.RunScript(ctx, view.ID, []string{"sleep", "30"}, dir))
		}()
	}
	wg.Wait()

	assert.Equal(t, view.ID, s.ScriptSession())
	require.NoError(t, s.StopScript())
	assert.Empty(t, s.ScriptSession())
}

func TestRunScriptValidation(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	ctx := context.Background()
	err := s.RunScript(ctx, "missing", []string{"true"}, "")
	assert.Equal(t, errors.ErrCodeSessionNotFound, errors.GetCode(err))

	view, err := s.Create(ctx, CreateRequest{Name: "task"})
	require.NoError(t, err)
	err = s.RunScript(ctx, view.ID, nil, "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
}

func TestLaunchConcurrentSameName(t *testing.T) {
	s := newTestStore(t, fakeAgent(t, `printf '{"type":"result","subtype":"success","result":"ok"}\n'`))
	// Worktrees land next to the repo, so nest it one level down.
	repo := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	testutil.InitGitRepo(t, repo)
	s.SetActiveProject(repo)

	const n = 3
	views := make([]*View, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			views[i], errs[i] = s.Launch(context.Background(), LaunchRequest{Name: "task", Prompt: "go"})
		}(i)
	}
	wg.Wait()

	paths := make(map[string]bool)
	branches := make(map[string]bool)
	for i, view := range views {
		require.NoError(t, errs[i])
		paths[view.WorktreePath] = true
		branches[view.Branch] = true
	}
	assert.Len(t, paths, n, "each launch gets its own worktree")
	assert.Len(t, branches, n, "each launch gets its own branch")

	waitFor(t, 5*time.Second, func() bool {
		for _, view := range s.List() {
			if view.Running {
				return false
			}
		}
		return true
	})
}

func TestActiveProject(t *testing.T) {
	s := newTestStore(t, "/bin/true")
	assert.Empty(t, s.ActiveProject())
	_, err := s.Launch(context.Background(), LaunchRequest{Name: "task", Prompt: "go"})
	assert.Equal(t, errors.ErrCodeNoActiveProject, errors.GetCode(err))

	s.SetActiveProject("/tmp/repo")
	assert.Equal(t, "/tmp/repo", s.ActiveProject())
}
