package store

import (
	"bufio"
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeffjacobsen/crystal/errors"
)

// scriptSlot is the system-wide single slot for user-triggered commands
// (build, test, run scripts). Starting a new command terminates whatever
// occupies the slot.
type scriptSlot struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	sessionID string
	done      chan struct{}
}

// RunScript starts argv in the session's working copy (or cwd when given)
// and streams its combined output into the session's output records. Any
// command already in the slot is killed first, regardless of which session
// owns it.
func (s *Store) RunScript(ctx context.Context, sessionID string, argv []string, cwd string) error {
	if len(argv) == 0 {
		return errors.New(errors.ErrCodeInvalidInput, "script command must not be empty")
	}
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	if cwd == "" {
		sess.mu.Lock()
		cwd = sess.worktreePath
		if cwd == "" {
			cwd = sess.repoPath
		}
		sess.mu.Unlock()
	}

	s.script.mu.Lock()
	defer s.script.mu.Unlock()
	s.evictLocked()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to open script output pipe")
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return errors.SpawnFailed(argv[0], err)
	}

	done := make(chan struct{})
	s.script.cmd = cmd
	s.script.sessionID = sessionID
	s.script.done = done
	s.log.WithFields(logrus.Fields{"session": sessionID, "pid": cmd.Process.Pid}).Info("Script started")

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if _, err := s.AppendOutput(context.Background(), sessionID, OutputStdout, scanner.Text()); err != nil {
				s.log.WithError(err).Debug("Failed to append script output")
			}
		}
		err := cmd.Wait()
		// Signal the drain before touching the slot lock; an evictor may be
		// waiting on done while holding it.
		close(done)
		s.script.mu.Lock()
		if s.script.cmd == cmd {
			s.script.cmd = nil
			s.script.sessionID = ""
			s.script.done = nil
		}
		s.script.mu.Unlock()
		entry := s.log.WithField("session", sessionID)
		if err != nil {
			entry.WithError(err).Info("Script exited")
		} else {
			entry.Info("Script exited")
		}
	}()
	return nil
}

// StopScript kills whatever occupies the script slot. Calling it with an
// empty slot is a no-op.
func (s *Store) StopScript() error {
	s.script.mu.Lock()
	defer s.script.mu.Unlock()
	s.evictLocked()
	return nil
}

// ScriptSession returns the session ID owning the script slot, or "".
func (s *Store) ScriptSession() string {
	s.script.mu.Lock()
	defer s.script.mu.Unlock()
	return s.script.sessionID
}

// evictLocked terminates the slot's occupant and waits for its reader to
// drain. Requires s.script.mu held throughout; the lock is never dropped,
// so no concurrent caller can install a command mid-eviction. The reader
// closes done before it touches the slot lock, so waiting here cannot
// deadlock against it.
func (s *Store) evictLocked() {
	cmd := s.script.cmd
	done := s.script.done
	if cmd == nil {
		return
	}
	s.log.WithField("pid", cmd.Process.Pid).Info("Evicting script slot")
	// Kill the whole process group so shell children die too.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
	s.script.cmd = nil
	s.script.sessionID = ""
	s.script.done = nil
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("Script reader did not drain after kill")
	}
}
