package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeffjacobsen/crystal/errors"
	"github.com/jeffjacobsen/crystal/internal/runner"
)

// agentArgs is appended after the configured args so the agent reads its
// prompt from stdin and emits newline-delimited JSON.
var agentArgs = []string{"-p", "--output-format", "stream-json", "--verbose"}

// StartAgent queues the session for a concurrency slot and spawns the agent
// in its working copy. At most one live run exists per session. The slot
// wait happens without any store or session lock held, so other sessions
// keep making progress while this one queues.
func (s *Store) StartAgent(ctx context.Context, id, prompt string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.run != nil || sess.starting {
		sess.mu.Unlock()
		return errors.New(errors.ErrCodeSessionConflict, fmt.Sprintf("session %s already has a running agent", id))
	}
	// Reserve the run before dropping the lock; the slot wait and spawn
	// happen outside it, and a second caller must not sneak past the check.
	sess.starting = true
	if prompt != "" {
		sess.prompt = prompt
	} else {
		prompt = sess.prompt
	}
	dir := sess.worktreePath
	if dir == "" {
		dir = sess.repoPath
	}
	sess.mu.Unlock()

	abort := func() {
		sess.mu.Lock()
		sess.starting = false
		sess.mu.Unlock()
	}

	if err := s.lim.Acquire(ctx); err != nil {
		abort()
		s.failSession(id, fmt.Sprintf("waiting for a run slot: %v", err))
		return err
	}

	// The run outlives the request that started it.
	runCtx := context.WithoutCancel(ctx)
	run, err := s.runner.Run(runCtx, runner.Spec{
		Command: s.agent.Command,
		Args:    append(append([]string{}, s.agent.Args...), agentArgs...),
		Dir:     dir,
		Input:   []byte(prompt),
	})
	if err != nil {
		s.lim.Release()
		abort()
		s.failSession(id, err.Error())
		return err
	}

	sess.mu.Lock()
	sess.run = run
	sess.slotHeld = true
	sess.starting = false
	sess.mu.Unlock()

	if err := s.UpdateStatus(runCtx, id, StatusRunning, ""); err != nil {
		s.log.WithError(err).WithField("session", id).Warn("Failed to mark session running")
	}
	s.log.WithFields(logrus.Fields{"session": id, "pid": run.PID()}).Info("Agent started")

	go s.consumeRun(id, sess, run)
	return nil
}

// Continue re-enters a finished session with a follow-up prompt and starts
// a fresh run in the same working copy.
func (s *Store) Continue(ctx context.Context, id, prompt string) error {
	if err := s.UpdateStatus(ctx, id, StatusInitializing, ""); err != nil {
		return err
	}
	return s.StartAgent(ctx, id, prompt)
}

// Stop cancels a session's live run. Stopping a session whose run already
// exited is not an error.
func (s *Store) Stop(id string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	run := sess.run
	sess.mu.Unlock()
	if run == nil {
		s.log.WithField("session", id).Debug("Stop requested with no live run")
		return nil
	}
	run.Cancel()
	return nil
}

// consumeRun drains a run's event stream into the store: every decoded
// record becomes an output record, progress is forwarded on the bus, and
// the terminal result drives the final status transition.
func (s *Store) consumeRun(id string, sess *Session, run *runner.Run) {
	ctx := context.Background()
	for ev := range run.Events() {
		switch ev.Type {
		case runner.EventOutput:
			if _, err := s.AppendOutput(ctx, id, OutputStructured, string(ev.Record.Raw)); err != nil {
				s.log.WithError(err).WithField("session", id).Warn("Failed to append output record")
			}
		case runner.EventProgress:
			s.bus.Publish(Event{Type: EventSessionUpdated, SessionID: id, Progress: ev.Progress})
		}
	}

	sess.mu.Lock()
	sess.run = nil
	held := sess.slotHeld
	sess.slotHeld = false
	sess.mu.Unlock()
	if held {
		s.lim.Release()
	}

	res := run.Result()
	if res == nil {
		// Events closed without a terminal result; treat as an internal fault.
		s.failSession(id, "run ended without a result")
		return
	}

	summary := fmt.Sprintf("run %s in %s", res.Outcome, res.Duration.Round(time.Millisecond))
	if res.NumTurns > 0 {
		summary += fmt.Sprintf(" (%d turns)", res.NumTurns)
	}
	if _, err := s.AppendOutput(ctx, id, OutputLifecycle, summary); err != nil {
		s.log.WithError(err).WithField("session", id).Debug("Failed to append lifecycle record")
	}

	status, lastErr := statusForResult(res)
	if err := s.UpdateStatus(ctx, id, status, lastErr); err != nil {
		// The session may have been archived while the run wound down.
		s.log.WithError(err).WithField("session", id).Debug("Terminal status update skipped")
	}
	s.log.WithFields(logrus.Fields{
		"session": id,
		"outcome": res.Outcome,
		"status":  status,
	}).Info("Agent run finished")
}

// statusForResult maps a run outcome to the session's terminal status. A
// cancelled run was stopped by the user; a timed-out run that produced
// usable text still completes, carrying the timeout as its last error.
func statusForResult(res *runner.Result) (Status, string) {
	switch res.Outcome {
	case runner.OutcomeCompleted:
		return StatusCompleted, ""
	case runner.OutcomeCompletedPartial:
		if res.Reason == runner.ReasonCancelled {
			return StatusStopped, ""
		}
		return StatusCompleted, errMessage(res.Err)
	default:
		if res.Reason == runner.ReasonCancelled {
			return StatusStopped, ""
		}
		return StatusError, errMessage(res.Err)
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Store) failSession(id, msg string) {
	if err := s.UpdateStatus(context.Background(), id, StatusError, msg); err != nil {
		s.log.WithError(err).WithField("session", id).Warn("Failed to mark session errored")
	}
}
