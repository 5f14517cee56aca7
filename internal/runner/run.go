package runner

import (
	"bufio"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeffjacobsen/crystal/errors"
)

// stderrKeywords trigger diagnostic logging; stderr never affects control flow.
var stderrKeywords = []string{"error", "fatal", "panic", "warning"}

// Run is the lifetime handle for one spawned agent process. It owns all
// process I/O; callers hold it only to observe events and request
// cancellation.
type Run struct {
	cmd         *exec.Cmd
	cfg         Config
	log         *logrus.Entry
	commandLine string

	events chan Event
	done   chan struct{}
	start  time.Time

	mu           sync.Mutex
	reason       TerminationReason
	lastActivity time.Time
	text         strings.Builder
	msgCount     int
	numTurns     int
	durationMs   int
	lastProgress int
	lastEmit     time.Time
	result       *Result
}

// Events returns the run's event stream. The channel is closed after the
// terminal completed/failed event.
func (run *Run) Events() <-chan Event {
	return run.events
}

// Done is closed once the process has exited and the terminal event was
// emitted.
func (run *Run) Done() <-chan struct{} {
	return run.done
}

// Result returns the terminal result, or nil while the run is live.
func (run *Run) Result() *Result {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.result
}

// Cancel force-terminates the run. Safe to call at any time, including after
// the process has already exited (no-op).
func (run *Run) Cancel() {
	run.terminate(ReasonCancelled)
}

// PID returns the spawned process ID.
func (run *Run) PID() int {
	return run.cmd.Process.Pid
}

// terminate records the first forced-termination reason, signals the process,
// and escalates to SIGKILL after the grace period. Subsequent calls and calls
// after exit are no-ops.
func (run *Run) terminate(reason TerminationReason) {
	select {
	case <-run.done:
		return
	default:
	}

	run.mu.Lock()
	if run.reason != ReasonNone {
		run.mu.Unlock()
		return
	}
	run.reason = reason
	run.mu.Unlock()

	run.log.WithField("reason", string(reason)).Info("Terminating agent process")

	run.signal(syscall.SIGTERM)

	go func() {
		select {
		case <-run.done:
		case <-time.After(run.cfg.KillGracePeriod):
			run.log.Warn("Grace period expired, sending SIGKILL")
			run.signal(syscall.SIGKILL)
		}
	}()
}

// signal delivers sig to the whole process group, falling back to the direct
// process if the group is already gone.
func (run *Run) signal(sig syscall.Signal) {
	pid := run.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		if err := run.cmd.Process.Signal(sig); err != nil {
			run.log.WithError(err).Debug("Signal failed, process likely exited")
		}
	}
}

// readOutput consumes stdout, feeding the incremental decoder and emitting
// output and throttled progress events.
func (run *Run) readOutput(stdout io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			run.touch()

			var records []Record
			records, buf = Decode(buf, chunk[:n])
			for i := range records {
				run.handleRecord(&records[i])
			}
		}
		if err != nil {
			if err != io.EOF {
				run.log.WithError(err).Debug("Stdout read ended")
			}
			return
		}
	}
}

// drainStderr watches the diagnostic stream for keyword-triggered logging.
func (run *Run) drainStderr(stderr io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)
		for _, kw := range stderrKeywords {
			if strings.Contains(lower, kw) {
				run.log.WithField("stderr", line).Warn("Agent diagnostic output")
				break
			}
		}
	}
}

// touch resets the silence clock.
func (run *Run) touch() {
	run.mu.Lock()
	run.lastActivity = time.Now()
	run.mu.Unlock()
}

func (run *Run) handleRecord(rec *Record) {
	run.mu.Lock()
	run.msgCount++

	switch rec.Kind {
	case KindAssistant:
		if rec.Text != "" {
			if run.text.Len() > 0 {
				run.text.WriteString("\n")
			}
			run.text.WriteString(rec.Text)
		}
	case KindResult:
		if rec.DurationMs > 0 {
			run.durationMs = rec.DurationMs
		}
		if rec.NumTurns > 0 {
			run.numTurns = rec.NumTurns
		}
	}

	// Progress grows monotonically with message count, capped below 100
	// until the terminal event.
	pct := 100 * run.msgCount / (run.msgCount + 20)
	if rec.Kind == KindResult {
		pct = 99
	}
	if pct < run.lastProgress {
		pct = run.lastProgress
	}

	emitProgress := false
	if pct > run.lastProgress &&
		(rec.Kind == KindResult || time.Since(run.lastEmit) >= run.cfg.ProgressInterval) {
		run.lastProgress = pct
		run.lastEmit = time.Now()
		emitProgress = true
	}
	run.mu.Unlock()

	run.emit(Event{Type: EventOutput, Record: rec})
	if emitProgress {
		// Progress is droppable; a slow observer loses ticks, not records
		select {
		case run.events <- Event{Type: EventProgress, Progress: pct}:
		default:
		}
	}
}

// emit delivers an event. Output and terminal events block rather than drop;
// the consuming store reads until channel close.
func (run *Run) emit(ev Event) {
	run.events <- ev
}

// watchdog enforces the silence and total timeouts. The two clocks are
// independent: silence resets on every chunk, total never resets.
func (run *Run) watchdog() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-run.done:
			return
		case <-ticker.C:
			run.mu.Lock()
			silent := time.Since(run.lastActivity)
			run.mu.Unlock()

			if time.Since(run.start) >= run.cfg.TotalTimeout {
				run.terminate(ReasonTotalTimeout)
				return
			}
			if silent >= run.cfg.SilenceTimeout {
				run.terminate(ReasonSilenceTimeout)
				return
			}
		}
	}
}

// monitorExit is the only caller of cmd.Wait. It runs after both stream
// readers finish, classifies the outcome, emits the terminal event, and
// closes the event channel.
func (run *Run) monitorExit(readers *sync.WaitGroup) {
	readers.Wait()
	waitErr := run.cmd.Wait()

	run.mu.Lock()
	reason := run.reason
	text := run.text.String()

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	res := Result{
		Text:       text,
		ExitCode:   exitCode,
		Duration:   time.Since(run.start),
		DurationMs: run.durationMs,
		NumTurns:   run.numTurns,
		Reason:     reason,
	}

	switch {
	case reason == ReasonNone && waitErr == nil:
		res.Outcome = OutcomeCompleted
		run.lastProgress = 100
	case text != "":
		// Forced termination or non-zero exit with usable partial output.
		// The partial text survives, but the cause still travels with the
		// result so consumers can surface it. User cancellation is the one
		// exception: stopping a run on request is not an error.
		res.Outcome = OutcomeCompletedPartial
		if reason != ReasonCancelled {
			res.Err = run.failureError(reason, waitErr)
		}
	default:
		res.Outcome = OutcomeFailed
		res.Err = run.failureError(reason, waitErr)
	}
	progress := run.lastProgress
	run.result = &res
	run.mu.Unlock()

	run.log.WithFields(logrus.Fields{
		"outcome":  string(res.Outcome),
		"exitCode": exitCode,
		"reason":   string(reason),
	}).Info("Agent process exited")

	if res.Outcome == OutcomeCompleted {
		run.emit(Event{Type: EventProgress, Progress: 100})
	} else if progress > 0 {
		run.emit(Event{Type: EventProgress, Progress: progress})
	}

	if res.Outcome == OutcomeFailed {
		run.emit(Event{Type: EventFailed, Result: &res, Err: res.Err})
	} else {
		run.emit(Event{Type: EventCompleted, Result: &res})
	}

	close(run.done)
	close(run.events)
}

func (run *Run) failureError(reason TerminationReason, waitErr error) error {
	switch reason {
	case ReasonSilenceTimeout:
		return errors.ProcessTimeout("silence", run.cfg.SilenceTimeout)
	case ReasonTotalTimeout:
		return errors.ProcessTimeout("total", run.cfg.TotalTimeout)
	case ReasonCancelled:
		return errors.New(errors.ErrCodeCommandFailed, "run cancelled before producing output")
	default:
		return errors.CommandFailed(run.commandLine, waitErr)
	}
}
