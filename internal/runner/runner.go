package runner

import (
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeffjacobsen/crystal/command"
	"github.com/jeffjacobsen/crystal/errors"
)

// Outcome is the terminal classification of a run.
type Outcome string

const (
	// OutcomeCompleted is a clean zero exit; the accumulated text is the result.
	OutcomeCompleted Outcome = "completed"
	// OutcomeCompletedPartial is a forced termination that still produced
	// usable text. Partial output is returned, never discarded.
	OutcomeCompletedPartial Outcome = "completed_partial"
	// OutcomeFailed is a forced termination or non-zero exit with no usable
	// output. Callers fall back to a non-agent path.
	OutcomeFailed Outcome = "failed"
)

// TerminationReason records why a run was forced to stop.
type TerminationReason string

const (
	ReasonNone           TerminationReason = ""
	ReasonSilenceTimeout TerminationReason = "silence_timeout"
	ReasonTotalTimeout   TerminationReason = "total_timeout"
	ReasonCancelled      TerminationReason = "cancelled"
)

// EventType discriminates run events.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventOutput    EventType = "output"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is one emission from a run handle.
type Event struct {
	Type     EventType
	Progress int
	Record   *Record
	Result   *Result
	Err      error
}

// Result summarizes a finished run.
type Result struct {
	Outcome    Outcome
	Text       string
	ExitCode   int
	Duration   time.Duration
	DurationMs int
	NumTurns   int
	Reason     TerminationReason
	Err        error
}

// Config bounds a run's liveness.
type Config struct {
	// SilenceTimeout forces termination after this long without output.
	// Resets on every received chunk.
	SilenceTimeout time.Duration
	// TotalTimeout forces termination after this much wall clock, regardless
	// of activity.
	TotalTimeout time.Duration
	// KillGracePeriod is how long SIGTERM is given before SIGKILL.
	KillGracePeriod time.Duration
	// ProgressInterval throttles progress events.
	ProgressInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = 5 * time.Minute
	}
	if c.TotalTimeout == 0 {
		c.TotalTimeout = 60 * time.Minute
	}
	if c.KillGracePeriod == 0 {
		c.KillGracePeriod = 5 * time.Second
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
	return c
}

// Spec describes one process to run.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	// Input is written to the process's stdin, which is then closed; the
	// process treats closure as "input complete".
	Input []byte
	// Env is a KEY=VALUE overlay appended to the daemon's environment.
	Env []string
}

// Runner spawns agent processes and supervises their streams.
type Runner struct {
	cfg  Config
	exec command.Executor
	log  *logrus.Entry
}

// New creates a runner. Zero config fields get production defaults.
func New(cfg Config, exec command.Executor, log *logrus.Entry) *Runner {
	return &Runner{
		cfg:  cfg.withDefaults(),
		exec: exec,
		log:  log,
	}
}

// Run spawns the process described by spec and returns a cancellable handle.
// Spawn failures are returned immediately; everything after a successful
// spawn is reported through the handle's event channel.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Run, error) {
	if _, err := r.exec.LookPath(spec.Command); err != nil {
		return nil, errors.SpawnFailed(spec.Command, err)
	}

	cmd := r.exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	// Own process group, so forced termination reaches the agent's children
	// and cannot leave a grandchild holding the output pipe open
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.SpawnFailed(spec.Command, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.SpawnFailed(spec.Command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.SpawnFailed(spec.Command, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.SpawnFailed(spec.Command, err)
	}

	run := &Run{
		cmd:          cmd,
		cfg:          r.cfg,
		log:          r.log.WithField("pid", cmd.Process.Pid),
		commandLine:  spec.Command + " " + strings.Join(spec.Args, " "),
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
		start:        time.Now(),
		lastActivity: time.Now(),
	}

	run.log.WithField("dir", spec.Dir).Info("Spawned agent process")

	var readers sync.WaitGroup

	go func() {
		if len(spec.Input) > 0 {
			if _, err := stdin.Write(spec.Input); err != nil {
				run.log.WithError(err).Debug("Failed writing input payload")
			}
		}
		// Closing stdin tells the process input is complete
		_ = stdin.Close()
	}()

	readers.Add(2)
	go run.readOutput(stdout, &readers)
	go run.drainStderr(stderr, &readers)

	go run.watchdog()
	go run.monitorExit(&readers)

	go func() {
		select {
		case <-ctx.Done():
			run.terminate(ReasonCancelled)
		case <-run.done:
		}
	}()

	return run, nil
}
