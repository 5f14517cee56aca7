package store

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeffjacobsen/crystal/command"
)

// Housekeeper periodically scans for agent processes no session accounts
// for and for worktree bindings whose directory is gone.
type Housekeeper struct {
	store   *Store
	builder *command.SafeBuilder
	log     *logrus.Entry
}

func NewHousekeeper(store *Store, builder *command.SafeBuilder, log *logrus.Entry) *Housekeeper {
	return &Housekeeper{store: store, builder: builder, log: log}
}

// Run scans on the given interval until ctx is cancelled.
func (h *Housekeeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Scan(ctx)
		}
	}
}

// Scan runs both checks once.
func (h *Housekeeper) Scan(ctx context.Context) {
	h.scanOrphans(ctx)
	h.scanStaleWorktrees(ctx)
}

// scanOrphans looks for agent processes that no live run owns, typically
// left behind by a previous daemon. It only reports; killing is left to
// the operator because PID reuse makes it unsafe to automate.
func (h *Housekeeper) scanOrphans(ctx context.Context) {
	out, err := h.builder.Output(ctx, "", "pgrep", "-f", h.store.agent.Command+" .*--output-format stream-json")
	if err != nil {
		// pgrep exits 1 when nothing matches.
		return
	}
	known := h.store.LivePIDs()
	var orphans []int
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		if pid == os.Getpid() {
			continue
		}
		if _, ok := known[pid]; !ok {
			orphans = append(orphans, pid)
		}
	}
	if len(orphans) == 0 {
		return
	}
	h.log.WithField("pids", orphans).Warn("Detected agent processes not owned by any session")
	h.store.bus.Publish(Event{Type: EventZombieProcesses, PIDs: orphans})
}

// scanStaleWorktrees drops worktree bindings whose directory no longer
// exists and prunes git's own bookkeeping for them.
func (h *Housekeeper) scanStaleWorktrees(ctx context.Context) {
	rows, err := h.store.db.ListWorktrees(ctx, "")
	if err != nil {
		h.log.WithError(err).Warn("Failed to list worktree bindings")
		return
	}
	for _, row := range rows {
		if _, err := os.Stat(row.Path); err == nil {
			continue
		}
		h.log.WithFields(logrus.Fields{"path": row.Path, "session": row.SessionID}).Info("Pruning stale worktree binding")
		if _, err := h.builder.Output(ctx, row.RepoPath, "git", "worktree", "prune"); err != nil {
			h.log.WithError(err).Debug("git worktree prune failed")
		}
		if err := h.store.db.DeleteWorktree(ctx, row.Path); err != nil {
			h.log.WithError(err).Warn("Failed to delete stale worktree binding")
		}
	}
}
