package launcher

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/Will-Luck/elastic-driver/internal/elastic"
)

// CommandLauncher runs a configured shell command per slot via os/exec,
// standing in for the real worker process launcher (spec.md §6: "given a
// slot descriptor, runs the user training function to completion"). Rank
// information is passed to the child process via environment variables,
// following the convention real elastic-training launchers use (e.g.
// PMI/MPI rank env vars) so the child doesn't need to parse flags.
type CommandLauncher struct {
	Command []string // argv; Command[0] is the executable
	Log     *slog.Logger

	// KillGrace bounds how long a worker gets to exit on its own after a
	// cancel signal fires before CommandLauncher sends SIGKILL.
	KillGrace time.Duration
}

// Launch implements elastic.Launcher.
func (l *CommandLauncher) Launch(ctx context.Context, slot elastic.SlotInfo, cancel elastic.CancelSignals) (int, int64) {
	cmdCtx, stop := context.WithCancel(ctx)
	defer stop()

	cmd := exec.CommandContext(cmdCtx, l.Command[0], l.Command[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.Env = append(cmd.Environ(),
		"ELASTIC_RANK="+strconv.FormatUint(uint64(slot.Rank), 10),
		"ELASTIC_LOCAL_RANK="+strconv.FormatUint(uint64(slot.LocalRank), 10),
		"ELASTIC_SIZE="+strconv.FormatUint(uint64(slot.Size), 10),
		"ELASTIC_LOCAL_SIZE="+strconv.FormatUint(uint64(slot.LocalSize), 10),
		"ELASTIC_CROSS_RANK="+strconv.FormatUint(uint64(slot.CrossRank), 10),
		"ELASTIC_CROSS_SIZE="+strconv.FormatUint(uint64(slot.CrossSize), 10),
		"ELASTIC_HOSTNAME="+slot.Hostname,
	)

	if err := cmd.Start(); err != nil {
		l.Log.Error("failed to start worker command", "host", slot.Hostname, "local_rank", slot.LocalRank, "error", err)
		return 1, time.Now().Unix()
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err := <-waitDone:
		return exitCodeOf(err), time.Now().Unix()
	case <-cancel.Shutdown:
	case <-cancel.Host:
	}

	// A cancel signal fired before the worker exited on its own: ask it to
	// stop (SIGTERM via cmd.Cancel), then escalate to SIGKILL after KillGrace.
	stop()
	grace := l.KillGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case err := <-waitDone:
		return exitCodeOf(err), time.Now().Unix()
	case <-time.After(grace):
		_ = cmd.Process.Signal(syscall.SIGKILL)
		err := <-waitDone
		return exitCodeOf(err), time.Now().Unix()
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
