package elastic

import (
	"context"
	"log/slog"

	"github.com/Will-Luck/elastic-driver/internal/metrics"
)

// Launcher is the worker process launcher contract (spec.md §6): given a
// slot descriptor, it runs the user training function to completion and
// returns the exit code and the timestamp it ended, honoring the supplied
// cancel signals for prompt teardown.
type Launcher interface {
	Launch(ctx context.Context, slot SlotInfo, cancel CancelSignals) (exitCode int, finishedAt int64)
}

// CancelSignals bundles the two cooperative-cancellation channels a worker
// must honor: the driver-wide shutdown signal and this worker's
// per-host cancellation signal (spec.md §4.5, §5).
type CancelSignals struct {
	Shutdown <-chan struct{}
	Host     <-chan struct{}
}

// driverHandle is the narrow slice of ElasticDriver a WorkerSupervisor
// needs, kept as an interface so supervisor.go has no import-time
// dependency on driver.go's full surface.
type driverHandle interface {
	hasRankAssignment(hostname string, localRank uint) bool
	Finished() bool
}

// WorkerSupervisor is the per-worker goroutine spawned for one newly
// assigned slot (spec.md §4.5). It invokes the launcher, awaits exit, and
// forwards the exit status to the registry and to Results.
type WorkerSupervisor struct {
	slot     SlotInfo
	launcher Launcher
	registry *WorkerStateRegistry
	results  *Results
	driver   driverHandle
	cancel   CancelSignals
	log      *slog.Logger

	done chan struct{}
}

func newWorkerSupervisor(slot SlotInfo, launcher Launcher, registry *WorkerStateRegistry, results *Results, driver driverHandle, cancel CancelSignals, log *slog.Logger) *WorkerSupervisor {
	return &WorkerSupervisor{
		slot:     slot,
		launcher: launcher,
		registry: registry,
		results:  results,
		driver:   driver,
		cancel:   cancel,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Run invokes the launcher and blocks until the worker exits, then handles
// the exit. Intended to be run in its own goroutine; the done channel
// registered with Results is closed unconditionally on return.
func (w *WorkerSupervisor) Run(ctx context.Context) {
	defer close(w.done)

	exitCode, finishedAt := w.launcher.Launch(ctx, w.slot, w.cancel)
	w.handleExit(exitCode, finishedAt)
}

// Done returns the channel Results.Expect waits on to join this supervisor.
func (w *WorkerSupervisor) Done() <-chan struct{} {
	return w.done
}

// handleExit implements spec.md §4.5's _handle_worker_exit.
func (w *WorkerSupervisor) handleExit(exitCode int, finishedAt int64) {
	hostname, localRank := w.slot.Hostname, w.slot.LocalRank

	metrics.WorkerExits.WithLabelValues(metrics.ExitClass(exitCode)).Inc()

	if !w.driver.hasRankAssignment(hostname, localRank) {
		// Host was blacklisted or the slot was dropped before this worker
		// exited: nothing to report, nothing to publish.
		w.log.Debug("worker exited with no current rank assignment, ignoring", "host", hostname, "local_rank", localRank)
		return
	}

	var roundID uint64
	var ok bool
	if exitCode == 0 {
		roundID, ok = w.registry.RecordSuccess(hostname, localRank)
	} else {
		roundID, ok = w.registry.RecordFailure(hostname, localRank)
	}
	if !ok {
		return
	}

	if !w.driver.Finished() {
		return
	}
	last, hasLast := w.registry.LastRendezvous()
	if !hasLast || last != roundID {
		return
	}

	w.results.AddResult(Key(hostname, localRank), Result{ExitCode: exitCode, Timestamp: epochTime(finishedAt)})
}
