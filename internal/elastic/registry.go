package elastic

import (
	"log/slog"
	"sync"

	"github.com/Will-Luck/elastic-driver/internal/metrics"
)

// participantState is the per-(host,local_rank) state within one
// rendezvous round (spec.md §3, §4.3).
type participantState int

const (
	stateUnreported participantState = iota
	stateReady
	stateSuccess
	stateFailure
)

// RoundObserver is the driver's capability the registry uses to react to a
// finalized round, modeled as an interface per spec.md §9 ("Back-reference
// registry -> driver") so the registry holds a narrow callback capability
// rather than owning the driver's lifetime.
type RoundObserver interface {
	// OnRoundCommitted is invoked when every expected participant in a
	// round reports SUCCESS.
	OnRoundCommitted(roundID uint64)
	// OnRoundFailed is invoked when a round aborts; failedHosts lists the
	// hostnames whose workers reported FAILURE (policy: a worker's failure
	// implicates its host).
	OnRoundFailed(failedHosts []string)
}

// round is one rendezvous cohort: the expected participant set at the
// moment it was created, plus each participant's current state.
type round struct {
	id        uint64
	expected  map[slotKey]struct{}
	states    map[slotKey]participantState
	finalized bool
	committed bool
}

func newRound(id uint64, expected []slotKey) *round {
	r := &round{
		id:       id,
		expected: make(map[slotKey]struct{}, len(expected)),
		states:   make(map[slotKey]participantState, len(expected)),
	}
	for _, k := range expected {
		r.expected[k] = struct{}{}
		r.states[k] = stateUnreported
	}
	return r
}

func (r *round) allTerminal() bool {
	for k := range r.expected {
		s := r.states[k]
		if s != stateSuccess && s != stateFailure {
			return false
		}
	}
	return true
}

// WorkerStateRegistry tracks ready/success/failure reports for the current
// rendezvous round and decides the round's outcome once every live worker
// has reported (spec.md §4.3).
type WorkerStateRegistry struct {
	mu       sync.Mutex
	log      *slog.Logger
	observer RoundObserver

	current        *round
	nextRoundID    uint64
	lastRendezvous uint64 // round_id of the last COMMITTED round
	hasLastRendez  bool
}

// NewWorkerStateRegistry creates a registry that calls back into observer
// when a round aborts.
func NewWorkerStateRegistry(observer RoundObserver, log *slog.Logger) *WorkerStateRegistry {
	return &WorkerStateRegistry{
		observer: observer,
		log:      log,
	}
}

// Reset closes the current round (force-aborting it if not already
// finalized) and allocates a new round over participants, incrementing
// round_id. The driver must call Reset before spawning supervisors for a
// new round, so that no supervisor can ever report into a stale round
// (spec.md §5).
func (reg *WorkerStateRegistry) Reset(participants []slotKey) {
	reg.mu.Lock()
	roundID := reg.nextRoundID
	reg.nextRoundID++
	reg.current = newRound(roundID, participants)
	reg.mu.Unlock()
}

// RecordReady marks a participant READY if it was previously UNREPORTED.
// A call for a participant outside the current round's expected set, or
// against an already-finalized round, is a no-op (spec.md §8 property 6).
func (reg *WorkerStateRegistry) RecordReady(hostname string, localRank uint) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r := reg.current
	if r == nil || r.finalized {
		return
	}
	k := keyOf(hostname, localRank)
	if _, expected := r.expected[k]; !expected {
		return
	}
	if r.states[k] == stateUnreported {
		r.states[k] = stateReady
	}
}

// RecordSuccess transitions a participant to SUCCESS from any non-terminal
// state and returns the round_id the report was accounted against. Reports
// for a finalized round or an unexpected participant are discarded
// (errRegistryStaleReport), matching spec.md's RegistryStaleReport policy;
// the returned ok is false in that case.
func (reg *WorkerStateRegistry) RecordSuccess(hostname string, localRank uint) (roundID uint64, ok bool) {
	return reg.record(hostname, localRank, stateSuccess)
}

// RecordFailure transitions a participant to FAILURE from any non-terminal
// state and returns the round_id the report was accounted against.
func (reg *WorkerStateRegistry) RecordFailure(hostname string, localRank uint) (roundID uint64, ok bool) {
	return reg.record(hostname, localRank, stateFailure)
}

func (reg *WorkerStateRegistry) record(hostname string, localRank uint, next participantState) (uint64, bool) {
	reg.mu.Lock()

	r := reg.current
	if r == nil || r.finalized {
		reg.mu.Unlock()
		reg.log.Debug("discarding report for a finalized or absent round", "host", hostname, "local_rank", localRank, "reason", errRegistryStaleReport)
		return 0, false
	}
	k := keyOf(hostname, localRank)
	if _, expected := r.expected[k]; !expected {
		reg.mu.Unlock()
		reg.log.Debug("discarding report for an unexpected participant", "host", hostname, "local_rank", localRank, "round_id", r.id, "reason", errRegistryStaleReport)
		return 0, false
	}

	cur := r.states[k]
	if cur == stateSuccess || cur == stateFailure {
		// already terminal; still attributed to this round_id, nothing changes
		roundID := r.id
		reg.mu.Unlock()
		return roundID, true
	}
	r.states[k] = next
	roundID := r.id

	if !r.allTerminal() {
		reg.mu.Unlock()
		return roundID, true
	}

	// Finalization: determine outcome and run the callback outside the
	// lock, so the callback can safely re-enter the driver (spec.md §5).
	r.finalized = true
	allSuccess := true
	var failedHosts []string
	seenFailedHost := make(map[string]struct{})
	for k, s := range r.states {
		if s != stateSuccess {
			allSuccess = false
		}
		if s == stateFailure {
			if _, seen := seenFailedHost[k.Hostname]; !seen {
				seenFailedHost[k.Hostname] = struct{}{}
				failedHosts = append(failedHosts, k.Hostname)
			}
		}
	}
	if allSuccess {
		r.committed = true
		reg.lastRendezvous = r.id
		reg.hasLastRendez = true
	}
	observer := reg.observer
	reg.mu.Unlock()

	if allSuccess {
		metrics.RoundsCommitted.Inc()
		reg.log.Info("rendezvous round committed", "round_id", roundID)
		if observer != nil {
			observer.OnRoundCommitted(roundID)
		}
	} else {
		metrics.RoundsAborted.Inc()
		reg.log.Info("rendezvous round aborted", "round_id", roundID, "failed_hosts", failedHosts)
		if observer != nil {
			observer.OnRoundFailed(failedHosts)
		}
	}
	return roundID, true
}

// LastRendezvous returns the round_id of the most recently COMMITTED round,
// and whether any round has committed yet. WorkerSupervisor uses this to
// decide whether its own terminal round_id is "the" committed round before
// publishing into Results.
func (reg *WorkerStateRegistry) LastRendezvous() (uint64, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.lastRendezvous, reg.hasLastRendez
}
