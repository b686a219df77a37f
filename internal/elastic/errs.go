package elastic

import "errors"

// ErrInsufficientCapacity is returned by Assign when fewer than minNP slots
// can be produced from the given hosts.
var ErrInsufficientCapacity = errors.New("elastic: insufficient host capacity for minimum world size")

// ErrStartTimeout is returned by wait_for_available_hosts (and therefore by
// Start/resume) when start_timeout elapses before enough capacity appears.
var ErrStartTimeout = errors.New("elastic: timed out waiting for available hosts")

// ErrStateBroadcastLost is fatal: no host survived from the previous
// rendezvous round, so there is no source of training state to recover
// from.
var ErrStateBroadcastLost = errors.New("elastic: no host survived from previous round, state broadcast lost")

// errRegistryStaleReport marks a report (ready/success/failure) that arrived
// for a round_id other than the currently active one, or for a participant
// outside the current round's expected set. It is handled internally -- it
// never escapes the registry.
var errRegistryStaleReport = errors.New("elastic: report for a stale or unexpected round")
