package elastic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Will-Luck/elastic-driver/internal/clock"
	"github.com/Will-Luck/elastic-driver/internal/events"
	"github.com/Will-Luck/elastic-driver/internal/metrics"
)

// discoverHostsFrequency is the discovery loop's poll period (spec.md §4.4).
const discoverHostsFrequency = 1 * time.Second

// RendezvousClient pushes a new slot list to the rendezvous HTTP service
// (spec.md §6): init(slot_list). Workers separately poll that service to
// learn their rank; bit-compatibility with that wire format is outside this
// package's responsibility.
type RendezvousClient interface {
	Init(ctx context.Context, slots []SlotInfo) error
}

// WorkerClient is the memoized per-worker notification stub
// (notify_hosts_updated, spec.md §6). Any error it returns is swallowed by
// the driver and logged.
type WorkerClient interface {
	NotifyHostsUpdated(ctx context.Context, epochSeconds int64) error
}

// WorkerClientFactory builds a WorkerClient from the addresses and secret
// key a worker presents at RegisterWorkerServer time.
type WorkerClientFactory interface {
	NewClient(addresses []string, secretKey string) (WorkerClient, error)
}

// ElasticDriver orchestrates host discovery, rank assignment, worker
// supervision, and rendezvous rounds (spec.md §4.4).
type ElasticDriver struct {
	minNP, maxNP uint
	startTimeout time.Duration

	hosts       *HostManager
	rendezvous  RendezvousClient
	clientFac   WorkerClientFactory
	registry    *WorkerStateRegistry
	results     *Results
	log         *slog.Logger
	clk         clock.Clock
	bus         *events.Bus

	// hostsMu/hostsCond is the hosts-changed condition: it protects reads
	// and writes of the host manager's available set (as observed through
	// UpdateAvailableHosts) and wakes wait_for_available_hosts (spec.md §5).
	hostsMu   sync.Mutex
	hostsCond *sync.Cond

	// mu protects assignment state, the worker-client memo, the launcher,
	// and the finished/fatal flags.
	mu              sync.Mutex
	hostAssignments assignmentSet
	rankAssignments map[uint]SlotInfo
	worldSize       uint
	launcher        Launcher
	workerClients   map[slotKey]WorkerClient
	finished        bool
	fatalErr        error
	discoveryActive bool // set once Start has launched discoveryLoop

	ctx           context.Context
	shutdown      chan struct{}
	shutdownOnce  sync.Once
	discoveryDone chan struct{}
}

// NewElasticDriver creates a driver bounded to [minNP, maxNP] workers.
func NewElasticDriver(hosts *HostManager, rendezvous RendezvousClient, clientFac WorkerClientFactory, minNP, maxNP uint, startTimeout time.Duration, clk clock.Clock, log *slog.Logger) *ElasticDriver {
	d := &ElasticDriver{
		minNP:           minNP,
		maxNP:           maxNP,
		startTimeout:    startTimeout,
		hosts:           hosts,
		rendezvous:      rendezvous,
		clientFac:       clientFac,
		results:         NewResults(),
		log:             log,
		clk:             clk,
		rankAssignments: make(map[uint]SlotInfo),
		workerClients:   make(map[slotKey]WorkerClient),
		shutdown:        make(chan struct{}),
		discoveryDone:   make(chan struct{}),
	}
	d.hostsCond = sync.NewCond(&d.hostsMu)
	d.registry = NewWorkerStateRegistry(d, log.With("component", "registry"))
	return d
}

// SetEventBus wires round-commit/round-abort notifications to bus. Optional:
// a driver with no bus set simply skips publishing.
func (d *ElasticDriver) SetEventBus(bus *events.Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = bus
}

func (d *ElasticDriver) publish(evt events.StatusEvent) {
	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus == nil {
		return
	}
	evt.Timestamp = d.clk.Now()
	bus.Publish(evt)
}

// Start performs the first-round activation with target np workers, then
// launches the discovery loop. The initial discovery call happens
// synchronously here -- per spec.md §4.1, an error on this very first call
// is fatal and propagates to the caller.
func (d *ElasticDriver) Start(ctx context.Context, np uint, launcher Launcher) error {
	d.ctx = ctx
	d.mu.Lock()
	d.launcher = launcher
	d.mu.Unlock()

	if _, err := d.hosts.UpdateAvailableHosts(ctx); err != nil {
		return fmt.Errorf("initial host discovery: %w", err)
	}

	d.mu.Lock()
	d.discoveryActive = true
	d.mu.Unlock()
	go d.discoveryLoop(ctx)

	return d.activateHosts(ctx, np)
}

// resume re-activates at the driver's configured minimum after a failed
// round (spec.md §4.4 "resume()").
func (d *ElasticDriver) resume(ctx context.Context) error {
	return d.activateHosts(ctx, d.minNP)
}

// OnRoundCommitted implements RoundObserver: it publishes a status event
// announcing the committed round_id.
func (d *ElasticDriver) OnRoundCommitted(roundID uint64) {
	d.publish(events.StatusEvent{
		Type:    events.EventRoundCommitted,
		Message: fmt.Sprintf("round %d committed", roundID),
	})
}

// OnRoundFailed implements RoundObserver: it blacklists the hosts whose
// workers reported FAILURE, then resumes at min_np. Any fatal error from
// resume (Timeout, StateBroadcastLost) stops the driver and is recorded
// for Err().
func (d *ElasticDriver) OnRoundFailed(failedHosts []string) {
	d.publish(events.StatusEvent{
		Type:    events.EventRoundAborted,
		Message: fmt.Sprintf("round aborted, failed hosts: %v", failedHosts),
	})
	for _, host := range failedHosts {
		d.hosts.Blacklist(host)
	}
	d.hostsMu.Lock()
	d.hostsCond.Broadcast()
	d.hostsMu.Unlock()

	go func() {
		if err := d.resume(d.ctx); err != nil {
			d.log.Error("resume failed, stopping driver", "error", err)
			d.mu.Lock()
			d.fatalErr = err
			d.mu.Unlock()
			d.Stop()
		}
	}()
}

// activateHosts implements spec.md §4.4's _activate_hosts.
func (d *ElasticDriver) activateHosts(ctx context.Context, minNPForRound uint) error {
	start := d.clk.Now()
	if err := d.waitForAvailableHosts(ctx, minNPForRound); err != nil {
		return err
	}
	metrics.HostActivationDuration.Observe(d.clk.Since(start).Seconds())

	d.mu.Lock()
	prevAssignments := d.hostAssignments
	d.mu.Unlock()
	prevActive := activeKeySet(prevAssignments)

	hosts := d.hosts.OrderedAvailableHosts()
	metrics.AvailableHosts.Set(float64(len(hosts)))
	next, err := Assign(hosts, minNPForRound, d.maxNP)
	if err != nil {
		return err
	}

	if len(prevAssignments) > 0 && !survivesStateBroadcast(prevAssignments, next) {
		return ErrStateBroadcastLost
	}

	d.installAssignments(next)

	if err := d.rendezvous.Init(ctx, next); err != nil {
		return fmt.Errorf("push rendezvous init: %w", err)
	}

	d.registry.Reset(participantKeys(next))

	for _, slot := range newlyAssigned(prevActive, next) {
		d.spawnSupervisor(ctx, slot)
	}

	return nil
}

func (d *ElasticDriver) installAssignments(slots []SlotInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hostAssignments = groupByHost(slots)
	d.rankAssignments = make(map[uint]SlotInfo, len(slots))
	for _, s := range slots {
		d.rankAssignments[s.Rank] = s
	}
	d.worldSize = uint(len(slots))
}

func (d *ElasticDriver) spawnSupervisor(ctx context.Context, slot SlotInfo) {
	d.mu.Lock()
	launcher := d.launcher
	d.mu.Unlock()

	cancel := CancelSignals{
		Shutdown: d.shutdown,
		Host:     d.hosts.GetHostEvent(slot.Hostname),
	}
	sup := newWorkerSupervisor(slot, launcher, d.registry, d.results, d, cancel,
		d.log.With("host", slot.Hostname, "local_rank", slot.LocalRank))
	d.results.Expect(sup.Done())
	go sup.Run(ctx)
}

// waitForAvailableHosts blocks on the hosts-changed condition until
// available capacity reaches minNP or start_timeout elapses
// (spec.md §4.4 step 1). It loops on the predicate under the mutex and
// re-checks the deadline after every wake, the standard spurious-wake-safe
// pattern (spec.md §9). Since sync.Cond has no built-in deadline, a helper
// goroutine broadcasts once the deadline passes so a waiter blocked with no
// further host changes still wakes to re-check it.
func (d *ElasticDriver) waitForAvailableHosts(ctx context.Context, minNP uint) error {
	deadline := d.clk.Now().Add(d.startTimeout)

	timedOut := make(chan struct{})
	stopTimer := make(chan struct{})
	defer close(stopTimer)
	go func() {
		select {
		case <-d.clk.After(d.startTimeout):
			close(timedOut)
			d.hostsMu.Lock()
			d.hostsCond.Broadcast()
			d.hostsMu.Unlock()
		case <-stopTimer:
		}
	}()

	d.hostsMu.Lock()
	defer d.hostsMu.Unlock()
	for d.hosts.SumAvailableSlots() < minNP {
		select {
		case <-timedOut:
			return ErrStartTimeout
		default:
		}
		if !d.clk.Now().Before(deadline) {
			return ErrStartTimeout
		}
		d.hostsCond.Wait()
	}
	return nil
}

// discoveryLoop polls the discovery provider at discoverHostsFrequency
// until Stop is called (spec.md §4.4 "Discovery loop").
func (d *ElasticDriver) discoveryLoop(ctx context.Context) {
	defer close(d.discoveryDone)

	for {
		pollStart := d.clk.Now()
		d.hostsMu.Lock()
		changed, err := d.hosts.UpdateAvailableHosts(ctx)
		metrics.DiscoveryPollDuration.Observe(d.clk.Since(pollStart).Seconds())
		if err != nil {
			// Only the very first call can be fatal, and Start already
			// made that call synchronously; this should not happen, but
			// is handled defensively so the loop never dies silently.
			d.log.Error("unexpected error from discovery loop", "error", err)
		}
		if changed {
			d.hostsCond.Broadcast()
		}
		d.hostsMu.Unlock()

		if changed {
			d.notifyWorkersHostChanges(ctx)
		}

		select {
		case <-d.shutdown:
			return
		case <-d.clk.After(discoverHostsFrequency):
		}
	}
}

// notifyWorkersHostChanges implements spec.md §4.4's
// notify_workers_host_changes: best-effort, coordinator-only notification
// that membership may have changed.
func (d *ElasticDriver) notifyWorkersHostChanges(ctx context.Context) {
	hosts := d.hosts.OrderedAvailableHosts()
	candidate, err := Assign(hosts, d.minNP, d.maxNP)
	if err != nil {
		return
	}

	d.mu.Lock()
	current := make([]SlotInfo, 0, len(d.rankAssignments))
	for rank := uint(0); rank < d.worldSize; rank++ {
		if s, ok := d.rankAssignments[rank]; ok {
			current = append(current, s)
		}
	}
	coordinator, haveCoordinator := d.rankAssignments[0]
	d.mu.Unlock()

	if slotsEqual(candidate, current) {
		return
	}
	if !haveCoordinator {
		return
	}

	d.mu.Lock()
	client, ok := d.workerClients[keyOf(coordinator.Hostname, coordinator.LocalRank)]
	d.mu.Unlock()
	if !ok {
		return
	}

	if err := client.NotifyHostsUpdated(ctx, d.clk.Now().Unix()); err != nil {
		d.log.Debug("coordinator notification failed, ignoring", "host", coordinator.Hostname, "local_rank", coordinator.LocalRank, "error", err)
	}
}

// RegisterWorkerServer memoizes an RPC client for the worker at
// (host, local_rank), used for future change notifications.
func (d *ElasticDriver) RegisterWorkerServer(host string, localRank uint, addresses []string, secretKey string) error {
	client, err := d.clientFac.NewClient(addresses, secretKey)
	if err != nil {
		return fmt.Errorf("build worker client for %s[%d]: %w", host, localRank, err)
	}
	d.mu.Lock()
	d.workerClients[keyOf(host, localRank)] = client
	d.mu.Unlock()
	return nil
}

// RecordReady is a thin pass-through to the registry.
func (d *ElasticDriver) RecordReady(host string, localRank uint) {
	d.registry.RecordReady(host, localRank)
}

// GetSlotInfo returns the current SlotInfo for (host, local_rank), or
// InvalidSlot if there is none.
func (d *ElasticDriver) GetSlotInfo(host string, localRank uint) SlotInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.hostAssignments[host] {
		if s.LocalRank == localRank {
			return s
		}
	}
	return InvalidSlot
}

func (d *ElasticDriver) hasRankAssignment(host string, localRank uint) bool {
	return !d.GetSlotInfo(host, localRank).IsInvalid()
}

// WorldSize returns the current world size.
func (d *ElasticDriver) WorldSize() uint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.worldSize
}

// LocalSize returns the number of slots currently assigned on host.
func (d *ElasticDriver) LocalSize(host string) uint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint(len(d.hostAssignments[host]))
}

// GetAvailableHosts returns the hosts currently known eligible by discovery.
func (d *ElasticDriver) GetAvailableHosts() []HostInfo {
	return d.hosts.OrderedAvailableHosts()
}

// Stop is idempotent: it sets the shutdown signal and joins the discovery
// thread (if Start launched one).
func (d *ElasticDriver) Stop() {
	d.shutdownOnce.Do(func() {
		close(d.shutdown)
	})
	d.mu.Lock()
	discoveryActive := d.discoveryActive
	d.mu.Unlock()
	if discoveryActive {
		<-d.discoveryDone
	}

	d.mu.Lock()
	d.finished = true
	d.mu.Unlock()
}

// Finished reports whether Stop has been called.
func (d *ElasticDriver) Finished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

// Err returns the fatal error that stopped the driver, if resume() failed
// asynchronously after a round aborted (Timeout or StateBroadcastLost).
// Only meaningful once Finished returns true.
func (d *ElasticDriver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatalErr
}

// GetResults blocks until all spawned supervisors complete and returns the
// results snapshot. Documented as callable only after Stop (spec.md §9).
func (d *ElasticDriver) GetResults() map[string]Result {
	return d.results.GetResults()
}
