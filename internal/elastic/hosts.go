package elastic

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/Will-Luck/elastic-driver/internal/events"
	"github.com/Will-Luck/elastic-driver/internal/metrics"
)

// Provider is the host discovery provider contract (spec.md §6): it
// enumerates the hosts currently usable for training along with each
// host's advertised slot count. Implementations may be backed by a
// scheduler API, a static file, or anything else; HostManager only needs
// this one method, polled at roughly 1 Hz by ElasticDriver's discovery
// loop.
type Provider interface {
	ListHosts(ctx context.Context) (map[string]uint, error)
}

// hostEvent is a fire-once broadcast latch: once a host is lost (blacklisted
// or vanished from discovery), that fact is permanent, so a resettable flag
// would be the wrong abstraction (per spec.md §9's design note).
type hostEvent struct {
	once sync.Once
	ch   chan struct{}
}

func newHostEvent() *hostEvent {
	return &hostEvent{ch: make(chan struct{})}
}

// fire trips the latch. Safe to call multiple times or concurrently.
func (e *hostEvent) fire() {
	e.once.Do(func() { close(e.ch) })
}

// Done returns a channel that closes when the host is lost.
func (e *hostEvent) Done() <-chan struct{} {
	return e.ch
}

// HostManager polls the discovery provider and maintains the authoritative
// current host set (spec.md §4.1). All methods are safe for concurrent use.
type HostManager struct {
	mu        sync.RWMutex
	provider  Provider
	log       *slog.Logger
	bus       *events.Bus
	firstCall bool

	available map[string]uint     // hostname -> slots, currently eligible
	blacklist map[string]struct{} // permanently excluded this process lifetime
	seenOrder []string            // first-seen order over every host ever observed
	events    map[string]*hostEvent
}

// NewHostManager creates a HostManager backed by provider.
func NewHostManager(provider Provider, log *slog.Logger) *HostManager {
	return &HostManager{
		provider:  provider,
		log:       log,
		firstCall: true,
		available: make(map[string]uint),
		blacklist: make(map[string]struct{}),
		events:    make(map[string]*hostEvent),
	}
}

// SetEventBus wires host-discovered/host-blacklisted notifications to bus.
// Optional: a HostManager with no bus set simply skips publishing.
func (h *HostManager) SetEventBus(bus *events.Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bus = bus
}

func (h *HostManager) publishLocked(typ events.EventType, host string) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(events.StatusEvent{Type: typ, Host: host, Timestamp: time.Now()})
}

// UpdateAvailableHosts invokes the discovery provider once and returns true
// iff the available set changed from the previous observation.
//
// Failure policy (spec.md §4.1): an error on the very first call is fatal
// and propagates -- it almost always means misconfiguration. An error on
// any later call is transient: it is logged and swallowed, and the
// previously known set is retained.
func (h *HostManager) UpdateAvailableHosts(ctx context.Context) (bool, error) {
	raw, err := h.provider.ListHosts(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	wasFirst := h.firstCall
	h.firstCall = false

	if err != nil {
		if wasFirst {
			return false, err
		}
		h.log.Warn("discovery provider call failed, retaining previous host set", "error", err)
		return false, nil
	}

	// Hosts first seen in the same call are recorded in name order, so the
	// first-seen ordering never depends on map iteration order.
	names := make([]string, 0, len(raw))
	for host := range raw {
		names = append(names, host)
	}
	sort.Strings(names)

	next := make(map[string]uint, len(raw))
	for _, host := range names {
		slots := raw[host]
		if _, blacklisted := h.blacklist[host]; blacklisted {
			continue
		}
		next[host] = slots
		if _, known := h.events[host]; !known {
			h.publishLocked(events.EventHostDiscovered, host)
		}
		h.observeLocked(host)
	}

	// Hosts present before but absent now have vanished from discovery;
	// their cancellation signal fires so workers on them can tear down.
	for host := range h.available {
		if _, stillThere := next[host]; !stillThere {
			h.fireLocked(host)
		}
	}

	changed := !reflect.DeepEqual(h.available, next)
	h.available = next
	return changed, nil
}

// observeLocked records a hostname's first appearance and ensures it has a
// cancellation signal. Caller must hold h.mu.
func (h *HostManager) observeLocked(host string) {
	if _, ok := h.events[host]; !ok {
		h.events[host] = newHostEvent()
		h.seenOrder = append(h.seenOrder, host)
	}
}

func (h *HostManager) fireLocked(host string) {
	if ev, ok := h.events[host]; ok {
		ev.fire()
	}
}

// Blacklist permanently excludes hostname: it is removed from
// available_hosts and never returns. Idempotent.
func (h *HostManager) Blacklist(hostname string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, already := h.blacklist[hostname]; already {
		return
	}
	h.observeLocked(hostname)
	h.blacklist[hostname] = struct{}{}
	delete(h.available, hostname)
	h.fireLocked(hostname)
	metrics.BlacklistedHosts.Set(float64(len(h.blacklist)))
	h.publishLocked(events.EventHostBlacklisted, hostname)
	h.log.Info("host blacklisted", "host", hostname)
}

// GetHostEvent returns (creating if absent) the cancellation signal for
// hostname. It fires when the host is blacklisted or vanishes from
// discovery.
func (h *HostManager) GetHostEvent(hostname string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observeLocked(hostname)
	return h.events[hostname].Done()
}

// OrderedAvailableHosts returns the currently available hosts in stable,
// first-seen order (spec.md §3): hosts never reorder relative to each
// other, new hosts are appended (those first seen in the same discovery
// call in name order), and removed hosts are simply dropped.
func (h *HostManager) OrderedAvailableHosts() []HostInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]HostInfo, 0, len(h.available))
	for _, host := range h.seenOrder {
		if slots, ok := h.available[host]; ok {
			out = append(out, HostInfo{Hostname: host, Slots: slots})
		}
	}
	return out
}

// SumAvailableSlots returns the total slot capacity currently advertised by
// eligible hosts.
func (h *HostManager) SumAvailableSlots() uint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var total uint
	for _, slots := range h.available {
		total += slots
	}
	return total
}

// IsBlacklisted reports whether hostname has been permanently excluded.
func (h *HostManager) IsBlacklisted(hostname string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.blacklist[hostname]
	return ok
}
