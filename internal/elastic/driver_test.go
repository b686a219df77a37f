package elastic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Will-Luck/elastic-driver/internal/logging"
)

var errBoom = errors.New("boom")

// mockClock implements clock.Clock for testing, following the same shape
// as the host-discovery driver's own mockClock: After fires immediately so
// waitForAvailableHosts's deadline elapses without a real-time sleep.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(t time.Time) *mockClock {
	return &mockClock{now: t}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

func (c *mockClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(t)
}

type fakeRendezvous struct {
	mu   sync.Mutex
	got  [][]SlotInfo
	err  error
}

func (r *fakeRendezvous) Init(ctx context.Context, slots []SlotInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, slots)
	return nil
}

func (r *fakeRendezvous) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type fakeWorkerClient struct {
	mu        sync.Mutex
	notifyErr error
	notified  int
}

func (c *fakeWorkerClient) NotifyHostsUpdated(ctx context.Context, epochSeconds int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified++
	return c.notifyErr
}

type fakeWorkerClientFactory struct {
	client WorkerClient
	err    error
}

func (f *fakeWorkerClientFactory) NewClient(addresses []string, secretKey string) (WorkerClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func newTestDriver(t *testing.T, hostsResp map[string]uint, minNP, maxNP uint) (*ElasticDriver, *fakeProvider, *fakeRendezvous) {
	t.Helper()
	p := &fakeProvider{resp: hostsResp}
	hm := NewHostManager(p, logging.New(false).Logger)
	rdzv := &fakeRendezvous{}
	fac := &fakeWorkerClientFactory{client: &fakeWorkerClient{}}
	clk := newMockClock(time.Unix(1000, 0))
	d := NewElasticDriver(hm, rdzv, fac, minNP, maxNP, 50*time.Millisecond, clk, logging.New(false).Logger)
	return d, p, rdzv
}

func TestDriverStartActivatesWithAvailableHosts(t *testing.T) {
	d, _, rdzv := newTestDriver(t, map[string]uint{"h1": 2}, 1, 2)
	defer d.Stop()

	err := d.Start(context.Background(), 1, &fakeLauncher{exitCode: 0, finishedAt: 1000})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := d.WorldSize(); got != 2 {
		t.Errorf("WorldSize() = %d, want 2", got)
	}
	if rdzv.calls() != 1 {
		t.Errorf("rendezvous Init called %d times, want 1", rdzv.calls())
	}
	if slot := d.GetSlotInfo("h1", 0); slot.IsInvalid() {
		t.Error("GetSlotInfo(h1,0) invalid, want a valid slot after activation")
	}
	if !d.hasRankAssignment("h1", 0) {
		t.Error("hasRankAssignment(h1,0) = false, want true")
	}
	if got := d.LocalSize("h1"); got != 2 {
		t.Errorf("LocalSize(h1) = %d, want 2", got)
	}
}

func TestDriverStartTimesOutWithInsufficientHosts(t *testing.T) {
	d, _, _ := newTestDriver(t, map[string]uint{"h1": 1}, 4, 8)
	defer d.Stop()

	err := d.Start(context.Background(), 4, &fakeLauncher{})
	if err != ErrStartTimeout {
		t.Fatalf("Start() error = %v, want ErrStartTimeout", err)
	}
}

func TestDriverGetSlotInfoInvalidForUnknownHost(t *testing.T) {
	d, _, _ := newTestDriver(t, map[string]uint{"h1": 1}, 1, 1)
	defer d.Stop()

	if err := d.Start(context.Background(), 1, &fakeLauncher{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if slot := d.GetSlotInfo("ghost", 0); !slot.IsInvalid() {
		t.Errorf("GetSlotInfo(ghost,0) = %+v, want InvalidSlot", slot)
	}
}

func TestDriverRegisterWorkerServerMemoizesClient(t *testing.T) {
	d, _, _ := newTestDriver(t, map[string]uint{"h1": 1}, 1, 1)
	defer d.Stop()

	if err := d.RegisterWorkerServer("h1", 0, []string{"127.0.0.1:1234"}, "secret"); err != nil {
		t.Fatalf("RegisterWorkerServer() error = %v", err)
	}
	d.mu.Lock()
	_, ok := d.workerClients[keyOf("h1", 0)]
	d.mu.Unlock()
	if !ok {
		t.Error("workerClients missing entry for h1[0] after RegisterWorkerServer")
	}
}

func TestDriverRegisterWorkerServerPropagatesFactoryError(t *testing.T) {
	p := &fakeProvider{resp: map[string]uint{"h1": 1}}
	hm := NewHostManager(p, logging.New(false).Logger)
	fac := &fakeWorkerClientFactory{err: errBoom}
	d := NewElasticDriver(hm, &fakeRendezvous{}, fac, 1, 1, time.Second, newMockClock(time.Unix(0, 0)), logging.New(false).Logger)

	if err := d.RegisterWorkerServer("h1", 0, nil, "secret"); err == nil {
		t.Error("RegisterWorkerServer() error = nil, want non-nil when the factory fails")
	}
}

func TestDriverOnRoundFailedBlacklistsAndResumes(t *testing.T) {
	d, _, rdzv := newTestDriver(t, map[string]uint{"h1": 1, "h2": 1}, 1, 2)
	defer d.Stop()

	if err := d.Start(context.Background(), 1, &fakeLauncher{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	d.OnRoundFailed([]string{"h1"})

	// OnRoundFailed blacklists synchronously; resume() runs in a goroutine.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d.hosts.IsBlacklisted("h1") && rdzv.calls() >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !d.hosts.IsBlacklisted("h1") {
		t.Error("IsBlacklisted(h1) = false, want true after OnRoundFailed([h1])")
	}
}

func TestNotifyCoordinatorReassignment(t *testing.T) {
	d, p, _ := newTestDriver(t, map[string]uint{"h2": 1}, 1, 2)
	defer d.Stop()
	if err := d.Start(context.Background(), 1, &fakeLauncher{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Stop the discovery loop so it cannot also notice the host change below
	// and notify; the explicit notifyWorkersHostChanges call is then the only
	// notification.
	d.Stop()

	// h2 is currently rank 0; register its client as the coordinator, plus
	// a stale client under an unrelated key that must never be touched.
	coordClient := &fakeWorkerClient{}
	staleClient := &fakeWorkerClient{}
	d.mu.Lock()
	d.workerClients[keyOf("h2", 0)] = coordClient
	d.workerClients[keyOf("h1", 0)] = staleClient
	d.mu.Unlock()

	// A new host joins; the candidate assignment now differs from the
	// installed one, so the registered coordinator (h2) should be notified.
	p.set(map[string]uint{"h2": 1, "h3": 1}, nil)
	if _, err := d.hosts.UpdateAvailableHosts(context.Background()); err != nil {
		t.Fatalf("UpdateAvailableHosts() error = %v", err)
	}

	d.notifyWorkersHostChanges(context.Background())

	coordClient.mu.Lock()
	notified := coordClient.notified
	coordClient.mu.Unlock()
	if notified != 1 {
		t.Errorf("coordinator notified %d times, want 1", notified)
	}

	staleClient.mu.Lock()
	staleNotified := staleClient.notified
	staleClient.mu.Unlock()
	if staleNotified != 0 {
		t.Errorf("stale client notified %d times, want 0", staleNotified)
	}
}

func TestDriverStopIsIdempotentAndSetsFinished(t *testing.T) {
	d, _, _ := newTestDriver(t, map[string]uint{"h1": 1}, 1, 1)
	if err := d.Start(context.Background(), 1, &fakeLauncher{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d.Stop()
	d.Stop() // must not panic or deadlock

	if !d.Finished() {
		t.Error("Finished() = false after Stop()")
	}
}
