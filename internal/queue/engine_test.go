package queue_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/Swaathy05/new-queue-hack/internal/models"
	"github.com/Swaathy05/new-queue-hack/internal/notify"
	"github.com/Swaathy05/new-queue-hack/internal/queue"
	"github.com/Swaathy05/new-queue-hack/internal/store"
	"github.com/Swaathy05/new-queue-hack/internal/store/memory"
)

const owner = "operator-1"

var ownerActor = queue.Actor{OperatorID: owner}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceCodes struct {
	mu      sync.Mutex
	next    int
	tickets []string
}

func (c *sequenceCodes) TicketCode() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickets) > 0 {
		code := c.tickets[0]
		c.tickets = c.tickets[1:]
		return code, nil
	}
	c.next++
	return fmt.Sprintf("%06d", c.next), nil
}

func (c *sequenceCodes) JoinCode() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return fmt.Sprintf("JOIN%02d", c.next), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count(eventType, topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i, event := range p.events {
		if event.Type == eventType && p.topics[i] == topic {
			n++
		}
	}
	return n
}

type harness struct {
	engine    *queue.Engine
	store     *memory.Store
	clock     *fakeClock
	publisher *recordingPublisher
	org       models.Organization
	stations  []models.Station
}

func newHarness(t *testing.T, stationCount int, policy string) *harness {
	t.Helper()
	p, err := queue.PolicyByName(policy)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	h := &harness{
		store:     memory.New(),
		clock:     &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)},
		publisher: &recordingPublisher{},
	}
	h.engine = queue.NewEngine(h.store, queue.Options{
		Policy:    p,
		Clock:     h.clock,
		Codes:     &sequenceCodes{},
		Publisher: h.publisher,
	})
	h.org, h.stations, err = h.engine.CreateOrganization(context.Background(), ownerActor, "Clinic", "health", stationCount)
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	return h
}

func (h *harness) admit(t *testing.T) queue.Admission {
	t.Helper()
	admission, err := h.engine.Admit(context.Background(), h.org.JoinCode)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	h.clock.Advance(time.Second)
	return admission
}

func (h *harness) entry(t *testing.T, entryID string) models.Entry {
	t.Helper()
	entry, err := h.store.GetEntry(context.Background(), entryID)
	if err != nil {
		t.Fatalf("get entry %s: %v", entryID, err)
	}
	return entry
}

func (h *harness) expect(t *testing.T, entryID, status string, position int) {
	t.Helper()
	entry := h.entry(t, entryID)
	if entry.Status != status || entry.Position != position {
		t.Fatalf("entry %s: expected %s at %d, got %s at %d", entryID, status, position, entry.Status, entry.Position)
	}
}

// checkStations verifies every line invariant for every station.
func (h *harness) checkStations(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, station := range h.stations {
		err := h.store.Atomic(ctx, []string{station.StationID}, func(tx store.Tx) error {
			waiting, err := tx.Waiting(ctx, station.StationID)
			if err != nil {
				return err
			}
			if err := queue.CheckDense(waiting); err != nil {
				return err
			}
			_, serving, err := tx.Serving(ctx, station.StationID)
			if err != nil {
				return err
			}
			if !serving && len(waiting) > 0 {
				return fmt.Errorf("station %d has %d waiting and nobody serving", station.Number, len(waiting))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("station %d: %v", station.Number, err)
		}
	}
}

func TestScenarioAAdmitAndComplete(t *testing.T) {
	h := newHarness(t, 1, queue.PolicyNearFront)
	ctx := context.Background()

	t1 := h.admit(t)
	if t1.Entry.Status != models.StatusServing || t1.Position != 1 {
		t.Fatalf("T1: expected serving at 1, got %s at %d", t1.Entry.Status, t1.Position)
	}
	t2 := h.admit(t)
	if t2.Entry.Status != models.StatusWaiting || t2.Position != 1 || t2.Entry.Position != 1 {
		t.Fatalf("T2: expected waiting at 1, got %+v", t2)
	}

	done, err := h.engine.Complete(ctx, ownerActor, t1.Entry.EntryID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.StatusServed || done.CompletedAt == nil {
		t.Fatalf("T1: expected served, got %+v", done)
	}
	h.expect(t, t2.Entry.EntryID, models.StatusServing, 0)
	h.checkStations(t)

	records, err := h.engine.History(ctx, ownerActor, h.org.OrganizationID, "", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 1 || records[0].EntryID != t1.Entry.EntryID || records[0].Status != models.StatusServed {
		t.Fatalf("unexpected history %+v", records)
	}
	if records[0].WaitSeconds == nil || *records[0].WaitSeconds != 2 {
		t.Fatalf("expected 2s wait, got %v", records[0].WaitSeconds)
	}
	if h.publisher.count(notify.EventTurn, notify.TicketTopic(t2.Entry.Code)) != 1 {
		t.Fatalf("expected one turn event for T2")
	}
	if h.publisher.count(notify.EventServed, notify.OrganizationTopic(h.org.JoinCode)) != 1 {
		t.Fatalf("expected served event on organization topic")
	}
}

func TestScenarioBDeferNearFront(t *testing.T) {
	h := newHarness(t, 1, queue.PolicyNearFront)
	t1, t2, t3 := h.admit(t), h.admit(t), h.admit(t)

	deferred, err := h.engine.Defer(context.Background(), ownerActor, t1.Entry.EntryID)
	if err != nil {
		t.Fatalf("defer: %v", err)
	}
	if deferred.Status != models.StatusWaiting || deferred.Position != 1 || deferred.Deferrals != 1 {
		t.Fatalf("T1: expected waiting at 1 with one deferral, got %+v", deferred)
	}
	h.expect(t, t2.Entry.EntryID, models.StatusServing, 0)
	h.expect(t, t1.Entry.EntryID, models.StatusWaiting, 1)
	h.expect(t, t3.Entry.EntryID, models.StatusWaiting, 2)
	h.checkStations(t)
	if h.publisher.count(notify.EventDeferred, notify.TicketTopic(t1.Entry.Code)) != 1 {
		t.Fatalf("expected deferred event for T1")
	}
}

func TestScenarioBDeferBackOfLine(t *testing.T) {
	h := newHarness(t, 1, queue.PolicyBackOfLine)
	t1, t2, t3 := h.admit(t), h.admit(t), h.admit(t)

	if _, err := h.engine.Defer(context.Background(), ownerActor, t1.Entry.EntryID); err != nil {
		t.Fatalf("defer: %v", err)
	}
	h.expect(t, t2.Entry.EntryID, models.StatusServing, 0)
	h.expect(t, t3.Entry.EntryID, models.StatusWaiting, 1)
	h.expect(t, t1.Entry.EntryID, models.StatusWaiting, 2)
	h.checkStations(t)
}

func TestScenarioCSecondDeferralRemoves(t *testing.T) {
	h := newHarness(t, 1, queue.PolicyNearFront)
	ctx := context.Background()
	t1, t2, t3 := h.admit(t), h.admit(t), h.admit(t)

	if _, err := h.engine.Defer(ctx, ownerActor, t1.Entry.EntryID); err != nil {
		t.Fatalf("first defer: %v", err)
	}
	if _, err := h.engine.Complete(ctx, ownerActor, t2.Entry.EntryID); err != nil {
		t.Fatalf("complete T2: %v", err)
	}
	h.expect(t, t1.Entry.EntryID, models.StatusServing, 0)

	removed, err := h.engine.Defer(ctx, ownerActor, t1.Entry.EntryID)
	if err != nil {
		t.Fatalf("second defer: %v", err)
	}
	if removed.Status != models.StatusRemoved || removed.Deferrals != models.MaxDeferrals {
		t.Fatalf("T1: expected removed with 2 deferrals, got %+v", removed)
	}
	h.expect(t, t3.Entry.EntryID, models.StatusServing, 0)
	h.checkStations(t)

	records, err := h.engine.History(ctx, ownerActor, h.org.OrganizationID, models.StatusRemoved, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 1 || records[0].EntryID != t1.Entry.EntryID || records[0].Deferrals != 2 {
		t.Fatalf("unexpected removed history %+v", records)
	}

	if _, err := h.engine.Defer(ctx, ownerActor, t1.Entry.EntryID); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("acting on a removed entry: expected ErrInvalidTransition, got %v", err)
	}
}

func TestScenarioDConcurrentAdmissions(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t, 1, queue.PolicyNearFront)
		var wg sync.WaitGroup
		results := make([]queue.Admission, 2)
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = h.engine.Admit(context.Background(), h.org.JoinCode)
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				t.Fatalf("admit: %v", err)
			}
		}
		serving := 0
		for _, result := range results {
			if result.Entry.Status == models.StatusServing {
				serving++
			}
		}
		if serving != 1 {
			t.Fatalf("expected exactly one serving admission, got %d", serving)
		}
		h.checkStations(t)
	}
}

func TestDeferSoleEntryIsCalledAgain(t *testing.T) {
	h := newHarness(t, 1, queue.PolicyNearFront)
	only := h.admit(t)
	got, err := h.engine.Defer(context.Background(), ownerActor, only.Entry.EntryID)
	if err != nil {
		t.Fatalf("defer: %v", err)
	}
	if got.Status != models.StatusServing || got.Deferrals != 1 {
		t.Fatalf("expected sole entry back to serving with one deferral, got %+v", got)
	}
	h.checkStations(t)
}

func TestDeferWaitingEntryIsInvalid(t *testing.T) {
	for _, policy := range []string{queue.PolicyNearFront, queue.PolicyBackOfLine} {
		h := newHarness(t, 1, policy)
		h.admit(t)
		waiting := h.admit(t)
		_, err := h.engine.Defer(context.Background(), ownerActor, waiting.Entry.EntryID)
		if !errors.Is(err, queue.ErrInvalidTransition) {
			t.Fatalf("%s: expected ErrInvalidTransition, got %v", policy, err)
		}
	}
}

func TestRemoveWaitingCompactsLine(t *testing.T) {
	h := newHarness(t, 1, queue.PolicyNearFront)
	ctx := context.Background()
	t1, t2, t3, t4 := h.admit(t), h.admit(t), h.admit(t), h.admit(t)

	if _, err := h.engine.Remove(ctx, ownerActor, t3.Entry.EntryID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	h.expect(t, t1.Entry.EntryID, models.StatusServing, 0)
	h.expect(t, t2.Entry.EntryID, models.StatusWaiting, 1)
	h.expect(t, t4.Entry.EntryID, models.StatusWaiting, 2)

	if _, err := h.engine.Remove(ctx, ownerActor, t1.Entry.EntryID); err != nil {
		t.Fatalf("remove serving: %v", err)
	}
	h.expect(t, t2.Entry.EntryID, models.StatusServing, 0)
	h.expect(t, t4.Entry.EntryID, models.StatusWaiting, 1)
	h.checkStations(t)
}

func TestAdmitPicksShortestLineAndSkipsInactive(t *testing.T) {
	h := newHarness(t, 3, queue.PolicyNearFront)
	ctx := context.Background()

	var numbers []int
	for i := 0; i < 6; i++ {
		numbers = append(numbers, h.admit(t).Station.Number)
	}
	// Only waiting entries count, so each station first fills its serving
	// slot and then takes one waiting entry before the next is chosen.
	want := []int{1, 1, 2, 2, 3, 3}
	for i := range want {
		if numbers[i] != want[i] {
			t.Fatalf("expected assignment order %v, got %v", want, numbers)
		}
	}

	if _, err := h.engine.ToggleStation(ctx, ownerActor, h.stations[0].StationID); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if got := h.admit(t).Station.Number; got != 2 {
		t.Fatalf("expected station 2 once station 1 is inactive, got %d", got)
	}
	for _, station := range h.stations {
		if _, err := h.engine.SetStationActive(ctx, ownerActor, station.StationID, false); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
	}
	if _, err := h.engine.Admit(ctx, h.org.JoinCode); !errors.Is(err, queue.ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if h.publisher.count(notify.EventStationStatus, notify.OrganizationTopic(h.org.JoinCode)) != 3 {
		t.Fatalf("expected one status event per actual change")
	}
}

func TestUnauthorizedAndNotFound(t *testing.T) {
	h := newHarness(t, 1, queue.PolicyNearFront)
	ctx := context.Background()
	admission := h.admit(t)
	stranger := queue.Actor{OperatorID: "someone-else"}

	if _, err := h.engine.Complete(ctx, stranger, admission.Entry.EntryID); !errors.Is(err, queue.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.QueueView(ctx, stranger, h.stations[0].StationID); !errors.Is(err, queue.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for queue view, got %v", err)
	}
	if _, err := h.engine.Complete(ctx, ownerActor, "missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.Admit(ctx, "NOPE"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown join code, got %v", err)
	}
	if _, err := h.engine.Status(ctx, "000000"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown ticket, got %v", err)
	}
}

func TestAdmitRetriesOnCodeCollision(t *testing.T) {
	st := memory.New()
	codes := &sequenceCodes{tickets: []string{"111111", "111111", "222222"}}
	engine := queue.NewEngine(st, queue.Options{Codes: codes})
	org, _, err := engine.CreateOrganization(context.Background(), ownerActor, "Office", "", 2)
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	first, err := engine.Admit(context.Background(), org.JoinCode)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	second, err := engine.Admit(context.Background(), org.JoinCode)
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if first.Entry.Code != "111111" || second.Entry.Code != "222222" {
		t.Fatalf("expected retry to skip held code, got %s and %s", first.Entry.Code, second.Entry.Code)
	}
}

func TestAdmitGivesUpAfterBoundedAttempts(t *testing.T) {
	st := memory.New()
	codes := &sequenceCodes{tickets: []string{"111111", "111111", "111111", "111111"}}
	engine := queue.NewEngine(st, queue.Options{Codes: codes, CodeAttempts: 3})
	org, _, err := engine.CreateOrganization(context.Background(), ownerActor, "Office", "", 1)
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if _, err := engine.Admit(context.Background(), org.JoinCode); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	_, err = engine.Admit(context.Background(), org.JoinCode)
	if !errors.Is(err, queue.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestStatusAndEstimates(t *testing.T) {
	h := newHarness(t, 1, queue.PolicyNearFront)
	ctx := context.Background()

	first := h.admit(t)
	second := h.admit(t)
	third := h.admit(t)

	status, err := h.engine.Status(ctx, third.Entry.Code)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Position != 2 || status.EstimatedWaitSeconds != 360 || status.StationNumber != 1 {
		t.Fatalf("expected position 2 with default estimate, got %+v", status)
	}

	h.clock.Advance(30 * time.Second)
	serving, err := h.engine.Status(ctx, first.Entry.Code)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if serving.EstimatedWaitSeconds != 0 || serving.ServingSeconds != 33 {
		t.Fatalf("expected serving ticket with 33s elapsed, got %+v", serving)
	}

	view, err := h.engine.QueueView(ctx, ownerActor, h.stations[0].StationID)
	if err != nil {
		t.Fatalf("queue view: %v", err)
	}
	if view.Serving == nil || view.Serving.EntryID != first.Entry.EntryID || len(view.Waiting) != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Waiting[0].Entry.EntryID != second.Entry.EntryID || view.Waiting[1].EstimatedWaitSeconds != 360 {
		t.Fatalf("unexpected waiting view %+v", view.Waiting)
	}
}

func TestEstimateUsesRecentWaitsOnceWindowIsFull(t *testing.T) {
	h := newHarness(t, 1, queue.PolicyNearFront)
	ctx := context.Background()
	station := h.stations[0].StationID

	for i := 0; i < 5; i++ {
		admission := h.admit(t)
		h.clock.Advance(59 * time.Second)
		estimate, err := h.engine.Estimate(ctx, station)
		if err != nil {
			t.Fatalf("estimate: %v", err)
		}
		if !estimate.Default || estimate.Seconds != 180 {
			t.Fatalf("expected default estimate before 5 records, got %+v", estimate)
		}
		if _, err := h.engine.Complete(ctx, ownerActor, admission.Entry.EntryID); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	estimate, err := h.engine.Estimate(ctx, station)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if estimate.Default || estimate.Seconds != 60 || estimate.SampleSize != 5 {
		t.Fatalf("expected 60s rolling estimate, got %+v", estimate)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, 2, queue.PolicyNearFront)
	ctx := context.Background()
	a, b, c, d := h.admit(t), h.admit(t), h.admit(t), h.admit(t)

	// Station 1: a serving, b waiting. Station 2: c serving, d waiting.
	if _, err := h.engine.Complete(ctx, ownerActor, a.Entry.EntryID); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if _, err := h.engine.Defer(ctx, ownerActor, b.Entry.EntryID); err != nil {
		t.Fatalf("defer b: %v", err)
	}
	if _, err := h.engine.Remove(ctx, ownerActor, c.Entry.EntryID); err != nil {
		t.Fatalf("remove c: %v", err)
	}
	if _, err := h.engine.Complete(ctx, ownerActor, d.Entry.EntryID); err != nil {
		t.Fatalf("complete d: %v", err)
	}
	if _, err := h.engine.Complete(ctx, ownerActor, b.Entry.EntryID); err != nil {
		t.Fatalf("complete b: %v", err)
	}

	stats, err := h.engine.Stats(ctx, ownerActor, h.org.OrganizationID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Served != 3 || stats.Removed != 1 || stats.DeferredOnce != 1 || len(stats.Stations) != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, err := h.engine.History(ctx, ownerActor, h.org.OrganizationID, "waiting", 0); !errors.Is(err, queue.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for non-terminal status filter, got %v", err)
	}
}

func TestSweepOverdueDefersLongServingEntries(t *testing.T) {
	h := newHarness(t, 1, queue.PolicyNearFront)
	ctx := context.Background()
	t1, t2 := h.admit(t), h.admit(t)

	swept, err := h.engine.SweepOverdue(ctx)
	if err != nil || swept != 0 {
		t.Fatalf("expected nothing overdue yet, got %d %v", swept, err)
	}

	h.clock.Advance(2 * time.Minute)
	swept, err = h.engine.SweepOverdue(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected one swept entry, got %d", swept)
	}
	h.expect(t, t2.Entry.EntryID, models.StatusServing, 0)
	deferred := h.entry(t, t1.Entry.EntryID)
	if deferred.Status != models.StatusWaiting || deferred.Deferrals != 1 {
		t.Fatalf("expected T1 deferred once, got %+v", deferred)
	}

	h.clock.Advance(2 * time.Minute)
	if _, err := h.engine.SweepOverdue(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	h.clock.Advance(2 * time.Minute)
	if _, err := h.engine.SweepOverdue(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	h.expect(t, t1.Entry.EntryID, models.StatusRemoved, 0)
	h.checkStations(t)
}

// hookedStore runs a callback once right after a listing returns, so a test
// can change the store between a read taken outside the station lock and the
// locked section that follows it.
type hookedStore struct {
	store.Store
	afterListStations func()
	afterListOverdue  func([]models.Entry)
}

func (s *hookedStore) ListStations(ctx context.Context, organizationID string) ([]models.Station, error) {
	stations, err := s.Store.ListStations(ctx, organizationID)
	if hook := s.afterListStations; hook != nil {
		s.afterListStations = nil
		hook()
	}
	return stations, err
}

func (s *hookedStore) ListOverdue(ctx context.Context, servingBefore time.Time, limit int) ([]models.Entry, error) {
	entries, err := s.Store.ListOverdue(ctx, servingBefore, limit)
	if hook := s.afterListOverdue; hook != nil {
		s.afterListOverdue = nil
		hook(entries)
	}
	return entries, err
}

func TestAdmitSeesStationActivatedAfterListing(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	st := &hookedStore{Store: inner}
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	engine := queue.NewEngine(st, queue.Options{Clock: clock, Codes: &sequenceCodes{}})
	org, stations, err := engine.CreateOrganization(ctx, ownerActor, "Clinic", "", 2)
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if _, err := engine.SetStationActive(ctx, ownerActor, stations[1].StationID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	for i := 0; i < 3; i++ {
		admission, err := engine.Admit(ctx, org.JoinCode)
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if admission.Station.Number != 1 {
			t.Fatalf("expected station 1 while station 2 is inactive, got %d", admission.Station.Number)
		}
	}

	st.afterListStations = func() {
		err := inner.Atomic(ctx, []string{stations[1].StationID}, func(tx store.Tx) error {
			return tx.SetStationActive(ctx, stations[1].StationID, true)
		})
		if err != nil {
			t.Errorf("activate station 2: %v", err)
		}
	}
	admission, err := engine.Admit(ctx, org.JoinCode)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if admission.Station.Number != 2 || admission.Entry.Status != models.StatusServing {
		t.Fatalf("expected to be served at station 2, got station %d %s at %d",
			admission.Station.Number, admission.Entry.Status, admission.Entry.Position)
	}
}

func TestAdmitWithoutActiveStationsFailsInsideLock(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	st := &hookedStore{Store: inner}
	engine := queue.NewEngine(st, queue.Options{Codes: &sequenceCodes{}})
	org, stations, err := engine.CreateOrganization(ctx, ownerActor, "Clinic", "", 1)
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	st.afterListStations = func() {
		err := inner.Atomic(ctx, []string{stations[0].StationID}, func(tx store.Tx) error {
			return tx.SetStationActive(ctx, stations[0].StationID, false)
		})
		if err != nil {
			t.Errorf("deactivate: %v", err)
		}
	}
	if _, err := engine.Admit(ctx, org.JoinCode); !errors.Is(err, queue.ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if n, err := inner.CountHistory(ctx, store.HistoryFilter{OrganizationID: org.OrganizationID}); err != nil || n != 0 {
		t.Fatalf("expected no history, got %d %v", n, err)
	}
}

func TestSweepSkipsEntryThatLeftServing(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	st := &hookedStore{Store: inner}
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}
	engine := queue.NewEngine(st, queue.Options{Clock: clock, Codes: &sequenceCodes{}, Publisher: publisher})
	org, _, err := engine.CreateOrganization(ctx, ownerActor, "Clinic", "", 1)
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	first, err := engine.Admit(ctx, org.JoinCode)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	second, err := engine.Admit(ctx, org.JoinCode)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	clock.Advance(2 * time.Minute)

	listed := 0
	st.afterListOverdue = func(entries []models.Entry) {
		listed = len(entries)
		if _, err := engine.Complete(ctx, ownerActor, first.Entry.EntryID); err != nil {
			t.Errorf("complete: %v", err)
		}
	}
	swept, err := engine.SweepOverdue(ctx)
	if err != nil || swept != 0 {
		t.Fatalf("expected a no-op sweep, got %d %v", swept, err)
	}
	if listed != 1 {
		t.Fatalf("expected the serving entry to be listed as overdue, got %d", listed)
	}

	records, err := inner.CountHistory(ctx, store.HistoryFilter{OrganizationID: org.OrganizationID})
	if err != nil {
		t.Fatalf("count history: %v", err)
	}
	served, err := inner.CountHistory(ctx, store.HistoryFilter{OrganizationID: org.OrganizationID, Status: models.StatusServed})
	if err != nil {
		t.Fatalf("count served: %v", err)
	}
	if records != 1 || served != 1 {
		t.Fatalf("expected only the completion in history, got %d records %d served", records, served)
	}
	done, err := inner.GetEntry(ctx, first.Entry.EntryID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if done.Status != models.StatusServed || done.Deferrals != 0 {
		t.Fatalf("expected T1 served without deferral, got %+v", done)
	}
	next, err := inner.GetEntry(ctx, second.Entry.EntryID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if next.Status != models.StatusServing {
		t.Fatalf("expected T2 serving after completion, got %s", next.Status)
	}
	if n := publisher.count(notify.EventDeferred, notify.OrganizationTopic(org.JoinCode)); n != 0 {
		t.Fatalf("expected no deferral events, got %d", n)
	}
}

func TestCancelledContextIsNotStorageFailure(t *testing.T) {
	h := newHarness(t, 1, queue.PolicyNearFront)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Admit(ctx, h.org.JoinCode)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, queue.ErrStorageUnavailable) {
		t.Fatalf("cancellation must not be reported as a storage failure: %v", err)
	}
}

// TestConcurrentOperationsKeepInvariants drives random operations from many
// goroutines and then checks every line and the history archive.
func TestConcurrentOperationsKeepInvariants(t *testing.T) {
	h := newHarness(t, 3, queue.PolicyNearFront)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		admitted []string
		wg       sync.WaitGroup
	)
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 150; i++ {
				switch op := rng.Intn(10); {
				case op < 4:
					admission, err := h.engine.Admit(ctx, h.org.JoinCode)
					if errors.Is(err, queue.ErrNoCapacity) {
						continue
					}
					if err != nil {
						t.Errorf("admit: %v", err)
						return
					}
					mu.Lock()
					admitted = append(admitted, admission.Entry.EntryID)
					mu.Unlock()
				case op == 9:
					_, _ = h.engine.ToggleStation(ctx, ownerActor, h.stations[rng.Intn(len(h.stations))].StationID)
					_, _ = h.engine.SetStationActive(ctx, ownerActor, h.stations[0].StationID, true)
				default:
					mu.Lock()
					if len(admitted) == 0 {
						mu.Unlock()
						continue
					}
					target := admitted[rng.Intn(len(admitted))]
					mu.Unlock()
					var err error
					switch op {
					case 4, 5, 6:
						_, err = h.engine.Complete(ctx, ownerActor, target)
					case 7:
						_, err = h.engine.Defer(ctx, ownerActor, target)
					case 8:
						_, err = h.engine.Remove(ctx, ownerActor, target)
					}
					if err != nil && !errors.Is(err, queue.ErrInvalidTransition) {
						t.Errorf("operation %d on %s: %v", op, target, err)
						return
					}
				}
			}
		}(int64(worker + 1))
	}
	wg.Wait()
	h.checkStations(t)

	records, err := h.store.ListHistory(ctx, store.HistoryFilter{OrganizationID: h.org.OrganizationID})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	recorded := make(map[string]int, len(records))
	for _, record := range records {
		recorded[record.EntryID]++
	}
	for _, entryID := range admitted {
		entry := h.entry(t, entryID)
		if entry.Deferrals >= models.MaxDeferrals && entry.Status != models.StatusRemoved {
			t.Fatalf("entry %s has %d deferrals but status %s", entryID, entry.Deferrals, entry.Status)
		}
		want := 0
		if models.IsTerminal(entry.Status) {
			want = 1
		}
		if recorded[entryID] != want {
			t.Fatalf("entry %s (%s) has %d history records, want %d", entryID, entry.Status, recorded[entryID], want)
		}
	}
}
