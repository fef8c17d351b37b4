package bridge

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/BurntRouter/wampmeter/internal/meta"
	"github.com/BurntRouter/wampmeter/internal/metrics"
	"github.com/BurntRouter/wampmeter/internal/wamp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var errTransient = errors.New("connection reset")

type fakeEntity struct {
	uri   string
	count int
}

// fakeMeta is an in-memory router meta API. countErr and getErr override
// the answer for specific ids.
type fakeMeta struct {
	sessions   int
	sessionErr error
	listErr    error

	regs map[wamp.ID]fakeEntity
	subs map[wamp.ID]fakeEntity

	getErr   map[wamp.ID]error
	countErr map[wamp.ID]error

	sessionCalls int
	countCalls   int
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		regs:     make(map[wamp.ID]fakeEntity),
		subs:     make(map[wamp.ID]fakeEntity),
		getErr:   make(map[wamp.ID]error),
		countErr: make(map[wamp.ID]error),
	}
}

func (f *fakeMeta) SessionCount(context.Context) (int, error) {
	f.sessionCalls++
	return f.sessions, f.sessionErr
}

func (f *fakeMeta) ListRegistrations(context.Context) ([]wamp.ID, error) {
	return listIDs(f.regs, f.listErr)
}

func (f *fakeMeta) GetRegistration(_ context.Context, id wamp.ID) (meta.Entity, error) {
	return f.lookup(f.regs, id, wamp.ErrURINoSuchRegistration)
}

func (f *fakeMeta) CountCallees(_ context.Context, id wamp.ID) (int, error) {
	return f.count(f.regs, id, wamp.ErrURINoSuchRegistration)
}

func (f *fakeMeta) ListSubscriptions(context.Context) ([]wamp.ID, error) {
	return listIDs(f.subs, f.listErr)
}

func (f *fakeMeta) GetSubscription(_ context.Context, id wamp.ID) (meta.Entity, error) {
	return f.lookup(f.subs, id, wamp.ErrURINoSuchSubscription)
}

func (f *fakeMeta) CountSubscribers(_ context.Context, id wamp.ID) (int, error) {
	return f.count(f.subs, id, wamp.ErrURINoSuchSubscription)
}

func listIDs(m map[wamp.ID]fakeEntity, err error) ([]wamp.ID, error) {
	if err != nil {
		return nil, err
	}
	ids := make([]wamp.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeMeta) lookup(m map[wamp.ID]fakeEntity, id wamp.ID, notFound string) (meta.Entity, error) {
	if err := f.getErr[id]; err != nil {
		return meta.Entity{}, err
	}
	e, ok := m[id]
	if !ok {
		return meta.Entity{}, &wamp.Error{URI: notFound}
	}
	return meta.Entity{ID: id, URI: e.uri, Match: "exact"}, nil
}

func (f *fakeMeta) count(m map[wamp.ID]fakeEntity, id wamp.ID, notFound string) (int, error) {
	f.countCalls++
	if err := f.countErr[id]; err != nil {
		return 0, err
	}
	e, ok := m[id]
	if !ok {
		return 0, &wamp.Error{URI: notFound}
	}
	return e.count, nil
}

// fakeSink records gauge series by name and URI.
type fakeSink struct {
	mu      sync.Mutex
	series  map[string]map[string]float64
	removes int
}

func newFakeSink() *fakeSink {
	return &fakeSink{series: make(map[string]map[string]float64)}
}

func (s *fakeSink) SetGauge(name, uri string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.series[name] == nil {
		s.series[name] = make(map[string]float64)
	}
	s.series[name][uri] = v
}

func (s *fakeSink) RemoveGaugeSeries(name, uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.series[name][uri]; !ok {
		return false
	}
	delete(s.series[name], uri)
	s.removes++
	return true
}

func (s *fakeSink) value(name, uri string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.series[name][uri]
	return v, ok
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestCore(api MetaAPI, sink Sink) *Core {
	return NewCore(api, sink, DefaultConfig(), quietLogger())
}

// assertCoupled checks that the gauge series of a kind are exactly the URIs
// its registry maps to.
func assertCoupled(t *testing.T, reg *Registry, sink *fakeSink, gauge string) {
	t.Helper()
	want := make(map[string]bool)
	for _, uri := range reg.Snapshot() {
		want[uri] = true
	}
	for uri := range sink.series[gauge] {
		if !want[uri] {
			t.Fatalf("orphaned %s series for %q", gauge, uri)
		}
	}
	for uri := range want {
		if _, ok := sink.series[gauge][uri]; !ok {
			t.Fatalf("registry entry for %q has no %s series", uri, gauge)
		}
	}
}

func ev(topic string, id wamp.ID) meta.Event { return meta.Event{Topic: topic, ID: id} }

func bootstrapped(t *testing.T, api *fakeMeta) (*Core, *fakeSink) {
	t.Helper()
	sink := newFakeSink()
	c := newTestCore(api, sink)
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c, sink
}

func TestBootstrapSetsCalleeGauge(t *testing.T) {
	api := newFakeMeta()
	api.sessions = 4
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 2}
	api.subs[11] = fakeEntity{uri: "com.foo.topic", count: 3}

	c, sink := bootstrapped(t, api)

	if v, ok := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); !ok || v != 2 {
		t.Fatalf("callee gauge = %v (present=%v), want 2", v, ok)
	}
	if v, ok := sink.value(metrics.ActiveSubscriptionCount, "com.foo.topic"); !ok || v != 3 {
		t.Fatalf("subscription gauge = %v (present=%v), want 3", v, ok)
	}
	if v, _ := sink.value(metrics.ActiveSessionCount, ""); v != 4 {
		t.Fatalf("session gauge = %v, want 4", v)
	}
	if uri, ok := c.Registrations().Get(7); !ok || uri != "com.foo.bar" {
		t.Fatalf("registry lookup = %q, %v", uri, ok)
	}
	assertCoupled(t, c.Registrations(), sink, metrics.ActiveCalleeCount)
	assertCoupled(t, c.Subscriptions(), sink, metrics.ActiveSubscriptionCount)
}

func TestRegisterUpdatesCount(t *testing.T) {
	api := newFakeMeta()
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 2}
	c, sink := bootstrapped(t, api)

	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 3}
	c.Handle(context.Background(), ev(meta.TopicRegistrationRegister, 7))

	if v, _ := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); v != 3 {
		t.Fatalf("callee gauge = %v, want 3", v)
	}
	if uri, _ := c.Registrations().Get(7); uri != "com.foo.bar" {
		t.Fatalf("registry maps 7 to %q", uri)
	}
}

func TestDeleteRemovesSeriesIdempotently(t *testing.T) {
	api := newFakeMeta()
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 2}
	c, sink := bootstrapped(t, api)

	delete(api.regs, 7)
	c.Handle(context.Background(), ev(meta.TopicRegistrationDelete, 7))

	if c.Registrations().Contains(7) {
		t.Fatal("registry still contains 7")
	}
	if _, ok := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); ok {
		t.Fatal("series for com.foo.bar should be removed, not zeroed")
	}
	removes := sink.removes

	c.Handle(context.Background(), ev(meta.TopicRegistrationDelete, 7))
	if sink.removes != removes || c.Registrations().Len() != 0 {
		t.Fatal("second delete changed state")
	}
}

func TestUnregisterOfVanishedRegistrationCleansUp(t *testing.T) {
	api := newFakeMeta()
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 1}
	api.regs[8] = fakeEntity{uri: "com.foo.other", count: 5}
	c, sink := bootstrapped(t, api)

	// Last callee left and the router auto-deleted the registration.
	delete(api.regs, 7)
	c.Handle(context.Background(), ev(meta.TopicRegistrationUnregister, 7))

	if c.Registrations().Contains(7) {
		t.Fatal("registry still contains 7")
	}
	if _, ok := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); ok {
		t.Fatal("series for com.foo.bar should be removed")
	}
	if v, ok := sink.value(metrics.ActiveCalleeCount, "com.foo.other"); !ok || v != 5 {
		t.Fatalf("unrelated series changed: %v present=%v", v, ok)
	}
	if uri, _ := c.Registrations().Get(8); uri != "com.foo.other" {
		t.Fatal("unrelated registry entry changed")
	}

	// The delete event arriving afterwards is a no-op.
	c.Handle(context.Background(), ev(meta.TopicRegistrationDelete, 7))
	assertCoupled(t, c.Registrations(), sink, metrics.ActiveCalleeCount)
}

func TestSessionJoinRequeriesEachTime(t *testing.T) {
	api := newFakeMeta()
	api.sessions = 1
	c, sink := bootstrapped(t, api)
	calls := api.sessionCalls

	api.sessions = 2
	c.Handle(context.Background(), ev(meta.TopicSessionJoin, 0))
	api.sessions = 3
	c.Handle(context.Background(), ev(meta.TopicSessionJoin, 0))

	if got := api.sessionCalls - calls; got != 2 {
		t.Fatalf("session count queried %d times, want 2", got)
	}
	if v, _ := sink.value(metrics.ActiveSessionCount, ""); v != 3 {
		t.Fatalf("session gauge = %v, want 3", v)
	}

	api.sessions = 2
	c.Handle(context.Background(), ev(meta.TopicSessionLeave, 0))
	if v, _ := sink.value(metrics.ActiveSessionCount, ""); v != 2 {
		t.Fatalf("session gauge = %v, want 2", v)
	}
}

func TestAttachBeforeCreateIsNoop(t *testing.T) {
	api := newFakeMeta()
	c, sink := bootstrapped(t, api)

	api.subs[21] = fakeEntity{uri: "com.topic", count: 1}
	countCalls := api.countCalls
	c.Handle(context.Background(), ev(meta.TopicSubscriptionSubscribe, 21))

	if c.Subscriptions().Contains(21) {
		t.Fatal("attach must not insert into the registry")
	}
	if len(sink.series[metrics.ActiveSubscriptionCount]) != 0 {
		t.Fatal("attach before create must not create a series")
	}
	if api.countCalls != countCalls {
		t.Fatal("attach before create must not query the router")
	}

	c.Handle(context.Background(), meta.Event{Topic: meta.TopicSubscriptionCreate, ID: 21, URI: "com.topic"})
	if v, ok := sink.value(metrics.ActiveSubscriptionCount, "com.topic"); !ok || v != 1 {
		t.Fatalf("subscription gauge = %v present=%v", v, ok)
	}
	assertCoupled(t, c.Subscriptions(), sink, metrics.ActiveSubscriptionCount)
}

func TestSubscriptionLifecycle(t *testing.T) {
	api := newFakeMeta()
	c, sink := bootstrapped(t, api)
	ctx := context.Background()

	// Created before any subscriber is attached.
	api.subs[5] = fakeEntity{uri: "com.news", count: 0}
	c.Handle(ctx, ev(meta.TopicSubscriptionCreate, 5))
	if v, ok := sink.value(metrics.ActiveSubscriptionCount, "com.news"); !ok || v != 0 {
		t.Fatalf("gauge after create = %v present=%v", v, ok)
	}

	api.subs[5] = fakeEntity{uri: "com.news", count: 2}
	c.Handle(ctx, ev(meta.TopicSubscriptionSubscribe, 5))
	api.subs[5] = fakeEntity{uri: "com.news", count: 1}
	c.Handle(ctx, ev(meta.TopicSubscriptionUnsubscribe, 5))
	if v, _ := sink.value(metrics.ActiveSubscriptionCount, "com.news"); v != 1 {
		t.Fatalf("gauge = %v, want 1", v)
	}

	delete(api.subs, 5)
	c.Handle(ctx, ev(meta.TopicSubscriptionDelete, 5))
	if c.Subscriptions().Len() != 0 || len(sink.series[metrics.ActiveSubscriptionCount]) != 0 {
		t.Fatal("subscription state not removed")
	}
}

func TestCreateOfAlreadyDeletedEntity(t *testing.T) {
	api := newFakeMeta()
	c, sink := bootstrapped(t, api)

	// The registration is gone before the create event is handled.
	c.Handle(context.Background(), meta.Event{Topic: meta.TopicRegistrationCreate, ID: 9, URI: "com.gone"})
	if c.Registrations().Contains(9) {
		t.Fatal("vanished registration must not be inserted")
	}
	if len(sink.series[metrics.ActiveCalleeCount]) != 0 {
		t.Fatal("vanished registration must not produce a series")
	}
}

func TestTransientCountErrorKeepsState(t *testing.T) {
	api := newFakeMeta()
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 2}
	c, sink := bootstrapped(t, api)

	api.countErr[7] = errTransient
	c.Handle(context.Background(), ev(meta.TopicRegistrationRegister, 7))

	if !c.Registrations().Contains(7) {
		t.Fatal("transient failure must not be treated as deletion")
	}
	if v, ok := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); !ok || v != 2 {
		t.Fatalf("gauge = %v present=%v, want last value 2", v, ok)
	}
}

func TestAbsenceAnyTreatsEveryCountErrorAsDeletion(t *testing.T) {
	api := newFakeMeta()
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 2}
	sink := newFakeSink()
	cfg := DefaultConfig()
	cfg.AbsenceErrors = AbsenceAny
	c := NewCore(api, sink, cfg, quietLogger())
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	api.countErr[7] = errTransient
	c.Handle(context.Background(), ev(meta.TopicRegistrationRegister, 7))
	if c.Registrations().Contains(7) {
		t.Fatal("registry still contains 7")
	}
	assertCoupled(t, c.Registrations(), sink, metrics.ActiveCalleeCount)
}

func TestCreateFallsBackToEventURIOnTransientGetError(t *testing.T) {
	api := newFakeMeta()
	c, sink := bootstrapped(t, api)

	api.regs[3] = fakeEntity{uri: "com.calc.add", count: 1}
	api.getErr[3] = errTransient
	c.Handle(context.Background(), meta.Event{Topic: meta.TopicRegistrationCreate, ID: 3, URI: "com.calc.add"})
	if v, ok := sink.value(metrics.ActiveCalleeCount, "com.calc.add"); !ok || v != 1 {
		t.Fatalf("gauge = %v present=%v", v, ok)
	}

	api.regs[4] = fakeEntity{uri: "com.calc.sub", count: 1}
	api.getErr[4] = errTransient
	c.Handle(context.Background(), ev(meta.TopicRegistrationCreate, 4))
	if c.Registrations().Contains(4) {
		t.Fatal("create without a resolvable URI must be skipped")
	}
}

func TestReusedURIKeepsSeriesUntilLastID(t *testing.T) {
	api := newFakeMeta()
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 1}
	c, sink := bootstrapped(t, api)
	ctx := context.Background()

	// The router recreated the registration under a new id before the
	// delete of the old one was seen.
	delete(api.regs, 7)
	api.regs[12] = fakeEntity{uri: "com.foo.bar", count: 4}
	c.Handle(ctx, ev(meta.TopicRegistrationCreate, 12))
	c.Handle(ctx, ev(meta.TopicRegistrationDelete, 7))

	if v, ok := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); !ok || v != 4 {
		t.Fatalf("gauge = %v present=%v, want 4", v, ok)
	}
	assertCoupled(t, c.Registrations(), sink, metrics.ActiveCalleeCount)

	delete(api.regs, 12)
	c.Handle(ctx, ev(meta.TopicRegistrationDelete, 12))
	if _, ok := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); ok {
		t.Fatal("series should be removed with the last id")
	}
}

func TestCreateWithChangedURIDropsOldSeries(t *testing.T) {
	api := newFakeMeta()
	api.regs[7] = fakeEntity{uri: "com.old", count: 1}
	c, sink := bootstrapped(t, api)

	api.regs[7] = fakeEntity{uri: "com.new", count: 2}
	c.Handle(context.Background(), ev(meta.TopicRegistrationCreate, 7))

	if _, ok := sink.value(metrics.ActiveCalleeCount, "com.old"); ok {
		t.Fatal("stale series for com.old survived")
	}
	assertCoupled(t, c.Registrations(), sink, metrics.ActiveCalleeCount)
}

func TestBootstrapListingFailureKeepsState(t *testing.T) {
	api := newFakeMeta()
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 2}
	c, sink := bootstrapped(t, api)

	api.listErr = errTransient
	delete(api.regs, 7)
	if err := c.Bootstrap(context.Background()); !errors.Is(err, errTransient) {
		t.Fatalf("expected listing error, got %v", err)
	}
	if !c.Registrations().Contains(7) {
		t.Fatal("failed listing must not change local state")
	}
	if _, ok := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); !ok {
		t.Fatal("failed listing must not remove series")
	}
}

func TestRepeatedTransientFailuresTriggerResync(t *testing.T) {
	api := newFakeMeta()
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 2}
	api.regs[8] = fakeEntity{uri: "com.foo.baz", count: 1}
	sink := newFakeSink()
	cfg := DefaultConfig()
	cfg.FailureWindow = time.Hour
	cfg.FailureMaxRate = 2
	c := NewCore(api, sink, cfg, quietLogger())
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	// 8 disappears without any event; only a resync can notice.
	delete(api.regs, 8)
	api.countErr[7] = errTransient
	for i := 0; i < 3; i++ {
		c.Handle(context.Background(), ev(meta.TopicRegistrationRegister, 7))
	}

	if c.Registrations().Contains(8) {
		t.Fatal("resync should have dropped registration 8")
	}
	if _, ok := sink.value(metrics.ActiveCalleeCount, "com.foo.baz"); ok {
		t.Fatal("resync should have removed the com.foo.baz series")
	}
	assertCoupled(t, c.Registrations(), sink, metrics.ActiveCalleeCount)
}

func TestResetRemovesAllSeries(t *testing.T) {
	api := newFakeMeta()
	api.sessions = 2
	api.regs[1] = fakeEntity{uri: "com.a", count: 1}
	api.subs[2] = fakeEntity{uri: "com.b", count: 1}
	c, sink := bootstrapped(t, api)

	c.Reset()
	for name, series := range sink.series {
		if len(series) != 0 {
			t.Fatalf("%s still has series %v", name, series)
		}
	}
	if c.Registrations().Len() != 0 || c.Subscriptions().Len() != 0 {
		t.Fatal("registries not cleared")
	}
}

func TestUnknownTopicIsIgnored(t *testing.T) {
	api := newFakeMeta()
	c, sink := bootstrapped(t, api)
	c.Handle(context.Background(), ev("wamp.session.on_something", 1))
	if sink.removes != 0 {
		t.Fatal("unknown topic changed state")
	}
}

func TestSharedURIGaugeSumsCounts(t *testing.T) {
	api := newFakeMeta()
	api.regs[12] = fakeEntity{uri: "com.foo.bar", count: 4}
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 1}
	c, sink := bootstrapped(t, api)
	ctx := context.Background()

	if v, _ := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); v != 5 {
		t.Fatalf("gauge after bootstrap = %v, want 5", v)
	}

	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 2}
	c.Handle(ctx, ev(meta.TopicRegistrationRegister, 7))
	if v, _ := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); v != 6 {
		t.Fatalf("gauge after register = %v, want 6", v)
	}

	delete(api.regs, 7)
	c.Handle(ctx, ev(meta.TopicRegistrationDelete, 7))
	if v, ok := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); !ok || v != 4 {
		t.Fatalf("gauge after delete = %v present=%v, want 4", v, ok)
	}
	assertCoupled(t, c.Registrations(), sink, metrics.ActiveCalleeCount)
}

func TestBootstrapSessionCountFailureKeepsEntities(t *testing.T) {
	api := newFakeMeta()
	api.sessionErr = &wamp.Error{URI: "wamp.error.not_authorized"}
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 2}
	c, sink := bootstrapped(t, api)

	if v, ok := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); !ok || v != 2 {
		t.Fatalf("callee gauge = %v present=%v", v, ok)
	}
	if _, ok := sink.value(metrics.ActiveSessionCount, ""); ok {
		t.Fatal("session gauge set despite the failed query")
	}

	api.sessionErr = nil
	api.sessions = 3
	c.Handle(context.Background(), ev(meta.TopicSessionJoin, 0))
	if v, _ := sink.value(metrics.ActiveSessionCount, ""); v != 3 {
		t.Fatalf("session gauge = %v, want 3", v)
	}
}

func TestResyncsCountOnlyRebuilds(t *testing.T) {
	api := newFakeMeta()
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 2}
	before := testutil.ToFloat64(metrics.Resyncs)

	c, _ := bootstrapped(t, api)
	if got := testutil.ToFloat64(metrics.Resyncs); got != before {
		t.Fatalf("initial bootstrap counted as resync: %v -> %v", before, got)
	}
	if err := c.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(metrics.Resyncs); got != before+1 {
		t.Fatalf("resyncs = %v, want %v", got, before+1)
	}
}

func TestResyncRefreshesCountWhenGetFails(t *testing.T) {
	api := newFakeMeta()
	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 2}
	c, sink := bootstrapped(t, api)

	api.regs[7] = fakeEntity{uri: "com.foo.bar", count: 5}
	api.getErr[7] = errTransient
	if err := c.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Registrations().Contains(7) {
		t.Fatal("transient get failure dropped a known registration")
	}
	if v, _ := sink.value(metrics.ActiveCalleeCount, "com.foo.bar"); v != 5 {
		t.Fatalf("gauge = %v, want refreshed count 5", v)
	}
}
