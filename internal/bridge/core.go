package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BurntRouter/wampmeter/internal/meta"
	"github.com/BurntRouter/wampmeter/internal/metrics"
	"github.com/BurntRouter/wampmeter/internal/wamp"
)

// MetaAPI is the router meta API the Core queries.
type MetaAPI interface {
	SessionCount(ctx context.Context) (int, error)

	ListRegistrations(ctx context.Context) ([]wamp.ID, error)
	GetRegistration(ctx context.Context, id wamp.ID) (meta.Entity, error)
	CountCallees(ctx context.Context, id wamp.ID) (int, error)

	ListSubscriptions(ctx context.Context) ([]wamp.ID, error)
	GetSubscription(ctx context.Context, id wamp.ID) (meta.Entity, error)
	CountSubscribers(ctx context.Context, id wamp.ID) (int, error)
}

// Sink receives gauge updates. Series are addressed by gauge name and URI;
// the router endpoint and realm labels are fixed by the Sink.
type Sink interface {
	SetGauge(name, uri string, value float64)
	RemoveGaugeSeries(name, uri string) bool
}

type Logger interface {
	Printf(format string, v ...any)
}

const (
	// AbsenceNotFound treats only the router's no_such_* errors on a
	// per-identifier query as "entity vanished".
	AbsenceNotFound = "not_found"
	// AbsenceAny treats every failed per-identifier query as "entity vanished".
	AbsenceAny = "any"
)

type Config struct {
	AbsenceErrors string

	// Transient per-identifier failures above FailureMaxRate within
	// FailureWindow schedule a full resync. Zero disables it.
	FailureWindow  time.Duration
	FailureMaxRate int
}

func DefaultConfig() Config {
	return Config{
		AbsenceErrors:  AbsenceNotFound,
		FailureWindow:  time.Minute,
		FailureMaxRate: 10,
	}
}

// entityKind binds one Registry to the meta procedures and gauge of its kind.
type entityKind struct {
	name  string
	gauge string
	reg   *Registry

	list  func(context.Context) ([]wamp.ID, error)
	get   func(context.Context, wamp.ID) (meta.Entity, error)
	count func(context.Context, wamp.ID) (int, error)
}

// Core mirrors the router's registrations and subscriptions and keeps one
// gauge series per mirrored URI. It is not safe for concurrent use: events
// are handled one at a time, each to completion, by a single goroutine.
type Core struct {
	api  MetaAPI
	sink Sink
	log  Logger

	isAbsent      func(error) bool
	failures      *FailureTracker
	resyncPending bool

	registrations *entityKind
	subscriptions *entityKind

	handlers map[string]func(context.Context, meta.Event)
}

func NewCore(api MetaAPI, sink Sink, cfg Config, log Logger) *Core {
	c := &Core{
		api:      api,
		sink:     sink,
		log:      log,
		isAbsent: wamp.IsNoSuchEntity,
		failures: NewFailureTracker(cfg.FailureWindow, cfg.FailureMaxRate),
	}
	if cfg.AbsenceErrors == AbsenceAny {
		c.isAbsent = func(err error) bool { return err != nil }
	}
	c.registrations = &entityKind{
		name:  "registration",
		gauge: metrics.ActiveCalleeCount,
		reg:   NewRegistry(),
		list:  api.ListRegistrations,
		get:   api.GetRegistration,
		count: api.CountCallees,
	}
	c.subscriptions = &entityKind{
		name:  "subscription",
		gauge: metrics.ActiveSubscriptionCount,
		reg:   NewRegistry(),
		list:  api.ListSubscriptions,
		get:   api.GetSubscription,
		count: api.CountSubscribers,
	}

	sessions := func(ctx context.Context, _ meta.Event) {
		if err := c.updateSessionCount(ctx); err != nil {
			c.log.Printf("wampmeter: session count: %v", err)
		}
	}
	create := func(k *entityKind) func(context.Context, meta.Event) {
		return func(ctx context.Context, ev meta.Event) { c.create(ctx, k, ev.ID, ev.URI) }
	}
	update := func(k *entityKind) func(context.Context, meta.Event) {
		return func(ctx context.Context, ev meta.Event) { c.updateCount(ctx, k, ev.ID) }
	}
	remove := func(k *entityKind) func(context.Context, meta.Event) {
		return func(_ context.Context, ev meta.Event) { c.remove(k, ev.ID) }
	}
	c.handlers = map[string]func(context.Context, meta.Event){
		meta.TopicSessionJoin:  sessions,
		meta.TopicSessionLeave: sessions,

		meta.TopicRegistrationCreate:     create(c.registrations),
		meta.TopicRegistrationRegister:   update(c.registrations),
		meta.TopicRegistrationUnregister: update(c.registrations),
		meta.TopicRegistrationDelete:     remove(c.registrations),

		meta.TopicSubscriptionCreate:      create(c.subscriptions),
		meta.TopicSubscriptionSubscribe:   update(c.subscriptions),
		meta.TopicSubscriptionUnsubscribe: update(c.subscriptions),
		meta.TopicSubscriptionDelete:      remove(c.subscriptions),
	}
	return c
}

func (c *Core) Registrations() *Registry { return c.registrations.reg }
func (c *Core) Subscriptions() *Registry { return c.subscriptions.reg }

// Bootstrap rebuilds all state from the router: the session count, then
// every registration, then every subscription. Entries missing from a
// listing are dropped and every listed id is created again. A kind whose
// listing fails keeps its previous state and the error is returned. A failed
// session count is only logged; the next session event retries it.
func (c *Core) Bootstrap(ctx context.Context) error {
	c.failures.Reset()

	if err := c.updateSessionCount(ctx); err != nil {
		c.log.Printf("wampmeter: session count: %v", err)
	}
	var errs []error
	for _, k := range []*entityKind{c.registrations, c.subscriptions} {
		if err := c.rebuild(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resync is a Bootstrap of an already synchronized session.
func (c *Core) Resync(ctx context.Context) error {
	metrics.Resyncs.Inc()
	return c.Bootstrap(ctx)
}

// Handle dispatches one meta-event. A resync scheduled while handling it
// runs before Handle returns.
func (c *Core) Handle(ctx context.Context, ev meta.Event) {
	h, ok := c.handlers[ev.Topic]
	if !ok {
		c.log.Printf("wampmeter: no handler for %q", ev.Topic)
		return
	}
	metrics.Events.WithLabelValues(ev.Topic).Inc()
	h(ctx, ev)

	if c.resyncPending {
		c.resyncPending = false
		c.log.Printf("wampmeter: too many transient meta API failures, resyncing")
		if err := c.Resync(ctx); err != nil {
			c.log.Printf("wampmeter: resync: %v", err)
		}
	}
}

// Reset drops all mirrored state and the gauge series derived from it.
func (c *Core) Reset() {
	for _, k := range []*entityKind{c.registrations, c.subscriptions} {
		c.clear(k)
	}
	c.sink.RemoveGaugeSeries(metrics.ActiveSessionCount, "")
}

func (c *Core) updateSessionCount(ctx context.Context) error {
	n, err := c.api.SessionCount(ctx)
	if err != nil {
		return err
	}
	c.sink.SetGauge(metrics.ActiveSessionCount, "", float64(n))
	return nil
}

func (c *Core) rebuild(ctx context.Context, k *entityKind) error {
	ids, err := k.list(ctx)
	if err != nil {
		return fmt.Errorf("list %ss: %w", k.name, err)
	}
	live := make(map[wamp.ID]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}
	for id := range k.reg.Snapshot() {
		if !live[id] {
			c.remove(k, id)
		}
	}
	for _, id := range ids {
		c.create(ctx, k, id, "")
	}
	return nil
}

func (c *Core) clear(k *entityKind) {
	for id := range k.reg.Snapshot() {
		c.remove(k, id)
	}
}

// create resolves id to its URI, inserts it, then reads its count. The
// insert comes first so a delete racing the count query finds an entry to
// clean up. hintURI, from the on_create payload, is used when the lookup
// fails for a reason other than absence.
func (c *Core) create(ctx context.Context, k *entityKind, id wamp.ID, hintURI string) {
	uri := hintURI
	ent, err := k.get(ctx, id)
	switch {
	case err == nil:
		uri = ent.URI
	case c.isAbsent(err):
		c.remove(k, id)
		return
	case hintURI == "":
		c.transient(k, "get", id, err)
		c.updateCount(ctx, k, id)
		return
	default:
		c.transient(k, "get", id, err)
	}

	if prev, replaced := k.reg.Insert(id, uri); replaced && prev != uri {
		c.publish(k, prev)
	}
	c.updateCount(ctx, k, id)
}

// updateCount re-reads the attached peer count of id. Ids not in the
// registry are skipped: their create event has not been handled yet, or a
// lookup without a URI hint failed for them.
func (c *Core) updateCount(ctx context.Context, k *entityKind, id wamp.ID) {
	uri, ok := k.reg.Get(id)
	if !ok {
		return
	}
	n, err := k.count(ctx, id)
	if err != nil {
		if c.isAbsent(err) {
			c.remove(k, id)
			return
		}
		c.transient(k, "count", id, err)
		return
	}
	k.reg.SetCount(id, n)
	c.publish(k, uri)
}

// publish sets the series of uri to the summed count of the ids mapping to
// it, or removes the series once no id maps to it.
func (c *Core) publish(k *entityKind, uri string) {
	if !k.reg.InUse(uri) {
		c.sink.RemoveGaugeSeries(k.gauge, uri)
		return
	}
	if n, ok := k.reg.Total(uri); ok {
		c.sink.SetGauge(k.gauge, uri, float64(n))
	}
}

// remove drops id and republishes its URI without it. Unknown ids are
// ignored.
func (c *Core) remove(k *entityKind, id wamp.ID) {
	uri, ok := k.reg.Remove(id)
	if !ok {
		return
	}
	c.publish(k, uri)
}

func (c *Core) transient(k *entityKind, op string, id wamp.ID, err error) {
	c.log.Printf("wampmeter: %s %s %d: %v", op, k.name, id, err)
	if c.failures.RecordError(k.name) {
		c.resyncPending = true
	}
}
