// Package meta wraps the router's session, registration and subscription
// meta API: the procedures the bridge queries and the meta-event topics it
// follows.
package meta

import (
	"context"
	"fmt"

	"github.com/BurntRouter/wampmeter/internal/metrics"
	"github.com/BurntRouter/wampmeter/internal/wamp"
)

const (
	ProcSessionCount = "wamp.session.count"

	ProcRegistrationList         = "wamp.registration.list"
	ProcRegistrationGet          = "wamp.registration.get"
	ProcRegistrationCountCallees = "wamp.registration.count_callees"

	ProcSubscriptionList             = "wamp.subscription.list"
	ProcSubscriptionGet              = "wamp.subscription.get"
	ProcSubscriptionCountSubscribers = "wamp.subscription.count_subscribers"
)

// Session is the part of a joined WAMP client the adapter needs.
type Session interface {
	Call(ctx context.Context, procedure string, args ...any) (*wamp.Result, error)
	Subscribe(ctx context.Context, topic string, handler wamp.EventHandler) (wamp.ID, error)
}

type Logger interface {
	Printf(format string, v ...any)
}

// Entity is a registration or subscription as returned by the get procedures.
type Entity struct {
	ID    wamp.ID
	URI   string
	Match string
}

type Client struct {
	s   Session
	log Logger
}

func New(s Session, log Logger) *Client {
	return &Client{s: s, log: log}
}

func (c *Client) call(ctx context.Context, procedure string, args ...any) (*wamp.Result, error) {
	res, err := c.s.Call(ctx, procedure, args...)
	if err != nil {
		metrics.MetaCallErrors.WithLabelValues(procedure).Inc()
		return nil, err
	}
	return res, nil
}

func (c *Client) SessionCount(ctx context.Context) (int, error) {
	return c.count(ctx, ProcSessionCount)
}

func (c *Client) ListRegistrations(ctx context.Context) ([]wamp.ID, error) {
	return c.list(ctx, ProcRegistrationList)
}

func (c *Client) GetRegistration(ctx context.Context, id wamp.ID) (Entity, error) {
	return c.get(ctx, ProcRegistrationGet, id)
}

func (c *Client) CountCallees(ctx context.Context, id wamp.ID) (int, error) {
	return c.count(ctx, ProcRegistrationCountCallees, id)
}

func (c *Client) ListSubscriptions(ctx context.Context) ([]wamp.ID, error) {
	return c.list(ctx, ProcSubscriptionList)
}

func (c *Client) GetSubscription(ctx context.Context, id wamp.ID) (Entity, error) {
	return c.get(ctx, ProcSubscriptionGet, id)
}

func (c *Client) CountSubscribers(ctx context.Context, id wamp.ID) (int, error) {
	return c.count(ctx, ProcSubscriptionCountSubscribers, id)
}

func (c *Client) count(ctx context.Context, procedure string, args ...any) (int, error) {
	res, err := c.call(ctx, procedure, args...)
	if err != nil {
		return 0, err
	}
	if len(res.Args) == 0 {
		return 0, fmt.Errorf("meta: %s: empty result", procedure)
	}
	n, ok := wamp.AsInt(res.Args[0])
	if !ok || n < 0 {
		return 0, fmt.Errorf("meta: %s: invalid count %v", procedure, res.Args[0])
	}
	return int(n), nil
}

// list returns the ids of every match policy (exact, prefix, wildcard).
func (c *Client) list(ctx context.Context, procedure string) ([]wamp.ID, error) {
	res, err := c.call(ctx, procedure)
	if err != nil {
		return nil, err
	}
	if len(res.Args) == 0 {
		return nil, fmt.Errorf("meta: %s: empty result", procedure)
	}
	byMatch, ok := wamp.AsDict(res.Args[0])
	if !ok {
		return nil, fmt.Errorf("meta: %s: result is not a dict", procedure)
	}
	var ids []wamp.ID
	for _, match := range []string{"exact", "prefix", "wildcard"} {
		v, present := byMatch[match]
		if !present || v == nil {
			continue
		}
		l, ok := wamp.AsIDs(v)
		if !ok {
			return nil, fmt.Errorf("meta: %s: invalid %s id list", procedure, match)
		}
		ids = append(ids, l...)
	}
	return ids, nil
}

func (c *Client) get(ctx context.Context, procedure string, id wamp.ID) (Entity, error) {
	res, err := c.call(ctx, procedure, id)
	if err != nil {
		return Entity{}, err
	}
	if len(res.Args) == 0 {
		return Entity{}, fmt.Errorf("meta: %s(%d): empty result", procedure, id)
	}
	return entityFromDetails(res.Args[0])
}

func entityFromDetails(v any) (Entity, error) {
	d, ok := wamp.AsDict(v)
	if !ok {
		return Entity{}, fmt.Errorf("meta: entity details are not a dict")
	}
	id, ok := wamp.AsID(d["id"])
	if !ok {
		return Entity{}, fmt.Errorf("meta: entity details without id")
	}
	uri, ok := d["uri"].(string)
	if !ok || uri == "" {
		return Entity{}, fmt.Errorf("meta: entity %d without uri", id)
	}
	match, _ := d["match"].(string)
	return Entity{ID: id, URI: uri, Match: match}, nil
}
