package meta

import (
	"context"
	"fmt"

	"github.com/BurntRouter/wampmeter/internal/wamp"
)

// Meta-event topics.
const (
	TopicSessionJoin  = "wamp.session.on_join"
	TopicSessionLeave = "wamp.session.on_leave"

	TopicRegistrationCreate     = "wamp.registration.on_create"
	TopicRegistrationRegister   = "wamp.registration.on_register"
	TopicRegistrationUnregister = "wamp.registration.on_unregister"
	TopicRegistrationDelete     = "wamp.registration.on_delete"

	TopicSubscriptionCreate      = "wamp.subscription.on_create"
	TopicSubscriptionSubscribe   = "wamp.subscription.on_subscribe"
	TopicSubscriptionUnsubscribe = "wamp.subscription.on_unsubscribe"
	TopicSubscriptionDelete      = "wamp.subscription.on_delete"
)

// Topics is every meta-event topic the bridge follows.
var Topics = []string{
	TopicSessionJoin,
	TopicSessionLeave,
	TopicRegistrationCreate,
	TopicRegistrationRegister,
	TopicRegistrationUnregister,
	TopicRegistrationDelete,
	TopicSubscriptionCreate,
	TopicSubscriptionSubscribe,
	TopicSubscriptionUnsubscribe,
	TopicSubscriptionDelete,
}

// Event is a parsed meta-event. ID is the affected registration or
// subscription; it is zero for session events. URI is only known for
// on_create events.
type Event struct {
	Topic string
	ID    wamp.ID
	URI   string
}

// ParseEvent extracts the affected entity from a meta-event payload.
//
//	session.on_join        [session_details]
//	session.on_leave       [session_id, ...]
//	*.on_create            [session_id, entity_details]
//	*.on_register etc.     [session_id, entity_id]
func ParseEvent(topic string, ev *wamp.Event) (Event, error) {
	out := Event{Topic: topic}
	switch topic {
	case TopicSessionJoin, TopicSessionLeave:
		return out, nil
	case TopicRegistrationCreate, TopicSubscriptionCreate:
		if len(ev.Args) < 2 {
			return Event{}, fmt.Errorf("meta: %s: want 2 arguments, got %d", topic, len(ev.Args))
		}
		e, err := entityFromDetails(ev.Args[1])
		if err != nil {
			return Event{}, fmt.Errorf("%s: %w", topic, err)
		}
		out.ID = e.ID
		out.URI = e.URI
		return out, nil
	case TopicRegistrationRegister, TopicRegistrationUnregister, TopicRegistrationDelete,
		TopicSubscriptionSubscribe, TopicSubscriptionUnsubscribe, TopicSubscriptionDelete:
		if len(ev.Args) < 2 {
			return Event{}, fmt.Errorf("meta: %s: want 2 arguments, got %d", topic, len(ev.Args))
		}
		id, ok := wamp.AsID(ev.Args[1])
		if !ok {
			return Event{}, fmt.Errorf("meta: %s: invalid id %v", topic, ev.Args[1])
		}
		out.ID = id
		return out, nil
	}
	return Event{}, fmt.Errorf("meta: unknown topic %q", topic)
}

// Subscribe follows every topic in Topics and hands parsed events to deliver.
// deliver runs on the session's reader goroutine and must not block.
func (c *Client) Subscribe(ctx context.Context, deliver func(Event)) error {
	for _, topic := range Topics {
		_, err := c.s.Subscribe(ctx, topic, func(ev *wamp.Event) {
			e, err := ParseEvent(topic, ev)
			if err != nil {
				c.log.Printf("wampmeter: dropping meta-event: %v", err)
				return
			}
			deliver(e)
		})
		if err != nil {
			return fmt.Errorf("meta: subscribe %s: %w", topic, err)
		}
	}
	return nil
}
