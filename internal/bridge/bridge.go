package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BurntRouter/wampmeter/internal/meta"
	"github.com/BurntRouter/wampmeter/internal/metrics"
	"github.com/cenkalti/backoff/v5"
)

// Session is a joined router session.
type Session interface {
	meta.Session
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Dialer func(ctx context.Context) (Session, error)

type Options struct {
	Core Config

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Bridge keeps a Core in sync with the router across reconnects. Each
// session gets a fresh Core; its state and series are dropped when the
// session ends and rebuilt by the next Bootstrap.
type Bridge struct {
	dial Dialer
	sink Sink
	opts Options
	log  Logger

	resync chan struct{}
}

func New(dial Dialer, sink Sink, opts Options, log Logger) *Bridge {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Bridge{dial: dial, sink: sink, opts: opts, log: log, resync: make(chan struct{}, 1)}
}

// RequestResync asks the running session to rebuild its state. Requests
// made while disconnected are dropped; the next connect bootstraps anyway.
func (b *Bridge) RequestResync() {
	select {
	case b.resync <- struct{}{}:
	default:
	}
}

// Run connects, bootstraps and follows meta-events until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.MinBackoff
	bo.MaxInterval = b.opts.MaxBackoff

	for {
		err := b.runSession(ctx, bo)
		metrics.Connected.Set(0)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		b.log.Printf("wampmeter: session ended: %v; reconnecting in %s", err, wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (b *Bridge) runSession(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	sess, err := b.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Close()

	// Drop resync requests made while disconnected.
	select {
	case <-b.resync:
	default:
	}

	q := newEventQueue()
	api := meta.New(sess, b.log)
	if err := api.Subscribe(ctx, q.Push); err != nil {
		return err
	}

	core := NewCore(api, b.sink, b.opts.Core, b.log)
	defer core.Reset()
	if err := core.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	metrics.Connected.Set(1)
	bo.Reset()
	b.log.Printf("wampmeter: synchronized: %d registrations, %d subscriptions",
		core.Registrations().Len(), core.Subscriptions().Len())

	for {
		for {
			select {
			case <-sess.Done():
				return sessionErr(sess)
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			ev, ok := q.TryPop()
			if !ok {
				break
			}
			core.Handle(ctx, ev)
		}

		select {
		case <-q.Ready():
		case <-b.resync:
			b.log.Printf("wampmeter: resync requested")
			if err := core.Resync(ctx); err != nil {
				b.log.Printf("wampmeter: resync: %v", err)
			}
		case <-sess.Done():
			return sessionErr(sess)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sessionErr(sess Session) error {
	if err := sess.Err(); err != nil {
		return err
	}
	return errors.New("session closed")
}
