package wamp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type Logger interface {
	Printf(format string, v ...any)
}

// Authenticator answers CHALLENGE messages during the handshake.
type Authenticator interface {
	AuthID() string
	AuthRole() string
	Methods() []string
	Respond(method string, extra map[string]any) (string, error)
}

type Config struct {
	Realm string
	// Auth may be nil for anonymous sessions.
	Auth   Authenticator
	Logger Logger

	// GoodbyeTimeout bounds how long Close waits for the router's GOODBYE.
	GoodbyeTimeout time.Duration
}

type Event struct {
	Subscription ID
	Publication  ID
	Details      Dict
	Args         List
	Kwargs       Dict
}

// EventHandler runs on the client's reader goroutine and must not block or
// issue calls on the same client.
type EventHandler func(*Event)

type Result struct {
	Args   List
	Kwargs Dict
}

type pending struct {
	reply   chan Message
	handler EventHandler
}

// Client is a joined WAMP session acting as caller and subscriber.
type Client struct {
	peer    Peer
	cfg     Config
	session ID
	details Dict

	reqSeq atomic.Uint64

	mu       sync.Mutex
	pending  map[ID]*pending
	handlers map[ID]EventHandler
	closing  bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to url over WebSocket and joins cfg.Realm.
func Dial(ctx context.Context, url string, dc DialConfig, cfg Config) (*Client, error) {
	peer, err := DialWebsocket(ctx, url, dc)
	if err != nil {
		return nil, err
	}
	c, err := Join(ctx, peer, cfg)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}
	return c, nil
}

// Join performs the HELLO/WELCOME handshake on peer and starts the reader.
func Join(ctx context.Context, peer Peer, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.GoodbyeTimeout <= 0 {
		cfg.GoodbyeTimeout = 2 * time.Second
	}

	stop := context.AfterFunc(ctx, func() { _ = peer.Close() })
	defer stop()

	details := Dict{
		"roles": Dict{
			"caller":     Dict{},
			"subscriber": Dict{},
		},
	}
	if cfg.Auth != nil {
		details["authmethods"] = cfg.Auth.Methods()
		if id := cfg.Auth.AuthID(); id != "" {
			details["authid"] = id
		}
		if role := cfg.Auth.AuthRole(); role != "" {
			details["authrole"] = role
		}
	}
	if err := peer.WriteMessage(Message{Type: MsgHello, URI: cfg.Realm, Details: details}); err != nil {
		return nil, joinErr(ctx, err)
	}

	for {
		m, err := peer.ReadMessage()
		if err != nil {
			return nil, joinErr(ctx, err)
		}
		switch m.Type {
		case MsgWelcome:
			c := &Client{
				peer:     peer,
				cfg:      cfg,
				session:  m.Session,
				details:  m.Details,
				pending:  make(map[ID]*pending),
				handlers: make(map[ID]EventHandler),
				done:     make(chan struct{}),
			}
			go c.readLoop()
			return c, nil
		case MsgChallenge:
			if cfg.Auth == nil {
				return nil, fmt.Errorf("wamp: router challenged with %q but no authenticator is configured", m.AuthMethod)
			}
			sig, err := cfg.Auth.Respond(m.AuthMethod, m.Details)
			if err != nil {
				return nil, err
			}
			if err := peer.WriteMessage(Message{Type: MsgAuthenticate, Signature: sig, Details: Dict{}}); err != nil {
				return nil, joinErr(ctx, err)
			}
		case MsgAbort:
			return nil, &AbortError{Reason: m.URI, Details: m.Details}
		default:
			return nil, fmt.Errorf("wamp: unexpected %s during handshake", m.Type)
		}
	}
}

func joinErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) SessionID() ID { return c.session }

// Done is closed when the session has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the session ended. It is nil while the session is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) nextID() ID {
	return ID(c.reqSeq.Add(1))
}

func (c *Client) addPending(p *pending) (ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return 0, ErrNotConnected
	}
	id := c.nextID()
	c.pending[id] = p
	return id, nil
}

func (c *Client) dropPending(id ID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// request sends m (with its Request id filled in) and waits for the reply.
func (c *Client) request(ctx context.Context, m Message, handler EventHandler) (Message, error) {
	p := &pending{reply: make(chan Message, 1), handler: handler}
	id, err := c.addPending(p)
	if err != nil {
		return Message{}, err
	}
	m.Request = id
	if err := c.peer.WriteMessage(m); err != nil {
		c.dropPending(id)
		return Message{}, fmt.Errorf("wamp: write %s: %w", m.Type, err)
	}
	select {
	case reply := <-p.reply:
		if reply.Type == MsgError {
			return Message{}, &Error{URI: reply.URI, Args: reply.Args, Kwargs: reply.Kwargs}
		}
		return reply, nil
	case <-ctx.Done():
		c.dropPending(id)
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, ErrNotConnected
	}
}

// Call invokes procedure with positional args.
func (c *Client) Call(ctx context.Context, procedure string, args ...any) (*Result, error) {
	reply, err := c.request(ctx, Message{Type: MsgCall, URI: procedure, Details: Dict{}, Args: List(args)}, nil)
	if err != nil {
		return nil, err
	}
	return &Result{Args: reply.Args, Kwargs: reply.Kwargs}, nil
}

// Subscribe registers handler for topic. The handler is installed before
// the SUBSCRIBED reply is released so no EVENT after it is missed.
func (c *Client) Subscribe(ctx context.Context, topic string, handler EventHandler) (ID, error) {
	if handler == nil {
		return 0, errors.New("wamp: nil event handler")
	}
	reply, err := c.request(ctx, Message{Type: MsgSubscribe, URI: topic, Details: Dict{}}, handler)
	if err != nil {
		return 0, err
	}
	return reply.Subscription, nil
}

// Close says GOODBYE and waits for the router to acknowledge it.
func (c *Client) Close() error {
	c.mu.Lock()
	already := c.closing
	c.closing = true
	c.mu.Unlock()
	if already {
		<-c.done
		return nil
	}

	if err := c.peer.WriteMessage(Message{Type: MsgGoodbye, URI: CloseNormal, Details: Dict{}}); err != nil {
		c.shutdown(ErrNotConnected)
		return nil
	}
	t := time.NewTimer(c.cfg.GoodbyeTimeout)
	defer t.Stop()
	select {
	case <-c.done:
	case <-t.C:
		c.shutdown(ErrNotConnected)
	}
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.pending = make(map[ID]*pending)
		c.mu.Unlock()
		c.err = err
		close(c.done)
		_ = c.peer.Close()
	})
}

func (c *Client) readLoop() {
	for {
		m, err := c.peer.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrBadMessage) {
				c.cfg.Logger.Printf("wamp: session %d: dropping message: %v", c.session, err)
				continue
			}
			c.shutdown(err)
			return
		}

		switch m.Type {
		case MsgResult, MsgSubscribed, MsgError:
			c.mu.Lock()
			p := c.pending[m.Request]
			delete(c.pending, m.Request)
			if p != nil && m.Type == MsgSubscribed && p.handler != nil {
				c.handlers[m.Subscription] = p.handler
			}
			c.mu.Unlock()
			if p != nil {
				p.reply <- m
			}
		case MsgEvent:
			c.mu.Lock()
			h := c.handlers[m.Subscription]
			c.mu.Unlock()
			if h != nil {
				h(&Event{
					Subscription: m.Subscription,
					Publication:  m.Publication,
					Details:      m.Details,
					Args:         m.Args,
					Kwargs:       m.Kwargs,
				})
			}
		case MsgGoodbye:
			c.mu.Lock()
			initiated := c.closing
			c.mu.Unlock()
			if !initiated {
				_ = c.peer.WriteMessage(Message{Type: MsgGoodbye, URI: CloseGoodbyeAndOut, Details: Dict{}})
				c.shutdown(fmt.Errorf("%w: router said goodbye: %s", ErrNotConnected, m.URI))
				return
			}
			c.shutdown(nil)
			return
		case MsgAbort:
			c.shutdown(&AbortError{Reason: m.URI, Details: m.Details})
			return
		default:
			c.cfg.Logger.Printf("wamp: session %d: ignoring unexpected %s", c.session, m.Type)
		}
	}
}
