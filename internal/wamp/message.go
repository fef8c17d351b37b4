package wamp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

const (
	// Subprotocol is the WebSocket subprotocol for JSON-serialized WAMP v2.
	Subprotocol = "wamp.2.json"

	// MaxID is the largest id a WAMP peer may assign (2^53).
	MaxID = ID(1 << 53)
)

type MessageType int

const (
	MsgHello        MessageType = 1
	MsgWelcome      MessageType = 2
	MsgAbort        MessageType = 3
	MsgChallenge    MessageType = 4
	MsgAuthenticate MessageType = 5
	MsgGoodbye      MessageType = 6
	MsgError        MessageType = 8
	MsgSubscribe    MessageType = 32
	MsgSubscribed   MessageType = 33
	MsgEvent        MessageType = 36
	MsgCall         MessageType = 48
	MsgResult       MessageType = 50
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgWelcome:
		return "WELCOME"
	case MsgAbort:
		return "ABORT"
	case MsgChallenge:
		return "CHALLENGE"
	case MsgAuthenticate:
		return "AUTHENTICATE"
	case MsgGoodbye:
		return "GOODBYE"
	case MsgError:
		return "ERROR"
	case MsgSubscribe:
		return "SUBSCRIBE"
	case MsgSubscribed:
		return "SUBSCRIBED"
	case MsgEvent:
		return "EVENT"
	case MsgCall:
		return "CALL"
	case MsgResult:
		return "RESULT"
	}
	return "MessageType(" + strconv.Itoa(int(t)) + ")"
}

// ID is a session, request, subscription, registration or publication id.
type ID uint64

type (
	Dict map[string]any
	List []any
)

// Message is a decoded WAMP message. Only the fields used by Type are set:
//
//	HELLO        URI=realm, Details
//	WELCOME      Session, Details
//	ABORT        Details, URI=reason
//	CHALLENGE    AuthMethod, Details=extra
//	AUTHENTICATE Signature, Details=extra
//	GOODBYE      Details, URI=reason
//	ERROR        RequestType, Request, Details, URI=error, Args, Kwargs
//	SUBSCRIBE    Request, Details=options, URI=topic
//	SUBSCRIBED   Request, Subscription
//	EVENT        Subscription, Publication, Details, Args, Kwargs
//	CALL         Request, Details=options, URI=procedure, Args, Kwargs
//	RESULT       Request, Details, Args, Kwargs
type Message struct {
	Type MessageType

	Request      ID
	Session      ID
	Subscription ID
	Publication  ID
	RequestType  MessageType

	URI        string
	AuthMethod string
	Signature  string

	Details Dict
	Args    List
	Kwargs  Dict
}

var ErrBadMessage = errors.New("wamp: malformed message")

// Encode serializes m as a JSON array.
func Encode(m Message) ([]byte, error) {
	details := m.Details
	if details == nil {
		details = Dict{}
	}
	var arr []any
	switch m.Type {
	case MsgHello:
		arr = []any{m.Type, m.URI, details}
	case MsgWelcome:
		arr = []any{m.Type, m.Session, details}
	case MsgAbort, MsgGoodbye:
		arr = []any{m.Type, details, m.URI}
	case MsgChallenge:
		arr = []any{m.Type, m.AuthMethod, details}
	case MsgAuthenticate:
		arr = []any{m.Type, m.Signature, details}
	case MsgError:
		arr = appendPayload([]any{m.Type, m.RequestType, m.Request, details, m.URI}, m.Args, m.Kwargs)
	case MsgSubscribe:
		arr = []any{m.Type, m.Request, details, m.URI}
	case MsgSubscribed:
		arr = []any{m.Type, m.Request, m.Subscription}
	case MsgEvent:
		arr = appendPayload([]any{m.Type, m.Subscription, m.Publication, details}, m.Args, m.Kwargs)
	case MsgCall:
		arr = appendPayload([]any{m.Type, m.Request, details, m.URI}, m.Args, m.Kwargs)
	case MsgResult:
		arr = appendPayload([]any{m.Type, m.Request, details}, m.Args, m.Kwargs)
	default:
		return nil, fmt.Errorf("wamp: cannot encode message type %d", m.Type)
	}
	return json.Marshal(arr)
}

func appendPayload(arr []any, args List, kwargs Dict) []any {
	if len(kwargs) > 0 {
		if args == nil {
			args = List{}
		}
		return append(arr, args, kwargs)
	}
	if len(args) > 0 {
		return append(arr, args)
	}
	return arr
}

// Decode parses a JSON-serialized WAMP message.
func Decode(b []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var arr []any
	if err := dec.Decode(&arr); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if len(arr) == 0 {
		return Message{}, fmt.Errorf("%w: empty array", ErrBadMessage)
	}
	code, ok := AsInt(arr[0])
	if !ok {
		return Message{}, fmt.Errorf("%w: message type %v", ErrBadMessage, arr[0])
	}
	m := Message{Type: MessageType(code)}
	d := decoder{arr: arr}

	switch m.Type {
	case MsgHello:
		d.arity(3, 3)
		m.URI = d.str(1)
		m.Details = d.dict(2)
	case MsgWelcome:
		d.arity(3, 3)
		m.Session = d.id(1)
		m.Details = d.dict(2)
	case MsgAbort, MsgGoodbye:
		d.arity(3, 3)
		m.Details = d.dict(1)
		m.URI = d.str(2)
	case MsgChallenge:
		d.arity(3, 3)
		m.AuthMethod = d.str(1)
		m.Details = d.dict(2)
	case MsgAuthenticate:
		d.arity(3, 3)
		m.Signature = d.str(1)
		m.Details = d.dict(2)
	case MsgError:
		d.arity(5, 7)
		rt, _ := AsInt(d.at(1))
		m.RequestType = MessageType(rt)
		m.Request = d.id(2)
		m.Details = d.dict(3)
		m.URI = d.str(4)
		m.Args, m.Kwargs = d.payload(5)
	case MsgSubscribe:
		d.arity(4, 4)
		m.Request = d.id(1)
		m.Details = d.dict(2)
		m.URI = d.str(3)
	case MsgSubscribed:
		d.arity(3, 3)
		m.Request = d.id(1)
		m.Subscription = d.id(2)
	case MsgEvent:
		d.arity(4, 6)
		m.Subscription = d.id(1)
		m.Publication = d.id(2)
		m.Details = d.dict(3)
		m.Args, m.Kwargs = d.payload(4)
	case MsgCall:
		d.arity(4, 6)
		m.Request = d.id(1)
		m.Details = d.dict(2)
		m.URI = d.str(3)
		m.Args, m.Kwargs = d.payload(4)
	case MsgResult:
		d.arity(3, 5)
		m.Request = d.id(1)
		m.Details = d.dict(2)
		m.Args, m.Kwargs = d.payload(3)
	default:
		return Message{}, fmt.Errorf("%w: unsupported message type %d", ErrBadMessage, code)
	}
	if d.err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrBadMessage, m.Type, d.err)
	}
	return m, nil
}

// decoder records the first positional error so Decode can read fields
// without checking every step.
type decoder struct {
	arr []any
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf(format, args...)
	}
}

func (d *decoder) arity(lo, hi int) {
	if len(d.arr) < lo || len(d.arr) > hi {
		d.fail("got %d elements, want %d..%d", len(d.arr), lo, hi)
	}
}

func (d *decoder) at(i int) any {
	if i >= len(d.arr) {
		return nil
	}
	return d.arr[i]
}

func (d *decoder) id(i int) ID {
	v, ok := AsID(d.at(i))
	if !ok {
		d.fail("element %d: invalid id %v", i, d.at(i))
	}
	return v
}

func (d *decoder) str(i int) string {
	s, ok := d.at(i).(string)
	if !ok {
		d.fail("element %d: not a string", i)
	}
	return s
}

func (d *decoder) dict(i int) Dict {
	m, ok := AsDict(d.at(i))
	if !ok {
		d.fail("element %d: not a dict", i)
	}
	return m
}

func (d *decoder) payload(i int) (List, Dict) {
	var args List
	var kwargs Dict
	if i < len(d.arr) {
		l, ok := AsList(d.arr[i])
		if !ok {
			d.fail("element %d: not a list", i)
		}
		args = l
	}
	if i+1 < len(d.arr) {
		kwargs = d.dict(i + 1)
	}
	return args, kwargs
}

// AsInt converts a decoded JSON number (or a Go integer) to int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case ID:
		return int64(n), true
	case MessageType:
		return int64(n), true
	}
	return 0, false
}

// AsID converts v to an ID in the range [0, 2^53].
func AsID(v any) (ID, bool) {
	if id, ok := v.(ID); ok {
		return id, id <= MaxID
	}
	i, ok := AsInt(v)
	if !ok || i < 0 || ID(i) > MaxID {
		return 0, false
	}
	return ID(i), true
}

func AsDict(v any) (Dict, bool) {
	switch m := v.(type) {
	case Dict:
		return m, true
	case map[string]any:
		return Dict(m), true
	}
	return nil, false
}

func AsList(v any) (List, bool) {
	switch l := v.(type) {
	case List:
		return l, true
	case []any:
		return List(l), true
	}
	return nil, false
}

// AsIDs converts a list of ids, failing on the first element that is not one.
func AsIDs(v any) ([]ID, bool) {
	l, ok := AsList(v)
	if !ok {
		return nil, false
	}
	ids := make([]ID, 0, len(l))
	for _, e := range l {
		id, ok := AsID(e)
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}
