package wamp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Peer is a message-oriented connection to a router. ReadMessage is only
// called from one goroutine; WriteMessage may be called concurrently.
type Peer interface {
	ReadMessage() (Message, error)
	WriteMessage(Message) error
	Close() error
}

type DialConfig struct {
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
	Header           http.Header
}

type websocketPeer struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	wmu sync.Mutex
}

// DialWebsocket opens a ws:// or wss:// connection negotiating the
// wamp.2.json subprotocol.
func DialWebsocket(ctx context.Context, url string, cfg DialConfig) (Peer, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  cfg.TLS,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = 10 * time.Second
	}
	conn, resp, err := d.DialContext(ctx, url, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wamp: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("wamp: dial %s: %w", url, err)
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close()
		return nil, fmt.Errorf("wamp: router did not accept subprotocol %s", Subprotocol)
	}
	return NewWebsocketPeer(conn, cfg.MaxMessageBytes, cfg.WriteTimeout), nil
}

// NewWebsocketPeer wraps an established connection. It is used on both ends,
// the test router included.
func NewWebsocketPeer(conn *websocket.Conn, maxMessageBytes int64, writeTimeout time.Duration) Peer {
	if maxMessageBytes > 0 {
		conn.SetReadLimit(maxMessageBytes)
	}
	return &websocketPeer{conn: conn, writeTimeout: writeTimeout}
}

func (p *websocketPeer) ReadMessage() (Message, error) {
	for {
		typ, b, err := p.conn.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		return Decode(b)
	}
}

func (p *websocketPeer) WriteMessage(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

func (p *websocketPeer) Close() error {
	p.wmu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	p.wmu.Unlock()
	return p.conn.Close()
}
