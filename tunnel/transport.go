package tunnel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ConnState is the connection state of a Transport.
type ConnState int32

// Transport connection states.
const (
	ConnConnecting ConnState = iota
	ConnOpen
	ConnClosing
	ConnClosed
)

// ErrTransportClosed is returned by ReadMessage when the relay closes the
// connection gracefully.
var ErrTransportClosed = errors.New("relay closed the tunnel")

// A Transport is a message-oriented connection to the relay.
type Transport interface {
	// ReadMessage returns the next message sent by the relay. If the relay
	// closed the connection gracefully, ReadMessage returns
	// ErrTransportClosed.
	ReadMessage() ([]byte, error)
	// WriteMessage sends a message to the relay. It is safe to call
	// WriteMessage concurrently with ReadMessage.
	WriteMessage(msg []byte) error
	// State returns the current connection state.
	State() ConnState
	// Close closes the connection.
	Close() error
}

// A Dialer connects to the relay at the given URL.
type Dialer func(ctx context.Context, url string) (Transport, error)

// wsTransport implements Transport over a websocket.
type wsTransport struct {
	conn  *websocket.Conn
	state int32
	wmu   sync.Mutex
}

func (t *wsTransport) setState(s ConnState) { atomic.StoreInt32(&t.state, int32(s)) }

// State implements Transport.
func (t *wsTransport) State() ConnState { return ConnState(atomic.LoadInt32(&t.state)) }

// ReadMessage implements Transport.
func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		mt, msg, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.setState(ConnClosed)
				t.conn.Close()
				return nil, ErrTransportClosed
			} else if t.State() != ConnOpen {
				return nil, ErrTransportClosed
			}
			return nil, err
		}
		switch mt {
		case websocket.BinaryMessage, websocket.TextMessage:
			return msg, nil
		}
	}
}

// WriteMessage implements Transport.
func (t *wsTransport) WriteMessage(msg []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// Close implements Transport.
func (t *wsTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.state, int32(ConnOpen), int32(ConnClosing)) {
		return nil
	}
	defer t.setState(ConnClosed)
	t.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.wmu.Unlock()
	return t.conn.Close()
}

// DialWebsocket is the default Dialer. It connects to a relay over a
// websocket.
func DialWebsocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return &wsTransport{
		conn:  conn,
		state: int32(ConnOpen),
	}, nil
}
