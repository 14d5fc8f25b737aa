package tunnel

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// channel states
const (
	chanOpen int32 = iota
	chanClosing
	chanClosed
)

// maxBufferedBytes is the number of payload bytes that may be pending on a
// channel. A local socket that falls further behind is dropped.
const maxBufferedBytes = 4 * MaxPayloadSize

var errChannelFull = errors.New("local socket is not keeping up")

// A channel is a relay session bridged to a local socket. Payloads from the
// relay are buffered and written to the socket in order by the channel's own
// goroutine, so routing never waits on a socket.
type channel struct {
	quid  string
	state int32

	mu       sync.Mutex
	cond     *sync.Cond
	conn     net.Conn // nil until the local dial completes
	pending  [][]byte
	buffered int
}

func (ch *channel) isOpen() bool {
	return atomic.LoadInt32(&ch.state) == chanOpen
}

// enqueue buffers p for writing. Payloads for a channel that is no longer open
// are dropped. If the buffer is full, enqueue returns errChannelFull.
func (ch *channel) enqueue(p []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.isOpen() {
		return nil
	} else if ch.buffered+len(p) > maxBufferedBytes {
		return errChannelFull
	}
	ch.pending = append(ch.pending, p)
	ch.buffered += len(p)
	ch.cond.Signal()
	return nil
}

// setConn attaches the local socket. It reports false if the channel was
// aborted while the socket was being dialed.
func (ch *channel) setConn(conn net.Conn) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if atomic.LoadInt32(&ch.state) == chanClosed {
		return false
	}
	ch.conn = conn
	return true
}

// close stops accepting payloads. Buffered payloads are flushed before the
// socket is closed.
func (ch *channel) close() {
	ch.mu.Lock()
	atomic.CompareAndSwapInt32(&ch.state, chanOpen, chanClosing)
	ch.cond.Broadcast()
	ch.mu.Unlock()
}

// abort closes the socket immediately, discarding buffered payloads.
func (ch *channel) abort() error {
	ch.mu.Lock()
	atomic.StoreInt32(&ch.state, chanClosed)
	ch.pending = nil
	ch.buffered = 0
	ch.cond.Broadcast()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// next blocks until a payload is available, returning false once the channel
// has stopped accepting payloads and the buffer is empty.
func (ch *channel) next() ([]byte, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for len(ch.pending) == 0 && ch.isOpen() {
		ch.cond.Wait()
	}
	if len(ch.pending) == 0 {
		return nil, false
	}
	p := ch.pending[0]
	ch.pending[0] = nil
	ch.pending = ch.pending[1:]
	ch.buffered -= len(p)
	return p, true
}

// writeLoop writes buffered payloads to the socket until the channel is closed
// or a write fails. A write error is returned only if the channel was still
// open when it occurred.
func (ch *channel) writeLoop() error {
	for {
		p, ok := ch.next()
		if !ok {
			break
		}
		if _, err := ch.conn.Write(p); err != nil {
			failed := atomic.CompareAndSwapInt32(&ch.state, chanOpen, chanClosed)
			ch.conn.Close()
			if failed {
				return err
			}
			return nil
		}
	}
	atomic.StoreInt32(&ch.state, chanClosed)
	ch.conn.Close()
	return nil
}

func newChannel(quid string) *channel {
	ch := &channel{quid: quid}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}
