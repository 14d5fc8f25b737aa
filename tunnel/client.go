// Package tunnel implements a client for relaying data channels to a farmer
// that cannot accept inbound connections. The client holds a single outbound
// connection to a relay, and bridges each session multiplexed over that
// connection to its own socket on the farmer's local service port.
package tunnel // import "lukechampine.com/farm/tunnel"

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
)

var log = logging.Logger("tunnel")

// Errors returned by the client.
var (
	ErrNotOpen     = errors.New("Tunnel is not open")
	ErrAlreadyOpen = errors.New("tunnel is already open")
)

// A Source identifies the component of the tunnel from which an Error
// originated.
type Source int

// Error sources.
const (
	SourceClient Source = iota
	SourceDemuxer
	SourceMuxer
	SourceTransport
	SourceSocket
)

// String implements fmt.Stringer.
func (s Source) String() string {
	switch s {
	case SourceClient:
		return "client"
	case SourceDemuxer:
		return "demuxer"
	case SourceMuxer:
		return "muxer"
	case SourceTransport:
		return "transport"
	case SourceSocket:
		return "socket"
	}
	return "unknown"
}

// An Error is a failure reported by the client. Its message is the message of
// the underlying error, unmodified.
type Error struct {
	Source Source
	Quid   string // set for SourceSocket
	Err    error
}

// Error implements error.
func (e *Error) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// fatal reports whether the error requires the tunnel to be torn down.
func (e *Error) fatal() bool {
	switch e.Source {
	case SourceDemuxer, SourceMuxer, SourceTransport:
		return true
	}
	return false
}

// State is the state of a Client.
type State int32

// Client states.
const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// A ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer sets the Dialer used to connect to the relay.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dial = d }
}

// WithLocalDialer sets the function used to connect to the local service.
func WithLocalDialer(fn func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return func(c *Client) { c.dialLocal = fn }
}

// WithErrorHandler sets a function that is called with every error reported by
// the client. Errors are always of type *Error.
func WithErrorHandler(fn func(error)) ClientOption {
	return func(c *Client) { c.onError = fn }
}

// WithCloseHandler sets a function that is called each time the tunnel closes.
func WithCloseHandler(fn func()) ClientOption {
	return func(c *Client) { c.onClose = fn }
}

// WithMetrics sets the collectors updated by the client.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// localDialTimeout bounds the time spent connecting to the local service.
const localDialTimeout = 5 * time.Second

// A session is the set of resources created by Open and destroyed by Close:
// the relay transport, its demultiplexer and multiplexer, and the channels
// bridged over them.
type session struct {
	transport Transport
	demux     *demuxer
	mux       *muxer

	stop      chan struct{}
	fatal     chan *Error // buffered; only the first fatal error is kept
	failures  chan *Error
	evictions chan *channel
	active    int32

	// owned by the coordinator goroutine
	channels map[string]*channel
}

func (s *session) fail(e *Error) {
	if e.fatal() {
		select {
		case s.fatal <- e:
		default:
		}
		return
	}
	select {
	case s.failures <- e:
	case <-s.stop:
	}
}

func (s *session) evict(ch *channel) {
	select {
	case s.evictions <- ch:
	case <-s.stop:
	}
}

// A Client maintains a tunnel to a relay and bridges the data channels
// multiplexed over it to a local service.
type Client struct {
	relayURL  string
	localAddr string
	dial      Dialer
	dialLocal func(ctx context.Context, network, addr string) (net.Conn, error)
	onError   func(error)
	onClose   func()
	metrics   *Metrics
	notify    *notifier

	mu    sync.Mutex
	state State
	sess  *session
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channels returns the number of data channels currently open.
func (c *Client) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return int(atomic.LoadInt32(&c.sess.active))
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) reportError(e *Error) {
	c.metrics.Errors.WithLabelValues(e.Source.String()).Inc()
	log.Debugw("tunnel error", "source", e.Source, "quid", e.Quid, "err", e.Err)
	if c.onError != nil {
		c.notify.push(func() { c.onError(e) })
	}
}

func (c *Client) reportClose() {
	if c.onClose != nil {
		c.notify.push(c.onClose)
	}
}

// Open connects to the relay and begins routing data channels. A Client must
// be closed before it can be opened again.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.state = StateOpening
	c.mu.Unlock()

	t, err := c.dial(ctx, c.relayURL)
	if err != nil {
		c.setState(StateClosed)
		return errors.Wrap(err, "could not connect to relay")
	}
	s := &session{
		transport: t,
		stop:      make(chan struct{}),
		fatal:     make(chan *Error, 1),
		failures:  make(chan *Error),
		evictions: make(chan *channel),
		channels:  make(map[string]*channel),
	}
	s.demux = newDemuxer(t, s.stop)
	s.mux = newMuxer(t, c.metrics)

	c.mu.Lock()
	c.sess = s
	c.state = StateOpen
	c.mu.Unlock()

	go s.demux.run()
	go c.coordinate(s)
	log.Infow("tunnel open", "relay", c.relayURL)
	return nil
}

// Close tears down the tunnel, dropping every open data channel. If the tunnel
// is not open, Close reports and returns ErrNotOpen.
func (c *Client) Close() error {
	return c.shutdown(nil)
}

// shutdown closes the current session. If s is non-nil, shutdown was
// triggered internally by session s, and does nothing if s is no longer
// current.
func (c *Client) shutdown(s *session) error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || (s != nil && s != sess) {
		c.mu.Unlock()
		if s != nil {
			return nil
		}
		c.reportError(&Error{Source: SourceClient, Err: ErrNotOpen})
		return ErrNotOpen
	}
	c.sess = nil
	c.state = StateClosing
	c.mu.Unlock()

	close(sess.stop)
	var err error
	if sess.transport.State() == ConnOpen {
		err = sess.transport.Close()
	}
	c.setState(StateClosed)
	log.Infow("tunnel closed", "relay", c.relayURL)
	c.reportClose()
	return err
}

// coordinate is the session's event loop. It owns the channel table and
// applies the teardown rules: failures of the transport, demultiplexer, or
// multiplexer close the tunnel, while a failed channel is only evicted.
func (c *Client) coordinate(s *session) {
	defer c.dropChannels(s)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		select {
		case <-s.stop:
			return
		case f := <-s.demux.frames:
			c.metrics.FramesIn.Inc()
			c.route(s, f)
		case e := <-s.demux.errs:
			c.shutdown(s)
			c.reportError(e)
			return
		case <-s.demux.closed:
			c.shutdown(s)
			return
		case e := <-s.fatal:
			c.shutdown(s)
			c.reportError(e)
			return
		case e := <-s.failures:
			c.reportError(e)
		case ch := <-s.evictions:
			c.evict(s, ch, true)
		}
	}
}

// route dispatches an inbound frame to its channel.
func (c *Client) route(s *session, f Frame) {
	ch, ok := s.channels[f.Quid]
	switch {
	case f.Type == FrameClose:
		if ok {
			c.evict(s, ch, false)
		}
	case ok && ch.isOpen():
		c.sendToExistingSocket(s, ch, f)
	default:
		if ok {
			c.evict(s, ch, false)
		}
		c.handleDataChannel(s, f)
	}
}

// handleDataChannel creates a channel for a previously unseen quid and
// buffers the frame's payload on it. The local socket is dialed by the
// channel's own goroutine; payloads arriving in the meantime are buffered in
// order.
func (c *Client) handleDataChannel(s *session, f Frame) {
	ch := newChannel(f.Quid)
	s.channels[f.Quid] = ch
	atomic.AddInt32(&s.active, 1)
	c.metrics.ChannelsOpened.Inc()
	c.metrics.ChannelsActive.Inc()
	go c.runChannel(s, ch)
	c.sendToExistingSocket(s, ch, f)
}

// runChannel connects ch to the local service and writes its payloads until
// the channel ends.
func (c *Client) runChannel(s *session, ch *channel) {
	ctx, cancel := context.WithTimeout(context.Background(), localDialTimeout)
	conn, err := c.dialLocal(ctx, "tcp", c.localAddr)
	cancel()
	if err != nil {
		if ch.isOpen() {
			s.fail(&Error{Source: SourceSocket, Quid: ch.quid, Err: err})
		}
		s.evict(ch)
		return
	} else if !ch.setConn(conn) {
		conn.Close()
		return
	}
	go c.readLoop(s, ch, conn)
	if err := ch.writeLoop(); err != nil {
		s.fail(&Error{Source: SourceSocket, Quid: ch.quid, Err: err})
		s.evict(ch)
	}
}

// sendToExistingSocket buffers the frame's payload on an open channel. A
// channel whose socket has fallen too far behind is dropped.
func (c *Client) sendToExistingSocket(s *session, ch *channel, f Frame) {
	if len(f.Payload) == 0 {
		return
	}
	if err := ch.enqueue(f.Payload); err != nil {
		c.reportError(&Error{Source: SourceSocket, Quid: ch.quid, Err: err})
		c.evict(s, ch, true)
		ch.abort()
	}
}

// readLoop forwards data from a channel's local socket to the relay until the
// socket is closed.
func (c *Client) readLoop(s *session, ch *channel, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.forwardResponse(s, ch.quid, buf[:n], nil)
		}
		if err != nil {
			if err != io.EOF && ch.isOpen() {
				c.forwardResponse(s, ch.quid, nil, err)
			}
			s.evict(ch)
			return
		}
	}
}

// forwardResponse sends data from the local socket for quid to the relay. If
// err is non-nil, it is reported and nothing is sent.
func (c *Client) forwardResponse(s *session, quid string, data []byte, err error) {
	if err != nil {
		if s == nil {
			c.reportError(&Error{Source: SourceSocket, Quid: quid, Err: err})
		} else {
			s.fail(&Error{Source: SourceSocket, Quid: quid, Err: err})
		}
		return
	}
	if s == nil {
		c.reportError(&Error{Source: SourceClient, Err: ErrNotOpen})
		return
	}
	if err := s.mux.writeData(quid, data); err != nil {
		s.fail(&Error{Source: SourceMuxer, Err: err})
	}
}

// evict removes ch from the channel table, closing its socket. If
// notifyRelay is set, the relay is told that the channel has ended.
func (c *Client) evict(s *session, ch *channel, notifyRelay bool) {
	if s.channels[ch.quid] != ch {
		return
	}
	delete(s.channels, ch.quid)
	ch.close()
	atomic.AddInt32(&s.active, -1)
	c.metrics.ChannelsActive.Dec()
	if notifyRelay {
		c.closeRemote(s, ch.quid)
	}
}

func (c *Client) closeRemote(s *session, quid string) {
	if err := s.mux.writeClose(quid); err != nil {
		c.shutdown(s)
		c.reportError(&Error{Source: SourceMuxer, Err: err})
	}
}

// dropChannels aborts every channel in the session without notifying the
// relay.
func (c *Client) dropChannels(s *session) {
	var errs error
	for quid, ch := range s.channels {
		if err := ch.abort(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierror.Append(errs, err)
		}
		delete(s.channels, quid)
		c.metrics.ChannelsActive.Dec()
	}
	atomic.StoreInt32(&s.active, 0)
	if errs != nil {
		log.Warnw("error closing local sockets", "err", errs)
	}
}

// NewClient returns a Client that connects to the relay at relayURL and
// bridges data channels to the service listening on localAddr. The client is
// initially closed.
func NewClient(relayURL, localAddr string, opts ...ClientOption) *Client {
	var d net.Dialer
	c := &Client{
		relayURL:  relayURL,
		localAddr: localAddr,
		dial:      DialWebsocket,
		dialLocal: d.DialContext,
		notify:    newNotifier(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}
