package tunnel

import (
	"sync"
)

// A demuxer reads messages from the relay transport and decodes them into
// frames.
type demuxer struct {
	t      Transport
	stop   <-chan struct{}
	frames chan Frame
	errs   chan *Error
	closed chan struct{}
}

func (d *demuxer) run() {
	for {
		msg, err := d.t.ReadMessage()
		if err == ErrTransportClosed {
			close(d.closed)
			return
		} else if err != nil {
			d.fail(&Error{Source: SourceTransport, Err: err})
			return
		}
		f, err := decodeFrame(msg)
		if err != nil {
			d.fail(&Error{Source: SourceDemuxer, Err: err})
			return
		}
		select {
		case d.frames <- f:
		case <-d.stop:
			return
		}
	}
}

func (d *demuxer) fail(e *Error) {
	select {
	case d.errs <- e:
	case <-d.stop:
	}
}

func newDemuxer(t Transport, stop <-chan struct{}) *demuxer {
	return &demuxer{
		t:      t,
		stop:   stop,
		frames: make(chan Frame),
		errs:   make(chan *Error),
		closed: make(chan struct{}),
	}
}

// A muxer encodes channel data into frames and writes them to the relay
// transport.
type muxer struct {
	t       Transport
	metrics *Metrics
	mu      sync.Mutex
}

func (m *muxer) writeFrame(f Frame) error {
	msg, err := encodeFrame(f)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.t.WriteMessage(msg); err != nil {
		return err
	}
	m.metrics.FramesOut.Inc()
	return nil
}

// writeData sends data on the channel identified by quid, splitting it into
// as many frames as necessary.
func (m *muxer) writeData(quid string, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > MaxPayloadSize {
			n = MaxPayloadSize
		}
		if err := m.writeFrame(Frame{Type: FrameData, Quid: quid, Payload: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// writeClose tells the relay that the channel identified by quid has ended.
func (m *muxer) writeClose(quid string) error {
	return m.writeFrame(Frame{Type: FrameClose, Quid: quid})
}

func newMuxer(t Transport, metrics *Metrics) *muxer {
	return &muxer{
		t:       t,
		metrics: metrics,
	}
}
