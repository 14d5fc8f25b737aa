package tunnel

import (
	"github.com/pkg/errors"
	"gitlab.com/NebulousLabs/encoding"
)

// Frame types.
const (
	FrameData  uint8 = 1
	FrameClose uint8 = 2
)

// MaxPayloadSize is the maximum number of payload bytes carried by a single
// frame. Larger responses are split across multiple frames.
const MaxPayloadSize = 1 << 20

// maxMessageSize bounds the size of an encoded frame.
const maxMessageSize = MaxPayloadSize + 4096

// A Frame is the unit of data exchanged with the relay. Each frame belongs to
// the channel identified by its Quid.
type Frame struct {
	Type    uint8
	Quid    string
	Payload []byte
}

func encodeFrame(f Frame) ([]byte, error) {
	if f.Quid == "" {
		return nil, errors.New("frame has no quid")
	} else if len(f.Payload) > MaxPayloadSize {
		return nil, errors.Errorf("frame payload too large (%v > %v)", len(f.Payload), MaxPayloadSize)
	}
	return encoding.Marshal(f), nil
}

func decodeFrame(msg []byte) (Frame, error) {
	var f Frame
	if err := encoding.Unmarshal(msg, &f); err != nil {
		return Frame{}, errors.Wrap(err, "could not decode frame")
	}
	switch {
	case f.Type != FrameData && f.Type != FrameClose:
		return Frame{}, errors.Errorf("unknown frame type %v", f.Type)
	case f.Quid == "":
		return Frame{}, errors.New("frame has no quid")
	case len(f.Payload) > MaxPayloadSize:
		return Frame{}, errors.New("frame payload too large")
	}
	return f, nil
}
