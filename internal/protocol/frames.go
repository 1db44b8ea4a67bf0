package protocol

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// Represents the kind of a document-channel frame (first varint of the payload)
type MessageType uint64

const (
	// Used for Yjs sync protocol messages
	MessageSync MessageType = 0

	// Used for awareness protocol messages (cursors, presence)
	MessageAwareness MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "presence"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// SyncStep represents the step in the Yjs sync protocol
type SyncStep uint64

const (
	// Carries a state vector
	SyncStep1 SyncStep = 0

	// Carries the updates the receiver is missing
	SyncStep2 SyncStep = 1

	// Regular update broadcast
	SyncUpdate SyncStep = 2
)

// ErrMalformedFrame is the protocol error for binary frames that cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a decoded document-channel message. Step is only meaningful for sync frames.
type Frame struct {
	Type    MessageType
	Step    SyncStep
	Payload []byte
}

// Decodes a binary frame. Trailing bytes after the payload are ignored.
// Kinds other than sync and awareness decode without error; their Payload is
// the undecoded remainder so callers can skip them.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}

	r := NewReader(data)
	kind, err := r.Uvarint()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: message type: %v", ErrMalformedFrame, err)
	}

	switch MessageType(kind) {
	case MessageSync:
		step, err := r.Uvarint()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: sync step: %v", ErrMalformedFrame, err)
		}
		if SyncStep(step) > SyncUpdate {
			return Frame{}, fmt.Errorf("%w: invalid sync step %d", ErrMalformedFrame, step)
		}
		payload, err := r.Bytes()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: sync payload: %v", ErrMalformedFrame, err)
		}
		return Frame{Type: MessageSync, Step: SyncStep(step), Payload: payload}, nil

	case MessageAwareness:
		payload, err := r.Bytes()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: awareness payload: %v", ErrMalformedFrame, err)
		}
		return Frame{Type: MessageAwareness, Payload: payload}, nil

	default:
		return Frame{Type: MessageType(kind), Payload: data[r.off:]}, nil
	}
}

func EncodeSync(step SyncStep, payload []byte) []byte {
	w := NewWriter(len(payload) + 8)
	w.WriteUvarint(uint64(MessageSync))
	w.WriteUvarint(uint64(step))
	w.WriteBytes(payload)
	return w.Bytes()
}

func EncodeAwareness(update []byte) []byte {
	w := NewWriter(len(update) + 8)
	w.WriteUvarint(uint64(MessageAwareness))
	w.WriteBytes(update)
	return w.Bytes()
}

// Reader decodes lib0-style variable length values.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) Uvarint() (uint64, error) {
	v, n, err := varint.FromUvarint(r.buf[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += n
	return v, nil
}

// Reads a length-prefixed byte array. The result aliases the underlying buffer.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, r.Remaining())
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Writer encodes lib0-style variable length values.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) WriteUvarint(v uint64) {
	w.buf = append(w.buf, varint.ToUvarint(v)...)
}

func (w *Writer) WriteBytes(b []byte) {
	w.WriteUvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteString(s string) {
	w.WriteUvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) Bytes() []byte {
	return w.buf
}
