package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action names the handler a command is dispatched to.
type Action string

const (
	// ActionChallenge carries a nonce the peer must answer with an HMAC
	ActionChallenge Action = "challenge"
	// ActionAuth carries the HMAC answering a previously issued challenge
	ActionAuth Action = "auth"
	// ActionDisconnect asks the receiver to close the connection cleanly
	ActionDisconnect Action = "disconnect"
	// ActionMapFn carries a reference to the map work function
	ActionMapFn Action = "mapfn"
	// ActionReduceFn carries a reference to the reduce work function
	ActionReduceFn Action = "reducefn"
	// ActionCollectFn carries a reference to the collect work function
	ActionCollectFn Action = "collectfn"
)

// IsBase reports whether the action belongs to the base table shared by
// every role. Base actions are the only ones accepted before the peer
// has been authenticated.
func (a Action) IsBase() bool {
	switch a {
	case ActionChallenge, ActionAuth, ActionDisconnect:
		return true
	}
	return false
}

// MaxHeaderSize bounds a header line, excluding its newline, whether or
// not the newline has arrived yet.
const MaxHeaderSize = 64 << 10

// DefaultMaxPayload is the payload limit used when none is configured.
const DefaultMaxPayload = 1 << 20

var (
	// ErrMalformedHeader is returned when a header line is not a valid command
	ErrMalformedHeader = errors.New("malformed header")
	// ErrHeaderTooLarge is returned when a header line exceeds MaxHeaderSize bytes
	ErrHeaderTooLarge = errors.New("header too large")
	// ErrPayloadTooLarge is returned when data-length exceeds the configured limit
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrTruncated is returned when the stream ends inside a header or payload
	ErrTruncated = errors.New("stream ended mid-command")
)

// Header is the structured part of a command. Only the fields relevant to
// Action are set; DataLength is non-nil exactly when a payload follows.
type Header struct {
	Action     Action `json:"action"`
	Msg        string `json:"msg,omitempty"`
	MAC        string `json:"mac,omitempty"`
	DataLength *int   `json:"data-length,omitempty"`
}

// Frame is one complete command: a header and, when the header declared a
// data-length, exactly that many payload bytes.
type Frame struct {
	Header  Header
	Payload []byte
}

// HasPayload reports whether the header declared a payload, including an
// empty one.
func (f Frame) HasPayload() bool {
	return f.Header.DataLength != nil
}

// Encode serializes a command for the wire: the JSON header, a newline,
// then the raw payload. A nil payload omits data-length; an empty non-nil
// payload is sent as data-length 0.
func Encode(h Header, payload []byte) ([]byte, error) {
	h.DataLength = nil
	if payload != nil {
		n := len(payload)
		h.DataLength = &n
	}
	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	out := make([]byte, 0, len(line)+1+len(payload))
	out = append(out, line...)
	out = append(out, '\n')
	out = append(out, payload...)
	return out, nil
}

// DecodeHeader parses a single header line without its newline.
func DecodeHeader(line []byte) (Header, error) {
	var h Header
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if dec.More() {
		return Header{}, fmt.Errorf("%w: trailing data after header", ErrMalformedHeader)
	}
	if h.Action == "" {
		return Header{}, fmt.Errorf("%w: missing action", ErrMalformedHeader)
	}
	if h.DataLength != nil && *h.DataLength < 0 {
		return Header{}, fmt.Errorf("%w: negative data-length %d", ErrMalformedHeader, *h.DataLength)
	}
	return h, nil
}

type framerState int

const (
	awaitingHeader framerState = iota
	awaitingPayload
)

// Framer turns an arbitrarily chunked byte stream into complete frames.
// It alternates between waiting for a newline-terminated header and
// waiting for a fixed number of payload bytes. A Framer belongs to one
// connection and is not safe for concurrent use.
type Framer struct {
	buf        []byte      // Bytes received but not yet consumed
	state      framerState // Header or payload phase
	pending    Header      // Header waiting for its payload
	need       int         // Payload bytes still required
	maxPayload int         // Largest accepted data-length
	err        error       // Sticky framing error
}

// NewFramer creates a framer that rejects payloads larger than maxPayload
// bytes. A non-positive maxPayload selects DefaultMaxPayload.
func NewFramer(maxPayload int) *Framer {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Framer{maxPayload: maxPayload}
}

// Feed appends p to the buffer and calls fn for every command completed by
// it, in arrival order. How the stream is split across calls never
// changes the frames produced.
//
// Parameters:
//   - p: Next chunk of the stream, any length
//   - fn: Called once per complete frame; a non-nil return stops processing
//
// Returns:
//   - error: A framing error, which is sticky and returned by every later
//     Feed, or the error returned by fn
//
// Example:
//
//	f := protocol.NewFramer(0)
//	err := f.Feed(buf[:n], func(fr protocol.Frame) error {
//	    return dispatch(fr)
//	})
func (f *Framer) Feed(p []byte, fn func(Frame) error) error {
	if f.err != nil {
		return f.err
	}
	f.buf = append(f.buf, p...)
	for {
		fr, ok, err := f.next()
		if err != nil {
			f.fail(err)
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(fr); err != nil {
			return err
		}
	}
}

// Pending reports whether partial command state is buffered: header bytes
// without their newline, or a header still waiting for its payload.
func (f *Framer) Pending() bool {
	return f.state == awaitingPayload || len(f.buf) > 0
}

// Reset discards all buffered state, including a sticky error.
func (f *Framer) Reset() {
	f.buf = nil
	f.state = awaitingHeader
	f.pending = Header{}
	f.need = 0
	f.err = nil
}

func (f *Framer) fail(err error) {
	f.err = err
	f.buf = nil
	f.state = awaitingHeader
	f.pending = Header{}
	f.need = 0
}

// next extracts at most one complete frame from the buffer.
func (f *Framer) next() (Frame, bool, error) {
	if f.state == awaitingHeader {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			if len(f.buf) > MaxHeaderSize {
				return Frame{}, false, ErrHeaderTooLarge
			}
			return Frame{}, false, nil
		}
		if i > MaxHeaderSize {
			return Frame{}, false, ErrHeaderTooLarge
		}
		h, err := DecodeHeader(f.buf[:i])
		if err != nil {
			return Frame{}, false, err
		}
		f.buf = f.buf[i+1:]
		if h.DataLength == nil {
			return Frame{Header: h}, true, nil
		}
		if *h.DataLength > f.maxPayload {
			return Frame{}, false, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, *h.DataLength, f.maxPayload)
		}
		f.state = awaitingPayload
		f.pending = h
		f.need = *h.DataLength
	}

	if len(f.buf) < f.need {
		return Frame{}, false, nil
	}
	payload := make([]byte, f.need)
	copy(payload, f.buf[:f.need])
	f.buf = f.buf[f.need:]
	fr := Frame{Header: f.pending, Payload: payload}
	f.state = awaitingHeader
	f.pending = Header{}
	f.need = 0
	return fr, true, nil
}
