// Package wire implements the framing used between CLI clients and the
// daemon: a 4-byte big-endian length prefix followed by a UTF-8 JSON payload.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	lqerrors "github.com/akesson/language-query/src/lqd/internal/errors"
)

// DefaultMaxFrameBytes bounds a single frame unless overridden by config.
// A peer announcing a larger frame is considered malformed.
const DefaultMaxFrameBytes = 16 << 20

const _lenPrefixBytes = 4

// Request is one client message.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one daemon message. Exactly one of Result and Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResponseError is a typed error carried over the wire.
type ResponseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WriteFrame serializes v as JSON and writes it as a single length-prefixed
// frame.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame payload: %w", err)
	}

	var prefix [_lenPrefixBytes]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// Reader decodes complete frames from a byte stream. It never surfaces a
// partial frame: Next blocks until the full payload announced by the prefix
// has arrived, or fails.
type Reader struct {
	r        io.Reader
	maxBytes uint32
}

// NewReader wraps r. maxBytes caps the accepted frame size; zero selects
// DefaultMaxFrameBytes.
func NewReader(r io.Reader, maxBytes uint32) *Reader {
	if maxBytes == 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &Reader{r: r, maxBytes: maxBytes}
}

// Next returns the payload of the next complete frame. It returns io.EOF on a
// clean close between frames, and a ProtocolError on an oversized prefix or a
// truncated payload.
func (r *Reader) Next() ([]byte, error) {
	var prefix [_lenPrefixBytes]byte
	if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &lqerrors.ProtocolError{Reason: fmt.Sprintf("reading frame prefix: %v", err)}
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > r.maxBytes {
		return nil, &lqerrors.ProtocolError{Reason: fmt.Sprintf("frame length %d exceeds maximum %d", n, r.maxBytes)}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, &lqerrors.ProtocolError{Reason: fmt.Sprintf("reading frame payload: %v", err)}
	}
	return payload, nil
}

// NextRequest decodes the next frame as a Request.
func (r *Reader) NextRequest() (*Request, error) {
	payload, err := r.Next()
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &lqerrors.ProtocolError{Reason: fmt.Sprintf("decoding request: %v", err)}
	}
	if req.Method == "" {
		return nil, &lqerrors.ProtocolError{Reason: "request is missing a method"}
	}
	return &req, nil
}

// NextResponse decodes the next frame as a Response.
func (r *Reader) NextResponse() (*Response, error) {
	payload, err := r.Next()
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, &lqerrors.ProtocolError{Reason: fmt.Sprintf("decoding response: %v", err)}
	}
	return &resp, nil
}
