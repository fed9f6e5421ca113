package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	lqerrors "github.com/akesson/language-query/src/lqd/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := &Request{ID: "abc", Method: "symbol_docs", Params: json.RawMessage(`{"file":"a.go","line":3,"symbol":"Config"}`)}
	require.NoError(t, WriteFrame(&buf, req))

	got, err := NewReader(&buf, 0).NextRequest()
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, req.Method, got.Method)
	assert.JSONEq(t, string(req.Params), string(got.Params))
}

func TestMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, WriteFrame(&buf, &Request{ID: id, Method: "status"}))
	}

	r := NewReader(&buf, 0)
	for _, id := range []string{"1", "2", "3"} {
		got, err := r.NextRequest()
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
	}
	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

// oneByteReader forces the smallest possible reads to exercise reassembly.
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestNoPartialFrameUnderFragmentedReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Response{ID: "x", Result: json.RawMessage(`{"status":"ready"}`)}))
	require.NoError(t, WriteFrame(&buf, &Response{ID: "y", Error: &ResponseError{Kind: "no_match", Message: "no symbol"}}))

	r := NewReader(oneByteReader{&buf}, 0)

	first, err := r.NextResponse()
	require.NoError(t, err)
	assert.Equal(t, "x", first.ID)
	assert.Nil(t, first.Error)

	second, err := r.NextResponse()
	require.NoError(t, err)
	assert.Equal(t, "y", second.ID)
	require.NotNil(t, second.Error)
	assert.Equal(t, "no_match", second.Error.Kind)
}

func TestOversizedPrefix(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 1<<30)
	buf.Write(prefix[:])

	_, err := NewReader(&buf, 1024).Next()
	var protoErr *lqerrors.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Reason, "exceeds maximum")
}

func TestTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 100)
	buf.Write(prefix[:])
	buf.WriteString("short")

	_, err := NewReader(&buf, 0).Next()
	var protoErr *lqerrors.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestMalformedPayload(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("{not json")
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	buf.Write(prefix[:])
	buf.Write(payload)

	_, err := NewReader(&buf, 0).NextRequest()
	var protoErr *lqerrors.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestMissingMethod(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Request{ID: "1"}))

	_, err := NewReader(&buf, 0).NextRequest()
	var protoErr *lqerrors.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Reason, "method")
}
