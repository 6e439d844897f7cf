// Package codec serializes downstream responses for persistence.
//
// The wire format is a msgpack array [status, headers, chunks], deflated with
// zlib, followed by a two byte version marker. The marker sits at the end so
// that stripping it is a reslice rather than a copy.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zlib"
	msgpack "github.com/ugorji/go/codec"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
)

const versionMarker = ":1"

var handle = newMsgpackHandle()

func newMsgpackHandle() *msgpack.MsgpackHandle {
	h := &msgpack.MsgpackHandle{}
	h.WriteExt = true
	return h
}

type wireResponse struct {
	_struct bool `codec:",toarray"` //nolint:unused // codec struct options
	Status  int
	Headers map[string]string
	Chunks  [][]byte
}

// Encode serializes a response. Only headers that are safe to replay are kept.
func Encode(resp *idempotency.Response) ([]byte, error) {
	wire := wireResponse{
		Status:  resp.Status,
		Headers: filterHeaders(resp.Headers),
		Chunks:  resp.Chunks,
	}
	if wire.Chunks == nil {
		wire.Chunks = [][]byte{}
	}

	var packed []byte
	if err := msgpack.NewEncoderBytes(&packed, handle).Encode(&wire); err != nil {
		return nil, fmt.Errorf("failed to pack response: %w", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(packed); err != nil {
		return nil, fmt.Errorf("failed to deflate response: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to deflate response: %w", err)
	}
	buf.WriteString(versionMarker)
	return buf.Bytes(), nil
}

// Decode reverses Encode. A payload without a known version marker fails with
// idempotency.ErrUnknownSerializationFormat.
func Decode(payload []byte) (*idempotency.Response, error) {
	if len(payload) < len(versionMarker) || string(payload[len(payload)-len(versionMarker):]) != versionMarker {
		return nil, idempotency.ErrUnknownSerializationFormat
	}
	deflated := payload[:len(payload)-len(versionMarker)]

	zr, err := zlib.NewReader(bytes.NewReader(deflated))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", idempotency.ErrUnknownSerializationFormat, err)
	}
	defer zr.Close()
	packed, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", idempotency.ErrUnknownSerializationFormat, err)
	}

	var wire wireResponse
	if err := msgpack.NewDecoderBytes(packed, handle).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: %v", idempotency.ErrUnknownSerializationFormat, err)
	}
	return &idempotency.Response{Status: wire.Status, Headers: wire.Headers, Chunks: wire.Chunks}, nil
}

func filterHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for name, value := range in {
		if isInternalHeader(name) {
			continue
		}
		out[name] = value
	}
	return out
}

func isInternalHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	return strings.HasPrefix(canonical, idempotency.InternalHeaderPrefix) ||
		strings.HasPrefix(name, http.TrailerPrefix)
}
