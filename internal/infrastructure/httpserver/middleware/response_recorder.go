package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
)

// responseRecorder buffers a downstream response so it can be persisted
// before it reaches the client. Each Write is kept as one chunk. Once the
// handler flushes, or the body is known to exceed the persistence limit, the
// recorder forwards everything to the real writer and stops buffering; such
// a response is never persisted.
type responseRecorder struct {
	w           http.ResponseWriter
	header      http.Header
	status      int
	wroteHeader bool
	chunks      [][]byte
	size        int64
	streaming   bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{w: w, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header {
	if r.streaming {
		return r.w.Header()
	}
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	if r.streaming {
		r.w.WriteHeader(status)
		return
	}
	if cl := r.header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > idempotency.SavedResponseBodySizeLimit {
			r.stream()
		}
	}
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if !r.streaming && r.size+int64(len(p)) > idempotency.SavedResponseBodySizeLimit {
		r.stream()
	}
	if r.streaming {
		return r.w.Write(p)
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	r.chunks = append(r.chunks, chunk)
	r.size += int64(len(p))
	return len(p), nil
}

// Flush turns the response into a stream.
func (r *responseRecorder) Flush() {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.stream()
	_ = http.NewResponseController(r.w).Flush()
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.w
}

// Streaming reports whether the response went straight to the client.
func (r *responseRecorder) Streaming() bool {
	return r.streaming
}

func (r *responseRecorder) stream() {
	if r.streaming {
		return
	}
	r.streaming = true
	copyPublicHeaders(r.w.Header(), r.header)
	if r.wroteHeader {
		r.w.WriteHeader(r.statusCode())
	}
	for _, chunk := range r.chunks {
		if _, err := r.w.Write(chunk); err != nil {
			break
		}
	}
	r.chunks = nil
}

// commit forwards whatever was buffered, used when the handler fails after
// it already produced output.
func (r *responseRecorder) commit() {
	if r.wroteHeader {
		r.stream()
	}
}

func (r *responseRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// response snapshots the buffered response without internal headers.
func (r *responseRecorder) response() *idempotency.Response {
	return &idempotency.Response{
		Status:  r.statusCode(),
		Headers: flattenHeaders(r.header),
		Chunks:  r.chunks,
	}
}

func isInternalHeader(name string) bool {
	return strings.HasPrefix(name, idempotency.InternalHeaderPrefix) || strings.HasPrefix(name, http.TrailerPrefix)
}

func copyPublicHeaders(dst, src http.Header) {
	for name, values := range src {
		if isInternalHeader(http.CanonicalHeaderKey(name)) {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
}

// flattenHeaders joins multi-valued headers with a newline.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if isInternalHeader(name) || len(values) == 0 {
			continue
		}
		out[name] = strings.Join(values, "\n")
	}
	return out
}

// writeResponse sends a persisted or freshly buffered response to w.
func writeResponse(w http.ResponseWriter, resp *idempotency.Response) error {
	h := w.Header()
	for name, value := range resp.Headers {
		h.Del(name)
		for _, v := range strings.Split(value, "\n") {
			h.Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	for _, chunk := range resp.Chunks {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}
