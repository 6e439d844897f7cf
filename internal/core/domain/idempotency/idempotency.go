package idempotency

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTTL is how long a persisted response is replayed when neither the
	// middleware nor the response overrides it.
	DefaultTTL = 30 * time.Second

	// SavedResponseBodySizeLimit is the largest response body that will be persisted.
	SavedResponseBodySizeLimit = 4 * 1024 * 1024

	// RetryAfterSeconds is sent with 429 responses for concurrent duplicates.
	RetryAfterSeconds = 2
)

// Request headers carrying the client-supplied key, in order of preference.
const (
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderXIdempotencyKey = "X-Idempotency-Key"
)

// Response headers the downstream handler may set to steer persistence. They
// are consumed by the middleware and never forwarded to the client.
const (
	HeaderPolicy            = "X-Idempo-Policy"
	HeaderPersistForSeconds = "X-Idempo-Persist-For-Seconds"
	PolicyNoStore           = "no-store"

	// InternalHeaderPrefix marks headers that are never persisted.
	InternalHeaderPrefix = "X-Idempo-"
)

// Where a response came from, used as the metrics label.
const (
	ServedFromStore          = "store"
	ServedFresh              = "freshly-generated"
	ServedMalformedKey       = "malformed-idempotency-key"
	ServedConcurrentConflict = "conflict-concurrent-request"
)

// Messages carried by the synthesized error responses.
const (
	MessageMalformedKey      = "The Idempotency-Key header provided was empty or malformed"
	MessageConcurrentRequest = "Another request with this idempotency key is still in progress, please try again later"
)

var (
	ErrConcurrentRequest          = errors.New("another request with this idempotency key is in progress")
	ErrMalformedIdempotencyKey    = errors.New("idempotency key was empty or malformed")
	ErrUnknownSerializationFormat = errors.New("unknown serialization of the stored response")
)

// Response is the persisted form of a downstream response.
type Response struct {
	Status  int
	Headers map[string]string
	Chunks  [][]byte
}

// BodySize returns the summed size of all body chunks.
func (r *Response) BodySize() int64 {
	var n int64
	for _, c := range r.Chunks {
		n += int64(len(c))
	}
	return n
}

// IsIdempotentMethod reports whether a request verb never mutates state and
// therefore bypasses the middleware.
func IsIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Unquote strips one layer of surrounding double quotes.
func Unquote(s string) string {
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		if len(s) < 2 {
			return ""
		}
		return s[1 : len(s)-1]
	}
	return s
}

// StatusMayBePersisted reports whether a response with this status is a stable
// outcome worth replaying. 425 and 429 signal transient conflicts.
func StatusMayBePersisted(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusTooEarly:
		return false
	case status >= 200 && status < 500:
		return true
	default:
		return false
	}
}
