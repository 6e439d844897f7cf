package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
	"github.com/avatarctic/idempo/internal/core/ports"
	"github.com/avatarctic/idempo/internal/infrastructure/codec"
	"github.com/avatarctic/idempo/internal/infrastructure/httpserver/fingerprint"
	"github.com/avatarctic/idempo/internal/infrastructure/memory"
)

// IdempotencyMiddleware runs a mutating request at most once per idempotency
// key and request fingerprint, and replays the stored response to retries.
type IdempotencyMiddleware struct {
	backend           ports.IdempotencyBackend
	fingerprint       fingerprint.Func
	persistFor        time.Duration
	malformedKey      ErrorResponder
	concurrentRequest ErrorResponder
	metrics           ports.IdempotencyMetrics
	logger            *logrus.Logger
}

// IdempotencyOption configures an IdempotencyMiddleware.
type IdempotencyOption func(*IdempotencyMiddleware)

// WithFingerprint replaces the request fingerprint function.
func WithFingerprint(fn fingerprint.Func) IdempotencyOption {
	return func(m *IdempotencyMiddleware) { m.fingerprint = fn }
}

// WithPersistFor sets the default retention of stored responses.
func WithPersistFor(d time.Duration) IdempotencyOption {
	return func(m *IdempotencyMiddleware) {
		if d > 0 {
			m.persistFor = d
		}
	}
}

// WithMalformedKeyResponder replaces the 400 response.
func WithMalformedKeyResponder(r ErrorResponder) IdempotencyOption {
	return func(m *IdempotencyMiddleware) { m.malformedKey = r }
}

// WithConcurrentRequestResponder replaces the 429 response.
func WithConcurrentRequestResponder(r ErrorResponder) IdempotencyOption {
	return func(m *IdempotencyMiddleware) { m.concurrentRequest = r }
}

// WithMetrics sets the sink for served/generated observations.
func WithMetrics(metrics ports.IdempotencyMetrics) IdempotencyOption {
	return func(m *IdempotencyMiddleware) { m.metrics = metrics }
}

// NewIdempotencyMiddleware creates the middleware. A nil backend keeps
// responses in process memory.
func NewIdempotencyMiddleware(backend ports.IdempotencyBackend, logger *logrus.Logger, opts ...IdempotencyOption) *IdempotencyMiddleware {
	if backend == nil {
		backend = memory.NewBackend()
	}
	m := &IdempotencyMiddleware{
		backend:           backend,
		fingerprint:       fingerprint.Default,
		persistFor:        idempotency.DefaultTTL,
		malformedKey:      MalformedKeyResponse,
		concurrentRequest: ConcurrentRequestResponse,
		metrics:           noopMetrics{},
		logger:            logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler returns the echo middleware. Errors from the next handler are
// returned unchanged.
func (m *IdempotencyMiddleware) Handler() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			original := c.Response()
			return m.serve(original, c.Request(), func(w http.ResponseWriter, r *http.Request) error {
				c.SetRequest(r)
				if w == http.ResponseWriter(original) {
					return next(c)
				}
				c.SetResponse(echo.NewResponse(w, c.Echo()))
				defer c.SetResponse(original)
				return next(c)
			})
		}
	}
}

// Wrap decorates a plain net/http handler. Storage failures are logged and
// answered with 500.
func (m *IdempotencyMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := m.serve(w, r, func(w http.ResponseWriter, r *http.Request) error {
			next.ServeHTTP(w, r)
			return nil
		})
		if err != nil {
			if m.logger != nil {
				m.logger.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Error("idempotency: request failed")
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	})
}

func (m *IdempotencyMiddleware) serve(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if idempotency.IsIdempotentMethod(r.Method) {
		return next(w, r)
	}
	rawKey, ok := idempotencyKeyFrom(r)
	if !ok {
		return next(w, r)
	}

	key := idempotency.Unquote(rawKey)
	if key == "" {
		m.metrics.ResponseServed(idempotency.ServedMalformedKey)
		m.malformedKey(w, r)
		return nil
	}

	requestKey := m.fingerprint(key, r)
	ctx := r.Context()

	err := m.backend.WithIdempotencyKey(ctx, requestKey, func(store ports.IdempotencyStore) error {
		payload, found, err := store.Lookup(ctx)
		if err != nil {
			return err
		}
		if found {
			resp, err := codec.Decode(payload)
			if err != nil {
				return err
			}
			m.metrics.ResponseServed(idempotency.ServedFromStore)
			if m.logger != nil {
				m.logger.WithField("status", resp.Status).Debug("idempotency: replaying stored response")
			}
			return writeResponse(w, resp)
		}
		return m.execute(ctx, store, w, r, next)
	})
	if errors.Is(err, idempotency.ErrConcurrentRequest) {
		m.metrics.ResponseServed(idempotency.ServedConcurrentConflict)
		m.concurrentRequest(w, r)
		return nil
	}
	return err
}

func (m *IdempotencyMiddleware) execute(ctx context.Context, store ports.IdempotencyStore, w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	rec := newResponseRecorder(w)
	if err := next(rec, r); err != nil {
		rec.commit()
		return err
	}
	m.metrics.ResponseServed(idempotency.ServedFresh)
	if rec.Streaming() {
		return nil
	}

	ttl := m.ttlFor(rec.header)
	resp := rec.response()
	if m.mayBePersisted(rec.header, resp) {
		payload, err := codec.Encode(resp)
		if err != nil {
			return err
		}
		if err := store.Store(ctx, payload, ttl); err != nil {
			return err
		}
		m.metrics.ResponseGenerated(len(payload))
		if m.logger != nil {
			m.logger.WithFields(logrus.Fields{"status": resp.Status, "ttl": ttl, "size": len(payload)}).Debug("idempotency: response stored")
		}
	}
	return writeResponse(w, resp)
}

func (m *IdempotencyMiddleware) ttlFor(h http.Header) time.Duration {
	raw := h.Get(idempotency.HeaderPersistForSeconds)
	if raw == "" {
		return m.persistFor
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		if m.logger != nil {
			m.logger.WithField("value", raw).Warn("idempotency: ignoring invalid persist-for override")
		}
		return m.persistFor
	}
	return time.Duration(seconds) * time.Second
}

func (m *IdempotencyMiddleware) mayBePersisted(h http.Header, resp *idempotency.Response) bool {
	if h.Get(idempotency.HeaderPolicy) == idempotency.PolicyNoStore {
		return false
	}
	if !idempotency.StatusMayBePersisted(resp.Status) {
		return false
	}
	// an unparsable Content-Length is ignored; the buffered size still applies
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > idempotency.SavedResponseBodySizeLimit {
			return false
		}
	}
	return resp.BodySize() <= idempotency.SavedResponseBodySizeLimit
}

// idempotencyKeyFrom reports the key header value and whether one was sent.
func idempotencyKeyFrom(r *http.Request) (string, bool) {
	for _, name := range []string{idempotency.HeaderIdempotencyKey, idempotency.HeaderXIdempotencyKey} {
		if values, ok := r.Header[name]; ok && len(values) > 0 {
			return values[0], true
		}
	}
	return "", false
}
