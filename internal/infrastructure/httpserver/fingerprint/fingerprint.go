// Package fingerprint derives the storage key of an idempotent request from the
// client supplied key and the parts of the request that make it unique.
package fingerprint

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"context"
	"hash"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
)

const readChunkSize = 64 << 10

// Func turns an idempotency key and its request into a storage key.
type Func func(key string, r *http.Request) string

// IdentityFunc extracts the caller identity that scopes a key.
type IdentityFunc func(r *http.Request) []byte

// Default fingerprints with the Authorization header as the caller identity.
func Default(key string, r *http.Request) string {
	return Compute(key, r, AuthorizationHeader)
}

// WithIdentity returns a Func that scopes keys by a custom identity.
func WithIdentity(identity IdentityFunc) Func {
	return func(key string, r *http.Request) string {
		return Compute(key, r, identity)
	}
}

// Compute hashes the key, full URL, method, identity and body with SHA-256
// and returns the base64 digest. The body is left readable for the next
// handler. Bodies of unknown length that cannot be rewound are not hashed.
// Known-length bodies over the in-memory limit are spooled to a temporary
// file, removed when the body is closed or the request context ends.
func Compute(key string, r *http.Request, identity IdentityFunc) string {
	h := sha256.New()
	io.WriteString(h, key)
	io.WriteString(h, "\n")
	io.WriteString(h, fullURL(r))
	io.WriteString(h, "\n")
	io.WriteString(h, r.Method)
	io.WriteString(h, "\n")
	if identity != nil {
		h.Write(identity(r))
	}
	io.WriteString(h, "\n")
	hashBody(h, r)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// AuthorizationHeader returns the raw Authorization header.
func AuthorizationHeader(r *http.Request) []byte {
	return []byte(strings.Join(r.Header.Values("Authorization"), "\n"))
}

// JWTIssuer returns the unverified iss claim of a Bearer token. Requests without
// a readable issuer get a random identity, so they never match a stored response.
func JWTIssuer(r *http.Request) []byte {
	auth := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(auth, "Bearer ")
	if ok {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(tokenString), claims); err == nil {
			if iss, err := claims.GetIssuer(); err == nil && iss != "" {
				return []byte(iss)
			}
		}
	}
	random := make([]byte, 32)
	_, _ = rand.Read(random)
	return random
}

func fullURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	uri := r.RequestURI
	if r.URL != nil {
		uri = r.URL.RequestURI()
	}
	return scheme + "://" + host + uri
}

// bufferedBody is a replayable request body. Close closes the original body.
type bufferedBody struct {
	*bytes.Reader
	closer io.Closer
}

func (b *bufferedBody) Close() error { return b.closer.Close() }

type partialBody struct {
	io.Reader
	io.Closer
}

func hashBody(h hash.Hash, r *http.Request) {
	if r.Body == nil || r.Body == http.NoBody {
		return
	}
	buf := make([]byte, readChunkSize)

	if r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return
		}
		defer body.Close()
		_, _ = io.CopyBuffer(h, body, buf)
		return
	}

	if seeker, ok := r.Body.(io.ReadSeeker); ok {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return
		}
		_, _ = io.CopyBuffer(h, seeker, buf)
		_, _ = seeker.Seek(pos, io.SeekStart)
		return
	}

	if r.ContentLength < 0 {
		return
	}
	if r.ContentLength > idempotency.SavedResponseBodySizeLimit {
		spoolBody(h, r, buf)
		return
	}

	var data bytes.Buffer
	data.Grow(int(r.ContentLength))
	_, err := io.CopyBuffer(io.MultiWriter(&data, h), r.Body, buf)
	if err != nil {
		// hand the next handler what was read plus whatever is left
		r.Body = &partialBody{Reader: io.MultiReader(bytes.NewReader(data.Bytes()), r.Body), Closer: r.Body}
		return
	}
	payload := data.Bytes()
	r.Body = &bufferedBody{Reader: bytes.NewReader(payload), closer: r.Body}
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
}

// spooledBody is a replayable request body backed by a temporary file.
type spooledBody struct {
	*io.SectionReader
	cleanup func() error
}

func (b *spooledBody) Close() error { return b.cleanup() }

func spoolBody(h hash.Hash, r *http.Request, buf []byte) {
	f, err := os.CreateTemp("", "idempo-body-*")
	if err != nil {
		return
	}
	original := r.Body
	var once sync.Once
	var closeErr error
	cleanup := func() error {
		once.Do(func() {
			closeErr = original.Close()
			_ = f.Close()
			_ = os.Remove(f.Name())
		})
		return closeErr
	}
	context.AfterFunc(r.Context(), func() { _ = cleanup() })

	n, err := io.CopyBuffer(io.MultiWriter(f, h), original, buf)
	if err != nil {
		r.Body = &partialBody{
			Reader: io.MultiReader(io.NewSectionReader(f, 0, n), original),
			Closer: closerFunc(cleanup),
		}
		return
	}
	r.Body = &spooledBody{SectionReader: io.NewSectionReader(f, 0, n), cleanup: cleanup}
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(io.NewSectionReader(f, 0, n)), nil
	}
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }
