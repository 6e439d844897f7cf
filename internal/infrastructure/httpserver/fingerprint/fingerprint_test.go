package fingerprint_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/avatarctic/idempo/internal/infrastructure/httpserver/fingerprint"
)

func newRequest(method, target, auth, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if auth != "" {
		r.Header.Set("Authorization", auth)
	}
	return r
}

func TestDefault_IsStable(t *testing.T) {
	a := fingerprint.Default("key", newRequest(http.MethodPost, "http://example.com/pay?x=1", "Bearer t", `{"a":1}`))
	b := fingerprint.Default("key", newRequest(http.MethodPost, "http://example.com/pay?x=1", "Bearer t", `{"a":1}`))
	require.Equal(t, a, b)
	require.Len(t, a, 44)
}

func TestDefault_DistinguishesEveryComponent(t *testing.T) {
	keys := []string{"k1", "k2"}
	urls := []string{"http://example.com/a", "http://example.com/b", "http://example.com/a?q=1", "http://other.com/a"}
	methods := []string{http.MethodPost, http.MethodPut}
	auths := []string{"", "Bearer a", "Bearer b"}
	bodies := []string{"", "one", "two"}

	seen := map[string]string{}
	for _, k := range keys {
		for _, u := range urls {
			for _, m := range methods {
				for _, a := range auths {
					for _, b := range bodies {
						desc := strings.Join([]string{k, u, m, a, b}, "|")
						fp := fingerprint.Default(k, newRequest(m, u, a, b))
						prev, dup := seen[fp]
						require.False(t, dup, "%q collides with %q", desc, prev)
						seen[fp] = desc
					}
				}
			}
		}
	}
}

func TestDefault_SchemeFollowsTLS(t *testing.T) {
	plain := newRequest(http.MethodPost, "http://example.com/a", "", "")
	secure := newRequest(http.MethodPost, "http://example.com/a", "", "")
	secure.TLS = &tls.ConnectionState{}
	require.NotEqual(t, fingerprint.Default("k", plain), fingerprint.Default("k", secure))
}

func TestDefault_LeavesBodyReadable(t *testing.T) {
	r := newRequest(http.MethodPost, "http://example.com/a", "", "payload")
	_ = fingerprint.Default("k", r)

	got, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))

	again, err := r.GetBody()
	require.NoError(t, err)
	got, err = io.ReadAll(again)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestDefault_SeekableBodyIsRewound(t *testing.T) {
	r := newRequest(http.MethodPost, "http://example.com/a", "", "")
	body := bytes.NewReader([]byte("seekable"))
	r.Body = struct {
		io.ReadSeeker
		io.Closer
	}{body, io.NopCloser(nil)}
	r.ContentLength = -1

	withBody := fingerprint.Default("k", r)
	got, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	require.Equal(t, "seekable", string(got))

	require.NotEqual(t, fingerprint.Default("k", newRequest(http.MethodPost, "http://example.com/a", "", "")), withBody)
}

type streamingReader struct{ r io.Reader }

func (s *streamingReader) Read(p []byte) (int, error) { return s.r.Read(p) }

func TestDefault_UnknownLengthBodyIsExcluded(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://example.com/a", &streamingReader{strings.NewReader("streamed")})
	require.EqualValues(t, -1, r.ContentLength)

	empty := newRequest(http.MethodPost, "http://example.com/a", "", "")
	require.Equal(t, fingerprint.Default("k", empty), fingerprint.Default("k", r))

	got, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	require.Equal(t, "streamed", string(got))
}

func TestDefault_LargeBodyIsSpooledAndHashed(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	size := 5 * 1024 * 1024
	a := newRequest(http.MethodPost, "http://example.com/a", "", strings.Repeat("a", size))
	b := newRequest(http.MethodPost, "http://example.com/a", "", strings.Repeat("b", size))
	empty := newRequest(http.MethodPost, "http://example.com/a", "", "")

	fpA := fingerprint.Default("k", a)
	require.NotEqual(t, fpA, fingerprint.Default("k", b))
	require.NotEqual(t, fpA, fingerprint.Default("k", empty))

	got, err := io.ReadAll(a.Body)
	require.NoError(t, err)
	require.Len(t, got, size)
	require.Equal(t, byte('a'), got[size-1])

	require.NotNil(t, a.GetBody)
	again, err := a.GetBody()
	require.NoError(t, err)
	replay, err := io.ReadAll(again)
	require.NoError(t, err)
	require.Equal(t, got, replay)

	require.NoError(t, a.Body.Close())
	require.NoError(t, b.Body.Close())
	left, err := os.ReadDir(tmp)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestDefault_SpooledBodyRemovedWhenRequestEnds(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	ctx, cancel := context.WithCancel(context.Background())
	r := newRequest(http.MethodPost, "http://example.com/a", "", strings.Repeat("x", 4*1024*1024+1)).WithContext(ctx)
	fingerprint.Default("k", r)

	left, err := os.ReadDir(tmp)
	require.NoError(t, err)
	require.Len(t, left, 1)

	cancel()
	require.Eventually(t, func() bool {
		left, err := os.ReadDir(tmp)
		return err == nil && len(left) == 0
	}, time.Second, 10*time.Millisecond)
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func TestJWTIssuer(t *testing.T) {
	issuerFP := fingerprint.WithIdentity(fingerprint.JWTIssuer)

	tokA := signedToken(t, jwt.MapClaims{"iss": "tenant-a", "sub": "1"})
	tokA2 := signedToken(t, jwt.MapClaims{"iss": "tenant-a", "sub": "2"})
	tokB := signedToken(t, jwt.MapClaims{"iss": "tenant-b"})

	fp := func(auth string) string {
		return issuerFP("k", newRequest(http.MethodPost, "http://example.com/a", auth, "body"))
	}

	require.Equal(t, fp("Bearer "+tokA), fp("Bearer "+tokA2))
	require.NotEqual(t, fp("Bearer "+tokA), fp("Bearer "+tokB))
	require.Equal(t, []byte("tenant-a"), fingerprint.JWTIssuer(newRequest(http.MethodPost, "/", "Bearer "+tokA, "")))
}

func TestJWTIssuer_UnreadableTokenIsUnique(t *testing.T) {
	noIss := signedToken(t, jwt.MapClaims{"sub": "1"})
	for _, auth := range []string{"", "Basic abc", "Bearer not-a-jwt", "Bearer " + noIss} {
		r1 := newRequest(http.MethodPost, "/", auth, "")
		r2 := newRequest(http.MethodPost, "/", auth, "")
		require.NotEqual(t, fingerprint.JWTIssuer(r1), fingerprint.JWTIssuer(r2), auth)
	}
}
