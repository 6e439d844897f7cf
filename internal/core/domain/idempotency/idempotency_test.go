package idempotency_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
)

func TestUnquote(t *testing.T) {
	cases := map[string]string{
		`"x"`:   "x",
		`x`:     "x",
		`""`:    "",
		`"`:     "",
		`"a"b"`: `a"b`,
		`"abc`:  `"abc`,
		`""x""`: `"x"`,
	}
	for in, want := range cases {
		require.Equal(t, want, idempotency.Unquote(in), "input %q", in)
	}
}

func TestStatusMayBePersisted(t *testing.T) {
	for _, s := range []int{200, 201, 204, 301, 302, 399, 400, 404, 409, 422, 499} {
		require.True(t, idempotency.StatusMayBePersisted(s), "status %d", s)
	}
	for _, s := range []int{100, 199, 425, 429, 500, 502, 503, 599} {
		require.False(t, idempotency.StatusMayBePersisted(s), "status %d", s)
	}
}

func TestIsIdempotentMethod(t *testing.T) {
	require.True(t, idempotency.IsIdempotentMethod(http.MethodGet))
	require.True(t, idempotency.IsIdempotentMethod(http.MethodHead))
	require.True(t, idempotency.IsIdempotentMethod(http.MethodOptions))
	require.False(t, idempotency.IsIdempotentMethod(http.MethodPost))
	require.False(t, idempotency.IsIdempotentMethod(http.MethodPut))
	require.False(t, idempotency.IsIdempotentMethod(http.MethodPatch))
	require.False(t, idempotency.IsIdempotentMethod(http.MethodDelete))
}

func TestResponseBodySize(t *testing.T) {
	r := &idempotency.Response{Chunks: [][]byte{[]byte("one"), nil, []byte("three")}}
	require.Equal(t, int64(8), r.BodySize())
}
