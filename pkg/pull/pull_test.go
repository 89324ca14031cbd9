package pull

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"cascade/pkg/oci"
	"cascade/pkg/store"
)

func newTestRegistry(t *testing.T, middleware func(http.Handler) http.Handler) string {
	t.Helper()
	var handler http.Handler = registry.New(registry.Logger(log.New(io.Discard, "", 0)))
	if middleware != nil {
		handler = middleware(handler)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func pushTestImage(t *testing.T, host, repo, tag string, opts ...remote.Option) {
	t.Helper()
	img, err := random.Image(1024, 2)
	require.NoError(t, err)
	ref, err := name.ParseReference(fmt.Sprintf("%s/%s:%s", host, repo, tag))
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img, opts...))
}

func newTestClient(t *testing.T, imgStore store.Store, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithScratchFs(afero.NewMemMapFs()),
		WithScratchDir("/scratch"),
		WithBaseDelay(time.Millisecond),
		WithMaxJitter(time.Millisecond),
	}
	client, err := NewClient(imgStore, append(base, opts...)...)
	require.NoError(t, err)
	return client
}

func TestClientValidation(t *testing.T) {
	t.Parallel()
	_, err := NewClient(nil)
	require.ErrorContains(t, err, "image store")
	_, err = NewClient(store.NewMemory(), WithAttempts(0))
	require.ErrorContains(t, err, "at least one attempt")
}

func TestClientPull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	host := newTestRegistry(t, nil)
	pushTestImage(t, host, "library/ubuntu", "24.04")

	img, err := oci.Parse(host + "/library/ubuntu:24.04")
	require.NoError(t, err)
	memStore := store.NewMemory()
	client := newTestClient(t, memStore)

	res, err := client.Pull(ctx, img)
	require.NoError(t, err)
	require.Equal(t, uint(1), res.Attempts)
	present, err := memStore.Present(ctx, img)
	require.NoError(t, err)
	require.True(t, present)
}

func TestClientPullRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var failing atomic.Bool
	var requests atomic.Int64
	middleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if failing.Load() && requests.Add(1) <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	host := newTestRegistry(t, middleware)
	pushTestImage(t, host, "library/ubuntu", "24.04")
	failing.Store(true)

	img, err := oci.Parse(host + "/library/ubuntu:24.04")
	require.NoError(t, err)
	memStore := store.NewMemory()
	client := newTestClient(t, memStore)

	res, err := client.Pull(ctx, img)
	require.NoError(t, err)
	require.Equal(t, uint(3), res.Attempts)
	present, err := memStore.Present(ctx, img)
	require.NoError(t, err)
	require.True(t, present)
}

func TestClientPullMissingImageFailsImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	host := newTestRegistry(t, nil)

	img, err := oci.Parse(host + "/library/missing:1.0")
	require.NoError(t, err)
	client := newTestClient(t, store.NewMemory())

	res, err := client.Pull(ctx, img)
	require.Error(t, err)
	require.Equal(t, uint(1), res.Attempts)
}

func TestClientPullExhaustsAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	middleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
	}
	host := newTestRegistry(t, middleware)

	img, err := oci.Parse(host + "/library/ubuntu:24.04")
	require.NoError(t, err)
	client := newTestClient(t, store.NewMemory(), WithAttempts(3))

	res, err := client.Pull(ctx, img)
	require.Error(t, err)
	require.Equal(t, uint(3), res.Attempts)
}

func TestClientPullPrivateRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	username, password := "cascade", "hunter2"
	authorization := "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	middleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v2/" && r.Header.Get("Authorization") != authorization {
				w.Header().Set("WWW-Authenticate", `Basic realm="cascade"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	host := newTestRegistry(t, middleware)
	pushTestImage(t, host, "library/ubuntu", "24.04", remote.WithAuth(&authn.Basic{Username: username, Password: password}))

	// The canonical reference stays while content resolves through the
	// private registry.
	img, err := oci.Parse("docker.io/library/ubuntu:24.04")
	require.NoError(t, err)
	memStore := store.NewMemory()
	client := newTestClient(t, memStore, WithPrivateRegistry(host), WithBasicAuth(username, password))

	res, err := client.Pull(ctx, img)
	require.NoError(t, err)
	require.Equal(t, uint(1), res.Attempts)
	present, err := memStore.Present(ctx, img)
	require.NoError(t, err)
	require.True(t, present)

	// Rejected credentials are fatal on the first attempt.
	anonymous := newTestClient(t, store.NewMemory(), WithPrivateRegistry(host))
	res, err = anonymous.Pull(ctx, img)
	require.Error(t, err)
	require.Equal(t, uint(1), res.Attempts)
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		desc     string
		err      error
		expected bool
	}{
		{
			desc:     "rate limited",
			err:      &transport.Error{StatusCode: http.StatusTooManyRequests},
			expected: true,
		},
		{
			desc:     "server error",
			err:      &transport.Error{StatusCode: http.StatusBadGateway},
			expected: true,
		},
		{
			desc:     "wrapped server error",
			err:      fmt.Errorf("fetching image descriptor: %w", &transport.Error{StatusCode: http.StatusInternalServerError}),
			expected: true,
		},
		{
			desc:     "not found",
			err:      &transport.Error{StatusCode: http.StatusNotFound},
			expected: false,
		},
		{
			desc:     "unauthorized",
			err:      &transport.Error{StatusCode: http.StatusUnauthorized},
			expected: false,
		},
		{
			desc:     "connection reset",
			err:      fmt.Errorf("read tcp: %w", syscall.ECONNRESET),
			expected: true,
		},
		{
			desc:     "unexpected eof",
			err:      io.ErrUnexpectedEOF,
			expected: true,
		},
		{
			desc:     "timeout",
			err:      &net.DNSError{IsTimeout: true},
			expected: true,
		},
		{
			desc:     "canceled context",
			err:      context.Canceled,
			expected: false,
		},
		{
			desc:     "plain failure",
			err:      errors.New("boom"),
			expected: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.expected, Retryable(tt.err))
		})
	}
}
