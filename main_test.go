package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"cascade/pkg/prep"
)

// distribute registers the global metrics collectors, so only this test
// may reach it.
func TestRunCommandPreparesNodeOnce(t *testing.T) {
	requests := &atomic.Int64{}
	reg := registry.New(registry.Logger(log.New(io.Discard, "", 0)))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		reg.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	imgRef := fmt.Sprintf("%s/fleet/appbase:1.0", u.Host)
	ref, err := name.ParseReference(imgRef)
	require.NoError(t, err)
	img, err := random.Image(1024, 2)
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img))

	args := &RunCmd{
		StoreConfig:               StoreConfig{StoreKind: "memory"},
		Images:                    []string{imgRef},
		DataDir:                   t.TempDir(),
		PrepDir:                   t.TempDir(),
		MetricsAddr:               "127.0.0.1:0",
		NonP2PConcurrentDownloads: 1,
		SeedBias:                  1,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = runCommand(ctx, args)
	require.NoError(t, err)
	prepState, err := prep.Inspect(afero.NewOsFs(), args.PrepDir)
	require.NoError(t, err)
	require.Equal(t, prep.StateReady, prepState)
	require.Positive(t, requests.Load())

	// A node that is already prepared short circuits without touching
	// the registry again.
	pulled := requests.Load()
	err = runCommand(ctx, args)
	require.NoError(t, err)
	require.Equal(t, pulled, requests.Load())
}
