package routing

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticReadyRouter struct {
	*MemoryRouter
	ready bool
}

func (r *staticReadyRouter) Ready(ctx context.Context) (bool, error) {
	return r.ready, nil
}

func TestCompositeValidation(t *testing.T) {
	t.Parallel()

	router := NewMemoryRouter(map[string][]netip.AddrPort{}, netip.AddrPort{})
	_, err := NewComposite(nil, router)
	require.EqualError(t, err, "composite channel needs a rendezvous store")
	_, err = NewComposite(router)
	require.EqualError(t, err, "composite channel needs at least one router")
}

func TestCompositeReady(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rendezvous := NewMemoryRouter(map[string][]netip.AddrPort{}, netip.AddrPort{})
	readyRouter := &staticReadyRouter{MemoryRouter: rendezvous, ready: true}
	notReadyRouter := &staticReadyRouter{MemoryRouter: rendezvous, ready: false}

	composite, err := NewComposite(rendezvous, readyRouter, notReadyRouter)
	require.NoError(t, err)
	ready, err := composite.Ready(ctx)
	require.NoError(t, err)
	require.False(t, ready)

	composite, err = NewComposite(rendezvous, readyRouter)
	require.NoError(t, err)
	ready, err = composite.Ready(ctx)
	require.NoError(t, err)
	require.True(t, ready)
}

func TestCompositeResolveMergesRouters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	shared := netip.MustParseAddrPort("10.0.0.2:5000")
	first := NewMemoryRouter(map[string][]netip.AddrPort{
		"foo": {netip.MustParseAddrPort("10.0.0.1:5000"), shared},
	}, netip.AddrPort{})
	second := NewMemoryRouter(map[string][]netip.AddrPort{
		"foo": {shared, netip.MustParseAddrPort("10.0.0.3:5000")},
	}, netip.AddrPort{})

	composite, err := NewComposite(first, first, second)
	require.NoError(t, err)
	peerCh, err := composite.Resolve(ctx, "foo", 0)
	require.NoError(t, err)
	resolved := []netip.AddrPort{}
	for peer := range peerCh {
		resolved = append(resolved, peer)
	}
	// Peers resolved by more than one router come back once.
	require.ElementsMatch(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:5000"),
		shared,
		netip.MustParseAddrPort("10.0.0.3:5000"),
	}, resolved)
}

func TestCompositeAdvertise(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	first := NewMemoryRouter(map[string][]netip.AddrPort{}, netip.MustParseAddrPort("10.0.0.1:5000"))
	second := NewMemoryRouter(map[string][]netip.AddrPort{}, netip.MustParseAddrPort("10.0.0.1:5000"))

	composite, err := NewComposite(first, first, second)
	require.NoError(t, err)
	err = composite.Advertise(ctx, []string{"foo"})
	require.NoError(t, err)
	require.Len(t, first.LookupKeys("foo"), 1)
	require.Len(t, second.LookupKeys("foo"), 1)
}

func TestCompositeRendezvousDelegation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rendezvous := NewMemoryRouter(map[string][]netip.AddrPort{}, netip.MustParseAddrPort("10.0.0.1:5000"))
	router := NewMemoryRouter(map[string][]netip.AddrPort{}, netip.AddrPort{})

	composite, err := NewComposite(rendezvous, router)
	require.NoError(t, err)

	err = composite.PublishDescriptor(ctx, "foo", []byte("descriptor"))
	require.NoError(t, err)
	data, err := rendezvous.FetchDescriptor(ctx, "foo")
	require.NoError(t, err)
	require.Equal(t, []byte("descriptor"), data)

	won, err := composite.ClaimSeedSlot(ctx, "foo", 1)
	require.NoError(t, err)
	require.True(t, won)

	record := PeerRecord{
		NodeID:   "node-1",
		Addr:     netip.MustParseAddrPort("10.0.0.1:5000"),
		LastSeen: time.Now(),
	}
	err = composite.PublishRecord(ctx, record)
	require.NoError(t, err)
	records, err := composite.DiscoverRecords(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []PeerRecord{record}, records)
}
