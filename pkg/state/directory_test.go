package state

import (
	"crypto/rand"
	"net/netip"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"cascade/pkg/routing"
)

func testPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestPeerDirectory(t *testing.T) {
	t.Parallel()

	d := NewPeerDirectory()
	id := testPeerID(t)
	addr := netip.MustParseAddrPort("10.0.0.5:4001")
	other := netip.MustParseAddrPort("10.0.0.6:4001")
	d.Update([]routing.PeerRecord{
		{NodeID: id.String(), Addr: addr},
		// Nodes outside the swarm transport publish plain host names.
		{NodeID: "bootstrap-vm", Addr: other},
	})

	got, ok := d.PeerID(addr)
	require.True(t, ok)
	require.Equal(t, id, got)
	_, ok = d.PeerID(other)
	require.False(t, ok)
	require.Equal(t, 1, d.Len())
}

func TestPeerDirectoryUpdateReplaces(t *testing.T) {
	t.Parallel()

	d := NewPeerDirectory()
	first := testPeerID(t)
	second := testPeerID(t)
	firstAddr := netip.MustParseAddrPort("10.0.0.5:4001")
	secondAddr := netip.MustParseAddrPort("10.0.0.6:4001")

	d.Update([]routing.PeerRecord{{NodeID: first.String(), Addr: firstAddr}})
	d.Update([]routing.PeerRecord{{NodeID: second.String(), Addr: secondAddr}})

	_, ok := d.PeerID(firstAddr)
	require.False(t, ok)
	got, ok := d.PeerID(secondAddr)
	require.True(t, ok)
	require.Equal(t, second, got)
}
