package swarm

import (
	"bytes"
	"context"
	"net/netip"
	"strconv"
	"testing"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func seededCache(t *testing.T, content []byte) (*Cache, Descriptor) {
	t.Helper()
	desc, err := DeriveDescriptor(testImage(t), bytes.NewReader(content), 64, false)
	require.NoError(t, err)
	cache, err := NewCache("/cache", WithCacheFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	_, err = cache.Fill(desc, bytes.NewReader(content))
	require.NoError(t, err)
	return cache, desc
}

func TestMemoryTransport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	content := testContent(t, 200)
	cache, desc := seededCache(t, content)

	transport := NewMemoryTransport()
	addr := netip.MustParseAddrPort("10.0.0.1:5000")
	transport.Add(addr, NewServer(cache))

	_, err := transport.Dial(ctx, netip.MustParseAddrPort("10.0.0.2:5000"))
	require.ErrorContains(t, err, "no peer listening")

	conn, err := transport.Dial(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	got, err := conn.Descriptor(ctx, desc.Image)
	require.NoError(t, err)
	require.True(t, desc.Equivalent(got))
	_, err = conn.Descriptor(ctx, "docker.io/library/unknown:latest")
	require.ErrorContains(t, err, "no artifact cached")

	bf, err := conn.Bitfield(ctx, desc.Image)
	require.NoError(t, err)
	require.True(t, bf.Complete())

	for i := range desc.NumPieces() {
		piece, err := conn.Piece(ctx, desc.Image, i)
		require.NoError(t, err)
		start := int64(i) * desc.PieceSize
		require.Equal(t, content[start:start+desc.PieceLength(i)], piece)
	}
}

func TestMemoryTransportServesPartialArtifacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	content := testContent(t, 200)
	desc, err := DeriveDescriptor(testImage(t), bytes.NewReader(content), 64, false)
	require.NoError(t, err)
	cache, err := NewCache("/cache", WithCacheFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	artifact, err := cache.Create(desc)
	require.NoError(t, err)
	require.NoError(t, artifact.WritePiece(0, content[:64]))

	transport := NewMemoryTransport()
	addr := netip.MustParseAddrPort("10.0.0.1:5000")
	transport.Add(addr, NewServer(cache))
	conn, err := transport.Dial(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	bf, err := conn.Bitfield(ctx, desc.Image)
	require.NoError(t, err)
	require.True(t, bf.Has(0))
	require.Equal(t, 1, bf.Count())

	piece, err := conn.Piece(ctx, desc.Image, 0)
	require.NoError(t, err)
	require.Equal(t, content[:64], piece)
	_, err = conn.Piece(ctx, desc.Image, 1)
	require.ErrorContains(t, err, "not available")

	// The fetched bitfield is a snapshot, later verified pieces only show
	// up on the next fetch.
	require.NoError(t, artifact.WritePiece(1, content[64:128]))
	require.Equal(t, 1, bf.Count())
	bf, err = conn.Bitfield(ctx, desc.Image)
	require.NoError(t, err)
	require.Equal(t, 2, bf.Count())
}

type staticPeers map[netip.AddrPort]peer.ID

func (s staticPeers) PeerID(addr netip.AddrPort) (peer.ID, bool) {
	id, ok := s[addr]
	return id, ok
}

func loopbackHost(t *testing.T) host.Host {
	t.Helper()
	maddr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	h, err := libp2p.New(libp2p.ListenAddrs(maddr))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Close()
	})
	return h
}

func hostAddrPort(t *testing.T, h host.Host) netip.AddrPort {
	t.Helper()
	for _, maddr := range h.Addrs() {
		ipStr, err := maddr.ValueForProtocol(ma.P_IP4)
		if err != nil {
			continue
		}
		portStr, err := maddr.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		ip, err := netip.ParseAddr(ipStr)
		require.NoError(t, err)
		port, err := strconv.ParseUint(portStr, 10, 16)
		require.NoError(t, err)
		return netip.AddrPortFrom(ip, uint16(port))
	}
	t.Fatal("host has no ip4 tcp listen address")
	return netip.AddrPort{}
}

func TestLibp2pTransport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	content := testContent(t, 200)
	cache, desc := seededCache(t, content)

	server := loopbackHost(t)
	client := loopbackHost(t)
	addr := hostAddrPort(t, server)

	NewLibp2pTransport(server, staticPeers{}).Register(NewServer(cache))
	transport := NewLibp2pTransport(client, staticPeers{addr: server.ID()})

	_, err := transport.Dial(ctx, netip.MustParseAddrPort("10.0.0.9:5000"))
	require.ErrorContains(t, err, "no peer id known")

	conn, err := transport.Dial(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	got, err := conn.Descriptor(ctx, desc.Image)
	require.NoError(t, err)
	require.True(t, desc.Equivalent(got))

	bf, err := conn.Bitfield(ctx, desc.Image)
	require.NoError(t, err)
	require.True(t, bf.Complete())
	require.Equal(t, desc.NumPieces(), bf.Pieces())

	for i := range desc.NumPieces() {
		piece, err := conn.Piece(ctx, desc.Image, i)
		require.NoError(t, err)
		start := int64(i) * desc.PieceSize
		require.Equal(t, content[start:start+desc.PieceLength(i)], piece)
	}

	// Errors on the server side come back as response errors, not broken
	// streams.
	_, err = conn.Descriptor(ctx, "docker.io/library/unknown:latest")
	require.ErrorContains(t, err, "no artifact cached")
	_, err = conn.Piece(ctx, desc.Image, desc.NumPieces())
	require.ErrorContains(t, err, "not available")
}
