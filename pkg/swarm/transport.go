package swarm

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"cascade/pkg/metrics"
)

// Dialer opens connections to swarm peers resolved through the router.
type Dialer interface {
	Dial(ctx context.Context, addr netip.AddrPort) (PeerConn, error)
}

// PeerConn is a connection to a single peer serving artifact content.
type PeerConn interface {
	// Descriptor fetches the artifact descriptor the peer holds for the
	// image key.
	Descriptor(ctx context.Context, key string) (Descriptor, error)
	// Bitfield fetches the pieces the peer can currently serve.
	Bitfield(ctx context.Context, key string) (*Bitfield, error)
	// Piece fetches the content of a single piece.
	Piece(ctx context.Context, key string, index int) ([]byte, error)
	Close() error
}

// Server answers peer requests from the artifact cache. Partial artifacts
// are served as well, a transferring node seeds every piece it has already
// verified.
type Server struct {
	cache *Cache
}

func NewServer(cache *Cache) *Server {
	return &Server{cache: cache}
}

func (s *Server) descriptor(key string) (Descriptor, error) {
	artifact, ok := s.cache.Get(key)
	if !ok {
		return Descriptor{}, fmt.Errorf("no artifact cached for key %s", key)
	}
	return artifact.Descriptor(), nil
}

func (s *Server) bitfield(key string) (*Bitfield, error) {
	artifact, ok := s.cache.Get(key)
	if !ok {
		return nil, fmt.Errorf("no artifact cached for key %s", key)
	}
	return artifact.Bitfield(), nil
}

func (s *Server) piece(key string, index int) ([]byte, error) {
	artifact, ok := s.cache.Get(key)
	if !ok {
		return nil, fmt.Errorf("no artifact cached for key %s", key)
	}
	b, err := artifact.ReadPiece(index)
	if err != nil {
		return nil, err
	}
	metrics.PiecesServedTotal.Inc()
	metrics.SwarmBytesTotal.WithLabelValues("out").Add(float64(len(b)))
	return b, nil
}

// MemoryTransport connects sessions directly to servers in process,
// letting swarm behavior run in tests without network transports.
type MemoryTransport struct {
	mx      sync.RWMutex
	servers map[netip.AddrPort]*Server
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		servers: map[netip.AddrPort]*Server{},
	}
}

func (t *MemoryTransport) Add(addr netip.AddrPort, server *Server) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.servers[addr] = server
}

func (t *MemoryTransport) Dial(ctx context.Context, addr netip.AddrPort) (PeerConn, error) {
	t.mx.RLock()
	defer t.mx.RUnlock()
	server, ok := t.servers[addr]
	if !ok {
		return nil, fmt.Errorf("no peer listening on %s", addr)
	}
	return &memoryConn{server: server}, nil
}

type memoryConn struct {
	server *Server
}

func (c *memoryConn) Descriptor(ctx context.Context, key string) (Descriptor, error) {
	return c.server.descriptor(key)
}

func (c *memoryConn) Bitfield(ctx context.Context, key string) (*Bitfield, error) {
	bf, err := c.server.bitfield(key)
	if err != nil {
		return nil, err
	}
	// Copy through the wire format so tests observe the same snapshot
	// semantics as networked peers.
	return NewBitfieldFromBytes(bf.Bytes(), bf.Pieces())
}

func (c *memoryConn) Piece(ctx context.Context, key string, index int) ([]byte, error) {
	return c.server.piece(key, index)
}

func (c *memoryConn) Close() error {
	return nil
}
