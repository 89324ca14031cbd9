package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// ProtocolID identifies the piece exchange protocol spoken between swarm
// peers over libp2p streams.
const ProtocolID = protocol.ID("/cascade/swarm/1.0.0")

const (
	requestDescriptor = "descriptor"
	requestBitfield   = "bitfield"
	requestPiece      = "piece"
)

// Each stream carries exactly one exchange: a JSON request, a JSON
// response header and the raw payload bytes announced by the header.
type request struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Index int    `json:"index,omitempty"`
}

type response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Pieces int    `json:"pieces,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// PeerResolver maps addresses handed out by the router back to libp2p
// peer identities.
type PeerResolver interface {
	PeerID(addr netip.AddrPort) (peer.ID, bool)
}

var _ PeerResolver = ResolverChain{}

// ResolverChain consults each resolver in order and returns the first
// known peer identity. Peers can be discovered through the DHT or
// through published peer records, each side knows only its own
// addresses.
type ResolverChain []PeerResolver

func (c ResolverChain) PeerID(addr netip.AddrPort) (peer.ID, bool) {
	for _, resolver := range c {
		id, ok := resolver.PeerID(addr)
		if ok {
			return id, true
		}
	}
	return "", false
}

// Libp2pTransport exchanges pieces over the same libp2p host the router
// uses for discovery, so swarm transfers reuse its identity and
// connections.
type Libp2pTransport struct {
	host  host.Host
	peers PeerResolver
}

func NewLibp2pTransport(host host.Host, peers PeerResolver) *Libp2pTransport {
	return &Libp2pTransport{
		host:  host,
		peers: peers,
	}
}

// Register starts answering piece requests from the cache behind the
// server.
func (t *Libp2pTransport) Register(server *Server) {
	t.host.SetStreamHandler(ProtocolID, func(s network.Stream) {
		defer s.Close()
		req := request{}
		err := json.NewDecoder(s).Decode(&req)
		if err != nil {
			return
		}
		resp := response{}
		var payload []byte
		switch req.Type {
		case requestDescriptor:
			desc, descErr := server.descriptor(req.Key)
			if descErr == nil {
				payload, descErr = desc.Marshal()
			}
			err = descErr
		case requestBitfield:
			bf, bfErr := server.bitfield(req.Key)
			if bfErr == nil {
				payload = bf.Bytes()
				resp.Pieces = bf.Pieces()
			}
			err = bfErr
		case requestPiece:
			payload, err = server.piece(req.Key, req.Index)
		default:
			err = fmt.Errorf("unknown request type %s", req.Type)
		}
		if err != nil {
			resp.Error = err.Error()
			_ = json.NewEncoder(s).Encode(resp)
			return
		}
		resp.OK = true
		resp.Size = int64(len(payload))
		err = json.NewEncoder(s).Encode(resp)
		if err != nil {
			return
		}
		_, _ = s.Write(payload)
	})
}

func (t *Libp2pTransport) Dial(ctx context.Context, addr netip.AddrPort) (PeerConn, error) {
	id, ok := t.peers.PeerID(addr)
	if !ok {
		return nil, fmt.Errorf("no peer id known for address %s", addr)
	}
	maddr, err := multiaddrFromAddrPort(addr)
	if err != nil {
		return nil, err
	}
	t.host.Peerstore().AddAddr(id, maddr, peerstore.TempAddrTTL)
	return &libp2pConn{
		host: t.host,
		id:   id,
	}, nil
}

type libp2pConn struct {
	host host.Host
	id   peer.ID
}

func (c *libp2pConn) Descriptor(ctx context.Context, key string) (Descriptor, error) {
	_, payload, err := c.roundTrip(ctx, request{Type: requestDescriptor, Key: key})
	if err != nil {
		return Descriptor{}, err
	}
	return ParseDescriptor(payload)
}

func (c *libp2pConn) Bitfield(ctx context.Context, key string) (*Bitfield, error) {
	resp, payload, err := c.roundTrip(ctx, request{Type: requestBitfield, Key: key})
	if err != nil {
		return nil, err
	}
	return NewBitfieldFromBytes(payload, resp.Pieces)
}

func (c *libp2pConn) Piece(ctx context.Context, key string, index int) ([]byte, error) {
	_, payload, err := c.roundTrip(ctx, request{Type: requestPiece, Key: key, Index: index})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *libp2pConn) Close() error {
	return nil
}

func (c *libp2pConn) roundTrip(ctx context.Context, req request) (response, []byte, error) {
	s, err := c.host.NewStream(ctx, c.id, ProtocolID)
	if err != nil {
		return response{}, nil, fmt.Errorf("could not open stream to peer %s: %w", c.id, err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}
	err = json.NewEncoder(s).Encode(req)
	if err != nil {
		return response{}, nil, err
	}
	err = s.CloseWrite()
	if err != nil {
		return response{}, nil, err
	}
	dec := json.NewDecoder(s)
	resp := response{}
	err = dec.Decode(&resp)
	if err != nil {
		return response{}, nil, err
	}
	if !resp.OK {
		return response{}, nil, fmt.Errorf("peer %s: %s", c.id, resp.Error)
	}
	if resp.Size < 0 {
		return response{}, nil, errors.New("negative payload size in response")
	}
	payload := make([]byte, resp.Size)
	// The JSON decoder reads ahead of the header, drain its buffer before
	// continuing on the stream.
	_, err = io.ReadFull(io.MultiReader(dec.Buffered(), s), payload)
	if err != nil {
		return response{}, nil, err
	}
	return resp, payload, nil
}

func multiaddrFromAddrPort(addr netip.AddrPort) (ma.Multiaddr, error) {
	proto := "ip4"
	if addr.Addr().Is6() {
		proto = "ip6"
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, addr.Addr().String(), addr.Port()))
}
