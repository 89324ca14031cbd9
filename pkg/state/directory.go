package state

import (
	"net/netip"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"cascade/pkg/routing"
	"cascade/pkg/swarm"
)

var _ swarm.PeerResolver = &PeerDirectory{}

// PeerDirectory maps the addresses found in peer records back to libp2p
// identities. The rendezvous channel hands out plain address and port
// pairs, the swarm transport needs the owning peer id to open a stream.
type PeerDirectory struct {
	mx    sync.RWMutex
	peers map[netip.AddrPort]peer.ID
}

func NewPeerDirectory() *PeerDirectory {
	return &PeerDirectory{
		peers: map[netip.AddrPort]peer.ID{},
	}
}

// Update replaces the directory content with the given records. Records
// whose node id is not a libp2p identity belong to nodes outside the
// swarm transport and are skipped.
func (d *PeerDirectory) Update(records []routing.PeerRecord) {
	peers := make(map[netip.AddrPort]peer.ID, len(records))
	for _, record := range records {
		id, err := peer.Decode(record.NodeID)
		if err != nil {
			continue
		}
		peers[record.Addr] = id
	}
	d.mx.Lock()
	d.peers = peers
	d.mx.Unlock()
}

func (d *PeerDirectory) PeerID(addr netip.AddrPort) (peer.ID, bool) {
	d.mx.RLock()
	defer d.mx.RUnlock()
	id, ok := d.peers[addr]
	return id, ok
}

// Len returns the number of known peers.
func (d *PeerDirectory) Len() int {
	d.mx.RLock()
	defer d.mx.RUnlock()
	return len(d.peers)
}
