package routing

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

const (
	// KeyTTL bounds how long advertised keys and published peer records
	// stay valid without a refresh.
	KeyTTL = 2 * time.Minute
)

var (
	ErrNotFound           = errors.New("rendezvous object not found")
	ErrDescriptorConflict = errors.New("conflicting descriptor already published")
)

// Router implements the discovery of content within a deployment.
type Router interface {
	// Ready returns true when the router is ready.
	Ready(ctx context.Context) (bool, error)
	// Resolve asynchronously discovers addresses that can serve the content
	// defined by the given key.
	Resolve(ctx context.Context, key string, count int) (<-chan netip.AddrPort, error)
	// Advertise broadcasts that the current router can serve the content.
	Advertise(ctx context.Context, keys []string) error
}

// PeerRecord describes a node participating in a deployment.
type PeerRecord struct {
	NodeID   string         `json:"nodeId"`
	Addr     netip.AddrPort `json:"addr"`
	Images   []string       `json:"images"`
	LastSeen time.Time      `json:"lastSeen"`
}

// Expired returns true when the record has not been refreshed within the
// key TTL.
func (r PeerRecord) Expired(now time.Time) bool {
	return r.LastSeen.Add(KeyTTL).Before(now)
}

// Rendezvous persists deployment scoped objects that outlive any single
// peer: presence records, swarm descriptors and direct seed claims.
type Rendezvous interface {
	// PublishRecord upserts this node's presence record.
	PublishRecord(ctx context.Context, record PeerRecord) error
	// DiscoverRecords returns the live records of peers advertising the
	// given image key, or every live record when the key is empty.
	DiscoverRecords(ctx context.Context, imageKey string) ([]PeerRecord, error)
	// PublishDescriptor stores the descriptor published under the key.
	// Publishing different content under an existing key returns
	// ErrDescriptorConflict, republishing identical content is a no-op.
	PublishDescriptor(ctx context.Context, key string, data []byte) error
	// FetchDescriptor returns the descriptor published under the key.
	FetchDescriptor(ctx context.Context, key string) ([]byte, error)
	// ClaimSeedSlot attempts to claim one of a bounded number of direct
	// seed slots for the key. Claims are idempotent per node.
	ClaimSeedSlot(ctx context.Context, key string, slots int) (bool, error)
}

// Channel is the full rendezvous surface used by the swarm engine.
type Channel interface {
	Router
	Rendezvous
}
