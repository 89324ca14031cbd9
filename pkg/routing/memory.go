package routing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"
)

var _ Channel = &MemoryRouter{}

// MemoryRouter is an in process rendezvous channel used in tests.
type MemoryRouter struct {
	mx          sync.RWMutex
	resolver    map[string][]netip.AddrPort
	self        netip.AddrPort
	records     map[string]PeerRecord
	descriptors map[string][]byte
	claims      map[string][]string
}

func NewMemoryRouter(resolver map[string][]netip.AddrPort, self netip.AddrPort) *MemoryRouter {
	return &MemoryRouter{
		resolver:    resolver,
		self:        self,
		records:     map[string]PeerRecord{},
		descriptors: map[string][]byte{},
		claims:      map[string][]string{},
	}
}

func (m *MemoryRouter) Ready(ctx context.Context) (bool, error) {
	return true, nil
}

func (m *MemoryRouter) Resolve(ctx context.Context, key string, count int) (<-chan netip.AddrPort, error) {
	m.mx.RLock()
	peers := append([]netip.AddrPort{}, m.resolver[key]...)
	m.mx.RUnlock()

	peerCh := make(chan netip.AddrPort, max(len(peers), 1))
	for _, peer := range peers {
		if count > 0 && len(peerCh) >= count {
			break
		}
		peerCh <- peer
	}
	close(peerCh)
	return peerCh, nil
}

func (m *MemoryRouter) Advertise(ctx context.Context, keys []string) error {
	for _, key := range keys {
		m.Add(key, m.self)
	}
	return nil
}

// Add registers an address as a provider of the key.
func (m *MemoryRouter) Add(key string, addr netip.AddrPort) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if slices.Contains(m.resolver[key], addr) {
		return
	}
	m.resolver[key] = append(m.resolver[key], addr)
}

// LookupKeys returns all providers of the key.
func (m *MemoryRouter) LookupKeys(key string) []netip.AddrPort {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return append([]netip.AddrPort{}, m.resolver[key]...)
}

func (m *MemoryRouter) PublishRecord(ctx context.Context, record PeerRecord) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.records[record.NodeID] = record
	return nil
}

func (m *MemoryRouter) DiscoverRecords(ctx context.Context, imageKey string) ([]PeerRecord, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	now := time.Now()
	records := []PeerRecord{}
	for _, record := range m.records {
		if record.Expired(now) {
			continue
		}
		if imageKey != "" && !slices.Contains(record.Images, imageKey) {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (m *MemoryRouter) PublishDescriptor(ctx context.Context, key string, data []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	existing, ok := m.descriptors[key]
	if ok {
		if bytes.Equal(existing, data) {
			return nil
		}
		return errors.Join(ErrDescriptorConflict, fmt.Errorf("descriptor for key %s already published", key))
	}
	m.descriptors[key] = append([]byte{}, data...)
	return nil
}

func (m *MemoryRouter) FetchDescriptor(ctx context.Context, key string) ([]byte, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	data, ok := m.descriptors[key]
	if !ok {
		return nil, errors.Join(ErrNotFound, fmt.Errorf("no descriptor published for key %s", key))
	}
	return append([]byte{}, data...), nil
}

func (m *MemoryRouter) ClaimSeedSlot(ctx context.Context, key string, slots int) (bool, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	nodeID := m.self.String()
	if slices.Contains(m.claims[key], nodeID) {
		return true, nil
	}
	if len(m.claims[key]) >= slots {
		return false, nil
	}
	m.claims[key] = append(m.claims[key], nodeID)
	return true, nil
}
