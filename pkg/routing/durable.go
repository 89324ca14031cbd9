package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"cascade/pkg/metrics"
)

const peerRecordCacheKey = "peers"

var _ Channel = &DurableChannel{}

type DurableChannelConfig struct {
	Fs        afero.Fs
	CacheTTL  time.Duration
	CacheSize int
}

func (cfg *DurableChannelConfig) Apply(opts ...DurableChannelOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type DurableChannelOption func(cfg *DurableChannelConfig) error

func WithDurableFs(fs afero.Fs) DurableChannelOption {
	return func(cfg *DurableChannelConfig) error {
		cfg.Fs = fs
		return nil
	}
}

// WithCacheTTL bounds how long peer record listings are served from the
// in process cache before the backing store is read again.
func WithCacheTTL(ttl time.Duration) DurableChannelOption {
	return func(cfg *DurableChannelConfig) error {
		cfg.CacheTTL = ttl
		return nil
	}
}

// DurableChannel stores rendezvous state as files on a deployment shared
// mount, typically an object store gateway or a network filesystem. Every
// node owns exactly one record file which it overwrites on refresh, so
// concurrent writers never contend on the same key. Reads filter out
// records past their TTL since departed nodes never clean up after
// themselves.
type DurableChannel struct {
	fs     afero.Fs
	root   string
	nodeID string
	addr   netip.AddrPort
	cache  *expirable.LRU[string, []PeerRecord]

	mxImages sync.Mutex
	images   map[string]struct{}
}

func NewDurableChannel(root, prefix, nodeID string, addr netip.AddrPort, opts ...DurableChannelOption) (*DurableChannel, error) {
	cfg := DurableChannelConfig{
		Fs:        afero.NewOsFs(),
		CacheTTL:  5 * time.Second,
		CacheSize: 16,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if root == "" {
		return nil, errors.New("durable channel needs a root directory")
	}
	if prefix == "" {
		return nil, errors.New("durable channel needs a deployment prefix")
	}
	if nodeID == "" {
		return nil, errors.New("durable channel needs a node id")
	}
	return &DurableChannel{
		fs:     cfg.Fs,
		root:   filepath.Join(root, prefix),
		nodeID: nodeID,
		addr:   addr,
		cache:  expirable.NewLRU[string, []PeerRecord](cfg.CacheSize, nil, cfg.CacheTTL),
		images: map[string]struct{}{},
	}, nil
}

func (d *DurableChannel) Ready(ctx context.Context) (bool, error) {
	err := d.fs.MkdirAll(d.root, 0o755)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *DurableChannel) Resolve(ctx context.Context, key string, count int) (<-chan netip.AddrPort, error) {
	resolveTimer := prometheus.NewTimer(metrics.ResolveDurHistogram.WithLabelValues("durable"))
	records, err := d.DiscoverRecords(ctx, key)
	resolveTimer.ObserveDuration()
	if err != nil {
		return nil, err
	}
	peerCh := make(chan netip.AddrPort, len(records))
	for _, record := range records {
		if record.NodeID == d.nodeID {
			continue
		}
		if count > 0 && len(peerCh) >= count {
			break
		}
		peerCh <- record.Addr
	}
	close(peerCh)
	return peerCh, nil
}

func (d *DurableChannel) Advertise(ctx context.Context, keys []string) error {
	d.mxImages.Lock()
	for _, key := range keys {
		d.images[key] = struct{}{}
	}
	images := make([]string, 0, len(d.images))
	for key := range d.images {
		images = append(images, key)
	}
	d.mxImages.Unlock()
	slices.Sort(images)
	return d.PublishRecord(ctx, PeerRecord{
		NodeID:   d.nodeID,
		Addr:     d.addr,
		Images:   images,
		LastSeen: time.Now(),
	})
}

func (d *DurableChannel) PublishRecord(ctx context.Context, record PeerRecord) error {
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}
	path := filepath.Join(d.root, "peers", record.NodeID+".json")
	err = d.writeFile(path, b)
	if err != nil {
		return fmt.Errorf("could not publish peer record: %w", err)
	}
	d.cache.Remove(peerRecordCacheKey)
	return nil
}

func (d *DurableChannel) DiscoverRecords(ctx context.Context, imageKey string) ([]PeerRecord, error) {
	records, err := d.listRecords(ctx)
	if err != nil {
		return nil, err
	}
	if imageKey == "" {
		return records, nil
	}
	filtered := []PeerRecord{}
	for _, record := range records {
		if slices.Contains(record.Images, imageKey) {
			filtered = append(filtered, record)
		}
	}
	return filtered, nil
}

func (d *DurableChannel) listRecords(ctx context.Context) ([]PeerRecord, error) {
	if records, ok := d.cache.Get(peerRecordCacheKey); ok {
		return records, nil
	}
	log := logr.FromContextOrDiscard(ctx).WithName("durable")
	dir := filepath.Join(d.root, "peers")
	entries, err := afero.ReadDir(d.fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []PeerRecord{}, nil
		}
		return nil, err
	}
	now := time.Now()
	records := []PeerRecord{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		b, err := afero.ReadFile(d.fs, path)
		if err != nil {
			log.Error(err, "could not read peer record", "path", path)
			continue
		}
		record := PeerRecord{}
		err = json.Unmarshal(b, &record)
		if err != nil {
			log.Error(err, "could not decode peer record", "path", path)
			continue
		}
		if record.Expired(now) {
			// Nodes that left never remove their own records. Collect
			// long expired records opportunistically during reads.
			if record.LastSeen.Add(2 * KeyTTL).Before(now) {
				_ = d.fs.Remove(path)
			}
			continue
		}
		records = append(records, record)
	}
	d.cache.Add(peerRecordCacheKey, records)
	return records, nil
}

func (d *DurableChannel) PublishDescriptor(ctx context.Context, key string, data []byte) error {
	path := filepath.Join(d.root, "descriptors", hashKey(key)+".json")
	existing, err := afero.ReadFile(d.fs, path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		return errors.Join(ErrDescriptorConflict, fmt.Errorf("descriptor for key %s already published", key))
	}
	err = d.writeFile(path, data)
	if err != nil {
		return fmt.Errorf("could not publish descriptor: %w", err)
	}
	return nil
}

func (d *DurableChannel) FetchDescriptor(ctx context.Context, key string) ([]byte, error) {
	path := filepath.Join(d.root, "descriptors", hashKey(key)+".json")
	b, err := afero.ReadFile(d.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Join(ErrNotFound, fmt.Errorf("no descriptor published for key %s", key))
		}
		return nil, err
	}
	return b, nil
}

func (d *DurableChannel) ClaimSeedSlot(ctx context.Context, key string, slots int) (bool, error) {
	dir := filepath.Join(d.root, "claims", hashKey(key))
	for i := range slots {
		path := filepath.Join(dir, fmt.Sprintf("slot-%d", i))
		owner, err := afero.ReadFile(d.fs, path)
		if err == nil {
			if string(owner) == d.nodeID {
				return true, nil
			}
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return false, err
		}
		err = d.writeFile(path, []byte(d.nodeID))
		if err != nil {
			return false, err
		}
		// Read the slot back so a concurrent claimer winning the race is
		// detected on stores with last write wins semantics.
		owner, err = afero.ReadFile(d.fs, path)
		if err != nil {
			return false, err
		}
		if string(owner) == d.nodeID {
			return true, nil
		}
	}
	return false, nil
}

func (d *DurableChannel) writeFile(path string, data []byte) error {
	err := d.fs.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return err
	}
	return afero.WriteFile(d.fs, path, data, 0o644)
}

func hashKey(key string) string {
	return digest.FromString(key).Encoded()
}
