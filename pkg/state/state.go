// Package state keeps the rendezvous channel in sync with what this
// node can serve. The tracker advertises every image held by the local
// store, republishes the node's peer record ahead of the rendezvous TTL
// and maintains the peer directory used to dial swarm peers.
package state

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/go-logr/logr"

	"cascade/internal/channel"
	"cascade/pkg/metrics"
	"cascade/pkg/oci"
	"cascade/pkg/routing"
	"cascade/pkg/store"
	"cascade/pkg/swarm"
)

// SessionSource exposes the active swarm sessions so their images stay
// advertised while a transfer is still running and the store does not
// hold them yet.
type SessionSource interface {
	Sessions() []swarm.SessionInfo
}

type TrackerConfig struct {
	Interval         time.Duration
	ResolveLatestTag bool
	Sessions         SessionSource
	Directory        *PeerDirectory
}

func (cfg *TrackerConfig) Apply(opts ...TrackerOption) error {
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

type TrackerOption func(cfg *TrackerConfig) error

// WithRefreshInterval sets how often advertisements and the peer record
// are renewed. The interval has to undercut the rendezvous key TTL or
// this node disappears from the deployment between refreshes.
func WithRefreshInterval(interval time.Duration) TrackerOption {
	return func(cfg *TrackerConfig) error {
		if interval <= 0 {
			return errors.New("refresh interval needs to be positive")
		}
		if interval >= routing.KeyTTL {
			return fmt.Errorf("refresh interval needs to undercut the key TTL of %s", routing.KeyTTL)
		}
		cfg.Interval = interval
		return nil
	}
}

// WithResolveLatestTag enables advertising mutable latest tags.
func WithResolveLatestTag(resolve bool) TrackerOption {
	return func(cfg *TrackerConfig) error {
		cfg.ResolveLatestTag = resolve
		return nil
	}
}

// WithSessionSource includes the images of live swarm sessions in every
// refresh.
func WithSessionSource(src SessionSource) TrackerOption {
	return func(cfg *TrackerConfig) error {
		if src == nil {
			return errors.New("session source cannot be nil")
		}
		cfg.Sessions = src
		return nil
	}
}

// WithDirectory replaces the peer directory records are mirrored into.
// Sharing the directory with the swarm transport lets it dial peers
// resolved through published records.
func WithDirectory(directory *PeerDirectory) TrackerOption {
	return func(cfg *TrackerConfig) error {
		if directory == nil {
			return errors.New("peer directory cannot be nil")
		}
		cfg.Directory = directory
		return nil
	}
}

// Tracker owns this node's presence in the deployment.
type Tracker struct {
	store     store.Store
	channel   routing.Channel
	nodeID    string
	addr      netip.AddrPort
	cfg       TrackerConfig
	directory *PeerDirectory
}

func NewTracker(imgStore store.Store, chn routing.Channel, nodeID string, addr netip.AddrPort, opts ...TrackerOption) (*Tracker, error) {
	cfg := TrackerConfig{
		Interval: routing.KeyTTL - time.Minute,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if imgStore == nil {
		return nil, errors.New("tracker needs an image store")
	}
	if chn == nil {
		return nil, errors.New("tracker needs a rendezvous channel")
	}
	if nodeID == "" {
		return nil, errors.New("tracker needs a node id")
	}
	if !addr.IsValid() {
		return nil, errors.New("tracker needs a valid address")
	}
	directory := cfg.Directory
	if directory == nil {
		directory = NewPeerDirectory()
	}
	return &Tracker{
		store:     imgStore,
		channel:   chn,
		nodeID:    nodeID,
		addr:      addr,
		cfg:       cfg,
		directory: directory,
	}, nil
}

// Directory returns the peer directory fed by this tracker.
func (t *Tracker) Directory() *PeerDirectory {
	return t.directory
}

// Run refreshes advertisements immediately, on every store image event
// and ahead of each key TTL expiry, until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx).WithName("track")
	eventCh, errCh, err := t.store.Subscribe(ctx)
	if err != nil {
		return err
	}
	immediateCh := make(chan time.Time, 1)
	immediateCh <- time.Now()
	close(immediateCh)
	refreshTicker := time.NewTicker(t.cfg.Interval)
	defer refreshTicker.Stop()
	tickerCh := channel.Merge(immediateCh, refreshTicker.C)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tickerCh:
			if err := t.Refresh(ctx); err != nil {
				log.Error(err, "could not refresh advertisements")
			}
		case event, ok := <-eventCh:
			if !ok {
				return errors.New("image event channel closed")
			}
			log.Info("received image event", "image", event.Image.String(), "type", string(event.Type))
			if err := t.update(ctx, event); err != nil {
				log.Error(err, "could not process image event", "image", event.Image.String())
			}
		case err, ok := <-errCh:
			if !ok {
				return errors.New("image error channel closed")
			}
			log.Error(err, "event channel error")
		}
	}
}

// Refresh advertises everything this node can currently serve, renews
// the peer record and updates the peer directory from the records of the
// other nodes.
func (t *Tracker) Refresh(ctx context.Context) error {
	imgs, err := t.store.List(ctx)
	if err != nil {
		return err
	}
	metrics.AdvertisedImages.Reset()
	metrics.AdvertisedKeys.Reset()
	seen := map[string]struct{}{}
	keys := []string{}
	add := func(key string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, img := range imgs {
		imgKeys := t.imageKeys(img)
		if len(imgKeys) == 0 {
			continue
		}
		for _, key := range imgKeys {
			add(key)
		}
		metrics.AdvertisedImages.WithLabelValues(img.Registry).Add(1)
		metrics.AdvertisedKeys.WithLabelValues(img.Registry).Add(float64(len(imgKeys)))
	}
	if t.cfg.Sessions != nil {
		for _, info := range t.cfg.Sessions.Sessions() {
			if info.State == swarm.StateFailed {
				continue
			}
			add(info.Image.Key())
		}
	}
	slices.Sort(keys)
	errs := []error{}
	if len(keys) > 0 {
		err = t.channel.Advertise(ctx, keys)
		if err != nil {
			// A router that cannot take advertisements yet, like a DHT
			// still bootstrapping, catches up on a later refresh. The
			// peer record is still renewed below.
			errs = append(errs, fmt.Errorf("could not advertise keys: %w", err))
		}
	}
	err = t.channel.PublishRecord(ctx, routing.PeerRecord{
		NodeID:   t.nodeID,
		Addr:     t.addr,
		Images:   keys,
		LastSeen: time.Now(),
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("could not publish peer record: %w", err))
		return errors.Join(errs...)
	}
	records, err := t.channel.DiscoverRecords(ctx, "")
	if err != nil {
		errs = append(errs, fmt.Errorf("could not discover peer records: %w", err))
		return errors.Join(errs...)
	}
	t.directory.Update(records)
	return errors.Join(errs...)
}

func (t *Tracker) update(ctx context.Context, event store.Event) error {
	if event.Type == store.DeleteEvent {
		metrics.AdvertisedImages.WithLabelValues(event.Image.Registry).Sub(1)
		// Advertised keys stay live until their TTL expires, the next
		// refresh simply stops renewing them.
		return nil
	}
	keys := t.imageKeys(event.Image)
	if len(keys) == 0 {
		return nil
	}
	err := t.channel.Advertise(ctx, keys)
	if err != nil {
		return fmt.Errorf("could not advertise image keys: %w", err)
	}
	if event.Type == store.CreateEvent {
		metrics.AdvertisedImages.WithLabelValues(event.Image.Registry).Add(1)
		metrics.AdvertisedKeys.WithLabelValues(event.Image.Registry).Add(float64(len(keys)))
	}
	return nil
}

// imageKeys returns the rendezvous keys of an image. Mutable latest tags
// are skipped unless resolution is enabled, and a digest pinned key is
// advertised alongside the tag when the digest is known.
func (t *Tracker) imageKeys(img oci.Image) []string {
	keys := []string{}
	if img.Tag != "" && (t.cfg.ResolveLatestTag || !img.IsLatestTag()) {
		keys = append(keys, img.Key())
	}
	if img.Digest != "" {
		pinned := img
		pinned.Tag = ""
		keys = append(keys, pinned.Key())
	}
	return keys
}
