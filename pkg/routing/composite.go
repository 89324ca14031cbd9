package routing

import (
	"context"
	"errors"
	"net/netip"

	"github.com/go-logr/logr"

	"cascade/internal/channel"
)

var _ Channel = &Composite{}

// Composite combines a low latency router with a durable rendezvous store.
// Resolution queries every router and merges the answers, advertisement
// fans out to all of them, and durable object operations go to the
// rendezvous store alone. This is the deployed arrangement: the DHT finds
// peers fast while the durable store survives full fleet restarts.
type Composite struct {
	rendezvous Rendezvous
	routers    []Router
}

func NewComposite(rendezvous Rendezvous, routers ...Router) (*Composite, error) {
	if rendezvous == nil {
		return nil, errors.New("composite channel needs a rendezvous store")
	}
	if len(routers) == 0 {
		return nil, errors.New("composite channel needs at least one router")
	}
	return &Composite{
		rendezvous: rendezvous,
		routers:    routers,
	}, nil
}

func (c *Composite) Ready(ctx context.Context) (bool, error) {
	for _, router := range c.routers {
		ready, err := router.Ready(ctx)
		if err != nil {
			return false, err
		}
		if !ready {
			return false, nil
		}
	}
	return true, nil
}

func (c *Composite) Resolve(ctx context.Context, key string, count int) (<-chan netip.AddrPort, error) {
	log := logr.FromContextOrDiscard(ctx)
	chans := []<-chan netip.AddrPort{}
	errs := []error{}
	for _, router := range c.routers {
		ch, err := router.Resolve(ctx, key, count)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		chans = append(chans, ch)
	}
	if len(chans) == 0 {
		return nil, errors.Join(errs...)
	}
	if len(errs) > 0 {
		log.Error(errors.Join(errs...), "some routers could not resolve", "key", key)
	}

	merged := channel.Merge(chans...)
	peerCh := make(chan netip.AddrPort, max(count, 1))
	go func() {
		defer close(peerCh)
		// The same peer can come back from multiple routers.
		seen := map[netip.AddrPort]struct{}{}
		for peerAddr := range merged {
			if _, ok := seen[peerAddr]; ok {
				continue
			}
			seen[peerAddr] = struct{}{}
			select {
			case peerCh <- peerAddr:
			case <-ctx.Done():
				return
			}
		}
	}()
	return peerCh, nil
}

func (c *Composite) Advertise(ctx context.Context, keys []string) error {
	errs := []error{}
	for _, router := range c.routers {
		err := router.Advertise(ctx, keys)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Composite) PublishRecord(ctx context.Context, record PeerRecord) error {
	return c.rendezvous.PublishRecord(ctx, record)
}

func (c *Composite) DiscoverRecords(ctx context.Context, imageKey string) ([]PeerRecord, error) {
	return c.rendezvous.DiscoverRecords(ctx, imageKey)
}

func (c *Composite) PublishDescriptor(ctx context.Context, key string, data []byte) error {
	return c.rendezvous.PublishDescriptor(ctx, key, data)
}

func (c *Composite) FetchDescriptor(ctx context.Context, key string) ([]byte, error) {
	return c.rendezvous.FetchDescriptor(ctx, key)
}

func (c *Composite) ClaimSeedSlot(ctx context.Context, key string, slots int) (bool, error) {
	return c.rendezvous.ClaimSeedSlot(ctx, key, slots)
}
