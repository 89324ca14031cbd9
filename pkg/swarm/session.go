package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"

	"cascade/pkg/metrics"
	"cascade/pkg/oci"
)

// State of a swarm session. Seeding is terminal for the life of the
// process, a seeding node keeps serving pieces after its own workload
// starts.
type State string

const (
	StateDiscovering  State = "Discovering"
	StateTransferring State = "Transferring"
	StateSeeding      State = "Seeding"
	StateFailed       State = "Failed"
)

var (
	// ErrSwarmUnavailable marks failures that degrade to a direct registry
	// pull when passthrough is enabled: no peers, no descriptor or a
	// stalled transfer.
	ErrSwarmUnavailable = errors.New("swarm source unavailable")
	// ErrVerificationFailures marks a swarm serving content that does not
	// match its descriptor. Falling back is pointless since the artifact
	// itself is suspect, the image fails instead.
	ErrVerificationFailures = errors.New("too many piece verification failures")
)

// Session is the per-image swarm state machine.
type Session struct {
	image  oci.Image
	engine *Engine

	mx    sync.RWMutex
	state State
	err   error

	done           chan struct{}
	lastProgress   atomic.Int64
	verifyFailures atomic.Int64
}

func newSession(img oci.Image, engine *Engine) *Session {
	s := &Session{
		image:  img,
		engine: engine,
		done:   make(chan struct{}),
	}
	s.lastProgress.Store(time.Now().UnixNano())
	return s
}

func (s *Session) Image() oci.Image {
	return s.image
}

func (s *Session) State() State {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.state
}

func (s *Session) Err() error {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.err
}

// Wait blocks until the image is available locally or the session has
// failed. A session entering Seeding keeps serving after Wait returns.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Session) transition(ctx context.Context, next State) {
	s.mx.Lock()
	prev := s.state
	s.state = next
	s.mx.Unlock()
	if prev != "" {
		metrics.SwarmSessions.WithLabelValues(string(prev)).Dec()
	}
	metrics.SwarmSessions.WithLabelValues(string(next)).Inc()
	logr.FromContextOrDiscard(ctx).Info("swarm session transition", "image", s.image.String(), "from", string(prev), "to", string(next))
}

func (s *Session) fail(ctx context.Context, err error) {
	s.mx.Lock()
	s.err = err
	s.mx.Unlock()
	s.transition(ctx, StateFailed)
	logr.FromContextOrDiscard(ctx).Error(err, "swarm session failed", "image", s.image.String())
	close(s.done)
}

func (s *Session) seed(ctx context.Context) {
	s.transition(ctx, StateSeeding)
	close(s.done)
}

func (s *Session) run(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx).WithName("swarm").WithValues("image", s.image.String())
	ctx = logr.NewContext(ctx, log)
	s.transition(ctx, StateDiscovering)

	peers, direct, err := s.discover(ctx)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	if direct {
		err := s.pullAndSeed(ctx)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		s.seed(ctx)
		return
	}

	err = s.transfer(ctx, peers)
	if err == nil {
		metrics.PullsTotal.WithLabelValues("swarm", "ok").Inc()
		s.seed(ctx)
		return
	}
	if ctx.Err() != nil {
		s.fail(ctx, ctx.Err())
		return
	}
	if errors.Is(err, ErrSwarmUnavailable) && s.engine.cfg.Passthrough {
		log.Info("degrading to direct registry pull", "reason", err.Error())
		err := s.pullAndSeed(ctx)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		s.seed(ctx)
		return
	}
	s.fail(ctx, err)
}

// discover polls the rendezvous channel for peers advertising the image.
// When no peers show up within the grace period and passthrough is
// enabled, the session competes for one of the bounded direct seed slots.
// Winning the slot means this node pulls from the registry and becomes the
// deployment's seeder, losing it means another node is expected to seed
// first and discovery continues.
func (s *Session) discover(ctx context.Context) ([]netip.AddrPort, bool, error) {
	log := logr.FromContextOrDiscard(ctx)
	cfg := s.engine.cfg
	start := time.Now()
	claimAttempted := false
	ticker := time.NewTicker(cfg.DiscoverInterval)
	defer ticker.Stop()
	for {
		peers := s.resolvePeers(ctx)
		if len(peers) > 0 {
			return peers, false, nil
		}
		if time.Since(start) >= cfg.GracePeriod && cfg.Passthrough && !claimAttempted {
			claimAttempted = true
			won, err := s.engine.channel.ClaimSeedSlot(ctx, s.image.Key(), cfg.SeedSlots)
			if err != nil {
				log.Error(err, "could not claim direct seed slot")
			}
			if won {
				metrics.SeedSlotClaimsTotal.WithLabelValues("won").Inc()
				log.Info("claimed direct seed slot")
				return nil, true, nil
			}
			metrics.SeedSlotClaimsTotal.WithLabelValues("lost").Inc()
			log.Info("direct seed slots taken, waiting for a seeder to appear")
		}
		if time.Since(start) >= cfg.StallTimeout {
			if cfg.Passthrough {
				return nil, true, nil
			}
			return nil, false, errors.Join(ErrSwarmUnavailable, fmt.Errorf("no peers advertising image %s", s.image.String()))
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) resolvePeers(ctx context.Context) []netip.AddrPort {
	log := logr.FromContextOrDiscard(ctx)
	cfg := s.engine.cfg
	resolveCtx, cancel := context.WithTimeout(ctx, cfg.DiscoverInterval)
	defer cancel()
	peerCh, err := s.engine.channel.Resolve(resolveCtx, s.image.Key(), cfg.MaxPeers)
	if err != nil {
		log.Error(err, "could not resolve peers")
		return nil
	}
	peers := []netip.AddrPort{}
	for {
		select {
		case addr, ok := <-peerCh:
			if !ok {
				return peers
			}
			peers = append(peers, addr)
			if len(peers) >= cfg.MaxPeers {
				return peers
			}
		case <-resolveCtx.Done():
			return peers
		}
	}
}

func (s *Session) transfer(ctx context.Context, peers []netip.AddrPort) error {
	log := logr.FromContextOrDiscard(ctx)
	cfg := s.engine.cfg
	s.transition(ctx, StateTransferring)

	desc, err := s.locateDescriptor(ctx, peers)
	if err != nil {
		return errors.Join(ErrSwarmUnavailable, err)
	}
	artifact, err := s.engine.cache.Create(desc)
	if err != nil {
		return err
	}
	// From here on other peers can fetch verified pieces from this node,
	// advertise before the transfer completes.
	err = s.engine.channel.Advertise(ctx, []string{s.image.Key()})
	if err != nil {
		log.Error(err, "could not advertise transferring image")
	}

	transferCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pk := newPicker(artifact.Bitfield())
	var wg sync.WaitGroup
	var active atomic.Int64
	connected := map[netip.AddrPort]struct{}{}
	connect := func(addrs []netip.AddrPort) {
		for _, addr := range addrs {
			if _, ok := connected[addr]; ok {
				continue
			}
			if active.Load() >= int64(cfg.MaxPeers) {
				return
			}
			connected[addr] = struct{}{}
			active.Add(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer active.Add(-1)
				s.peerLoop(transferCtx, addr, artifact, pk)
			}()
		}
	}
	connect(peers)
	// Keep resolving while transferring, late joiners seed partial
	// content and spread the load.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.DiscoverInterval)
		defer ticker.Stop()
		for {
			select {
			case <-transferCtx.Done():
				return
			case <-ticker.C:
				connect(s.resolvePeers(transferCtx))
			}
		}
	}()

	s.lastProgress.Store(time.Now().UnixNano())
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
		if artifact.Complete() {
			cancel()
			wg.Wait()
			return s.finish(ctx, artifact)
		}
		if s.verifyFailures.Load() > int64(cfg.MaxVerifyFailures) {
			cancel()
			wg.Wait()
			return errors.Join(ErrVerificationFailures, fmt.Errorf("image %s", s.image.String()))
		}
		if time.Since(time.Unix(0, s.lastProgress.Load())) >= cfg.StallTimeout {
			cancel()
			wg.Wait()
			return errors.Join(ErrSwarmUnavailable, fmt.Errorf("transfer of image %s stalled", s.image.String()))
		}
	}
}

// locateDescriptor prefers the descriptor published to the rendezvous
// channel and falls back to asking the resolved peers directly.
func (s *Session) locateDescriptor(ctx context.Context, peers []netip.AddrPort) (Descriptor, error) {
	key := s.image.Key()
	b, err := s.engine.channel.FetchDescriptor(ctx, key)
	if err == nil {
		return ParseDescriptor(b)
	}
	errs := []error{err}
	for _, addr := range peers {
		conn, err := s.engine.dialer.Dial(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		desc, err := conn.Descriptor(ctx, key)
		_ = conn.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if desc.Image != key {
			errs = append(errs, fmt.Errorf("peer %s returned descriptor for image %s", addr, desc.Image))
			continue
		}
		return desc, nil
	}
	return Descriptor{}, errors.Join(errs...)
}

// peerLoop drains pieces from a single peer until the peer has nothing
// left to offer or misbehaves. A peer serving a piece that fails
// verification is dropped and the piece is released for other peers.
func (s *Session) peerLoop(ctx context.Context, addr netip.AddrPort, artifact *Artifact, pk *picker) {
	log := logr.FromContextOrDiscard(ctx).WithValues("peer", addr.String())
	key := s.image.Key()
	conn, err := s.engine.dialer.Dial(ctx, addr)
	if err != nil {
		log.V(4).Info("could not dial peer", "error", err.Error())
		return
	}
	defer conn.Close()
	peerHas, err := conn.Bitfield(ctx, key)
	if err != nil {
		log.V(4).Info("could not fetch peer bitfield", "error", err.Error())
		return
	}
	pk.addPeer(peerHas)
	defer func() {
		pk.removePeer(peerHas)
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		piece, ok := pk.next(peerHas)
		if !ok {
			if artifact.Complete() {
				return
			}
			// The peer may be a leecher still verifying pieces, refresh
			// its bitfield before giving up on it.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			refreshed, err := conn.Bitfield(ctx, key)
			if err != nil {
				return
			}
			pk.removePeer(peerHas)
			peerHas = refreshed
			pk.addPeer(peerHas)
			continue
		}
		b, err := conn.Piece(ctx, key, piece)
		if err != nil {
			pk.release(piece)
			metrics.PiecesFetchedTotal.WithLabelValues("transport_error").Inc()
			log.V(4).Info("could not fetch piece", "piece", piece, "error", err.Error())
			return
		}
		err = artifact.WritePiece(piece, b)
		if err != nil {
			pk.release(piece)
			if errors.Is(err, ErrPieceVerification) {
				s.verifyFailures.Add(1)
				metrics.PiecesFetchedTotal.WithLabelValues("verification_failed").Inc()
				log.Info("dropping peer serving corrupt piece", "piece", piece)
				return
			}
			log.Error(err, "could not store piece", "piece", piece)
			return
		}
		metrics.PiecesFetchedTotal.WithLabelValues("verified").Inc()
		metrics.SwarmBytesTotal.WithLabelValues("in").Add(float64(len(b)))
		s.lastProgress.Store(time.Now().UnixNano())
	}
}

// finish imports the completed artifact into the image store.
func (s *Session) finish(ctx context.Context, artifact *Artifact) error {
	rc, err := artifact.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	var r io.Reader = rc
	if artifact.Descriptor().Compressed {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return fmt.Errorf("could not decompress artifact for image %s: %w", s.image.String(), err)
		}
		defer gz.Close()
		r = gz
	}
	err = s.engine.store.Import(ctx, s.image, r)
	if err != nil {
		return fmt.Errorf("could not import image %s: %w", s.image.String(), err)
	}
	return nil
}

// pullAndSeed acquires the image through the direct registry pull and
// turns this node into a seeder for it.
func (s *Session) pullAndSeed(ctx context.Context) error {
	err := s.engine.cfg.Fallback(ctx, s.image)
	if err != nil {
		return fmt.Errorf("fallback pull of image %s: %w", s.image.String(), err)
	}
	err = s.setupSeed(ctx)
	if err != nil {
		// The image is safe in the local store, a node that cannot seed
		// it is still ready.
		logr.FromContextOrDiscard(ctx).Error(err, "could not seed pulled image", "image", s.image.String())
	}
	return nil
}

// setupSeed exports the locally present image into the artifact cache and
// publishes its descriptor so other nodes can transfer from this one.
func (s *Session) setupSeed(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)
	key := s.image.Key()
	artifact, ok := s.engine.cache.Get(key)
	if !ok {
		exported, err := s.engine.exportArtifact(ctx, s.image)
		if err != nil {
			return err
		}
		err = s.engine.ensureDescriptor(ctx, exported.Descriptor())
		if err != nil {
			// Pieces that do not match the published descriptor would
			// poison the sessions of other nodes, do not serve them.
			return errors.Join(err, s.engine.cache.Remove(key))
		}
		artifact = exported
	} else {
		if !artifact.Complete() {
			// A transfer that degraded to a fallback pull leaves its
			// partial artifact behind. The export completes it when the
			// local store reproduces the published bytes, otherwise the
			// pieces verified so far stay available to peers.
			exported, err := s.engine.exportArtifact(ctx, s.image)
			if err != nil {
				log.Error(err, "could not complete the partial artifact", "image", s.image.String())
			} else {
				artifact = exported
			}
		}
		err := s.engine.ensureDescriptor(ctx, artifact.Descriptor())
		if err != nil {
			return err
		}
	}
	err := s.engine.channel.Advertise(ctx, []string{key})
	if err != nil {
		// The periodic advertisement refresh will retry, the image is
		// already safe in the local store.
		log.Error(err, "could not advertise seeded image", "image", s.image.String())
	}
	return nil
}
