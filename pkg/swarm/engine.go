package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"cascade/pkg/oci"
	"cascade/pkg/routing"
	"cascade/pkg/store"
)

// FallbackFunc performs a direct registry pull for an image the swarm
// could not provide. The concurrency governor supplies it so direct pulls
// stay within the configured bounds.
type FallbackFunc func(ctx context.Context, img oci.Image) error

type EngineConfig struct {
	PieceSize         int64
	GracePeriod       time.Duration
	StallTimeout      time.Duration
	DiscoverInterval  time.Duration
	MaxPeers          int
	MaxVerifyFailures int
	SeedSlots         int
	Passthrough       bool
	Compress          bool
	Fallback          FallbackFunc
}

func (cfg *EngineConfig) Apply(opts ...EngineOption) error {
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

type EngineOption func(cfg *EngineConfig) error

func WithPieceSize(size int64) EngineOption {
	return func(cfg *EngineConfig) error {
		cfg.PieceSize = size
		return nil
	}
}

// WithGracePeriod sets how long discovery waits for peers before
// competing for a direct seed slot.
func WithGracePeriod(d time.Duration) EngineOption {
	return func(cfg *EngineConfig) error {
		cfg.GracePeriod = d
		return nil
	}
}

// WithStallTimeout bounds both the total discovery wait and the gap
// between verified pieces during a transfer.
func WithStallTimeout(d time.Duration) EngineOption {
	return func(cfg *EngineConfig) error {
		cfg.StallTimeout = d
		return nil
	}
}

func WithDiscoverInterval(d time.Duration) EngineOption {
	return func(cfg *EngineConfig) error {
		cfg.DiscoverInterval = d
		return nil
	}
}

func WithMaxPeers(n int) EngineOption {
	return func(cfg *EngineConfig) error {
		cfg.MaxPeers = n
		return nil
	}
}

func WithMaxVerifyFailures(n int) EngineOption {
	return func(cfg *EngineConfig) error {
		cfg.MaxVerifyFailures = n
		return nil
	}
}

// WithSeedSlots bounds how many nodes in the deployment pull an image
// directly from the registry to become its first seeders.
func WithSeedSlots(n int) EngineOption {
	return func(cfg *EngineConfig) error {
		cfg.SeedSlots = n
		return nil
	}
}

// WithPassthrough controls whether sessions may degrade to a direct
// registry pull when the swarm cannot provide the image.
func WithPassthrough(enabled bool) EngineOption {
	return func(cfg *EngineConfig) error {
		cfg.Passthrough = enabled
		return nil
	}
}

// WithCompression gzips artifacts before they are split into pieces.
func WithCompression(enabled bool) EngineOption {
	return func(cfg *EngineConfig) error {
		cfg.Compress = enabled
		return nil
	}
}

func WithFallback(fn FallbackFunc) EngineOption {
	return func(cfg *EngineConfig) error {
		cfg.Fallback = fn
		return nil
	}
}

// Engine runs the per-image swarm sessions of a node.
type Engine struct {
	channel routing.Channel
	store   store.Store
	dialer  Dialer
	cache   *Cache
	cfg     EngineConfig

	mx       sync.RWMutex
	sessions map[string]*Session
}

func NewEngine(channel routing.Channel, imgStore store.Store, dialer Dialer, cache *Cache, opts ...EngineOption) (*Engine, error) {
	cfg := EngineConfig{
		PieceSize:         DefaultPieceSize,
		GracePeriod:       30 * time.Second,
		StallTimeout:      2 * time.Minute,
		DiscoverInterval:  5 * time.Second,
		MaxPeers:          8,
		MaxVerifyFailures: 5,
		SeedSlots:         1,
		Passthrough:       true,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, errors.New("swarm engine needs a rendezvous channel")
	}
	if imgStore == nil {
		return nil, errors.New("swarm engine needs an image store")
	}
	if dialer == nil {
		return nil, errors.New("swarm engine needs a transport dialer")
	}
	if cache == nil {
		return nil, errors.New("swarm engine needs an artifact cache")
	}
	if cfg.PieceSize <= 0 {
		return nil, errors.New("piece size has to be larger than zero")
	}
	if cfg.MaxPeers < 1 {
		return nil, errors.New("max peers has to be at least one")
	}
	if cfg.SeedSlots < 1 {
		return nil, errors.New("seed slots has to be at least one")
	}
	if cfg.GracePeriod <= 0 || cfg.DiscoverInterval <= 0 {
		return nil, errors.New("grace period and discover interval have to be larger than zero")
	}
	if cfg.StallTimeout < cfg.GracePeriod {
		return nil, errors.New("stall timeout cannot be shorter than the grace period")
	}
	if cfg.Passthrough && cfg.Fallback == nil {
		return nil, errors.New("passthrough requires a fallback pull function")
	}
	return &Engine{
		channel:  channel,
		store:    imgStore,
		dialer:   dialer,
		cache:    cache,
		cfg:      cfg,
		sessions: map[string]*Session{},
	}, nil
}

// Submit starts the swarm session acquiring the image. Submitting an
// image that already has a session returns the existing session.
func (e *Engine) Submit(ctx context.Context, img oci.Image) (*Session, error) {
	key := img.Key()
	e.mx.Lock()
	if existing, ok := e.sessions[key]; ok {
		e.mx.Unlock()
		return existing, nil
	}
	sess := newSession(img, e)
	e.sessions[key] = sess
	e.mx.Unlock()
	go sess.run(ctx)
	return sess, nil
}

// SeedLocal starts seeding an image that is already present in the local
// store, exporting and publishing it synchronously.
func (e *Engine) SeedLocal(ctx context.Context, img oci.Image) (*Session, error) {
	key := img.Key()
	e.mx.Lock()
	if existing, ok := e.sessions[key]; ok {
		e.mx.Unlock()
		return existing, nil
	}
	sess := newSession(img, e)
	e.sessions[key] = sess
	e.mx.Unlock()
	log := logr.FromContextOrDiscard(ctx).WithName("swarm").WithValues("image", img.String())
	ctx = logr.NewContext(ctx, log)
	err := sess.setupSeed(ctx)
	if err != nil {
		sess.fail(ctx, err)
		return sess, err
	}
	sess.seed(ctx)
	return sess, nil
}

// SessionInfo is a point in time snapshot of a session.
type SessionInfo struct {
	Image oci.Image
	State State
	Err   error
}

func (e *Engine) Sessions() []SessionInfo {
	e.mx.RLock()
	defer e.mx.RUnlock()
	infos := make([]SessionInfo, 0, len(e.sessions))
	for _, sess := range e.sessions {
		infos = append(infos, SessionInfo{
			Image: sess.Image(),
			State: sess.State(),
			Err:   sess.Err(),
		})
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		return strings.Compare(a.Image.Key(), b.Image.Key())
	})
	return infos
}

// exportArtifact writes the store content of the image into the artifact
// cache and derives its descriptor.
func (e *Engine) exportArtifact(ctx context.Context, img oci.Image) (*Artifact, error) {
	tmp, err := afero.TempFile(e.cache.fs, e.cache.dir, "export-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tmp.Close()
		_ = e.cache.fs.Remove(tmp.Name())
	}()
	var w io.Writer = tmp
	var gz *gzip.Writer
	if e.cfg.Compress {
		gz = gzip.NewWriter(tmp)
		w = gz
	}
	err = e.store.Export(ctx, img, w)
	if err != nil {
		return nil, fmt.Errorf("could not export image %s: %w", img.String(), err)
	}
	if gz != nil {
		err = gz.Close()
		if err != nil {
			return nil, err
		}
	}
	_, err = tmp.Seek(0, io.SeekStart)
	if err != nil {
		return nil, err
	}
	desc, err := DeriveDescriptor(img, tmp, e.cfg.PieceSize, e.cfg.Compress)
	if err != nil {
		return nil, err
	}
	_, err = tmp.Seek(0, io.SeekStart)
	if err != nil {
		return nil, err
	}
	return e.cache.Fill(desc, tmp)
}

// ensureDescriptor publishes the descriptor, tolerating an equivalent
// descriptor already published by another seeder. The creation time is
// node specific so equivalence is checked on content.
func (e *Engine) ensureDescriptor(ctx context.Context, desc Descriptor) error {
	b, err := desc.Marshal()
	if err != nil {
		return err
	}
	err = e.channel.PublishDescriptor(ctx, desc.Image, b)
	if err == nil {
		return nil
	}
	if !errors.Is(err, routing.ErrDescriptorConflict) {
		return err
	}
	published, err := e.channel.FetchDescriptor(ctx, desc.Image)
	if err != nil {
		return err
	}
	existing, err := ParseDescriptor(published)
	if err != nil {
		return err
	}
	if !existing.Equivalent(desc) {
		return fmt.Errorf("published descriptor for image %s does not match the local artifact", desc.Image)
	}
	return nil
}
