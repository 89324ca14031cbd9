package governor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"cascade/pkg/oci"
	"cascade/pkg/pull"
	"cascade/pkg/swarm"
)

// Policy is a node's image distribution policy, handed over by the
// deployment bootstrap.
type Policy struct {
	// PeerToPeerEnabled routes images through the swarm engine. Disabled,
	// every image is pulled directly from the registry.
	PeerToPeerEnabled bool
	// NonP2PConcurrentDownloads bounds how many direct registry pulls run
	// at the same time, shared between direct images and swarm fallback
	// pulls.
	NonP2PConcurrentDownloads int
	// SeedBias is the number of nodes per image that pull directly to
	// become the deployment's first seeders.
	SeedBias int
	// CompressionEnabled gzips artifacts before seeding them.
	CompressionEnabled bool
	// PullPassthroughEnabled lets swarm sessions degrade to a direct
	// registry pull when no peers can provide the image.
	PullPassthroughEnabled bool
	// DirectImages always pull from the registry even with peer to peer
	// enabled.
	DirectImages []string
}

func DefaultPolicy() Policy {
	return Policy{
		PeerToPeerEnabled:         true,
		NonP2PConcurrentDownloads: 1,
		SeedBias:                  1,
		PullPassthroughEnabled:    true,
	}
}

func (p Policy) Validate() error {
	if p.NonP2PConcurrentDownloads < 1 {
		return errors.New("non p2p concurrent downloads has to be at least one")
	}
	if p.SeedBias < 1 {
		return errors.New("seed bias has to be at least one")
	}
	for _, s := range p.DirectImages {
		_, err := oci.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid direct image reference %s: %w", s, err)
		}
	}
	return nil
}

// EngineOptions translates the policy into swarm engine configuration.
// The fallback closes over the governor's download slots so passthrough
// pulls and direct images compete for the same bound.
func (p Policy) EngineOptions(fallback swarm.FallbackFunc) []swarm.EngineOption {
	return []swarm.EngineOption{
		swarm.WithSeedSlots(p.SeedBias),
		swarm.WithCompression(p.CompressionEnabled),
		swarm.WithPassthrough(p.PullPassthroughEnabled),
		swarm.WithFallback(fallback),
	}
}

// Puller is the direct registry pull path.
type Puller interface {
	Pull(ctx context.Context, img oci.Image) (pull.Result, error)
}

// SwarmEngine is the subset of the swarm engine the governor drives.
type SwarmEngine interface {
	Submit(ctx context.Context, img oci.Image) (*swarm.Session, error)
	SeedLocal(ctx context.Context, img oci.Image) (*swarm.Session, error)
}

// Mode describes how an image is acquired.
type Mode string

const (
	ModeSwarm  Mode = "swarm"
	ModeDirect Mode = "direct"
)

type Status string

const (
	StatusPending Status = "Pending"
	StatusRunning Status = "Running"
	StatusDone    Status = "Done"
	StatusFailed  Status = "Failed"
)

// Task is a point in time snapshot of one image acquisition.
type Task struct {
	Image  oci.Image
	Mode   Mode
	Status Status
	Err    error
}

// Governor routes each required image to the swarm engine or the direct
// registry pull and bounds how many direct pulls run concurrently across
// both paths.
type Governor struct {
	policy Policy
	puller Puller
	sem    *semaphore.Weighted
	direct map[string]struct{}

	mx    sync.RWMutex
	tasks map[string]*Task
}

func New(policy Policy, puller Puller) (*Governor, error) {
	err := policy.Validate()
	if err != nil {
		return nil, err
	}
	if puller == nil {
		return nil, errors.New("governor needs a pull client")
	}
	direct := map[string]struct{}{}
	for _, s := range policy.DirectImages {
		img, err := oci.Parse(s)
		if err != nil {
			return nil, err
		}
		direct[img.Key()] = struct{}{}
	}
	return &Governor{
		policy: policy,
		puller: puller,
		sem:    semaphore.NewWeighted(int64(policy.NonP2PConcurrentDownloads)),
		direct: direct,
		tasks:  map[string]*Task{},
	}, nil
}

// Fallback returns the bounded direct pull the swarm engine degrades to.
func (g *Governor) Fallback() swarm.FallbackFunc {
	return func(ctx context.Context, img oci.Image) error {
		return g.directPull(ctx, img)
	}
}

func (g *Governor) directPull(ctx context.Context, img oci.Image) error {
	err := g.sem.Acquire(ctx, 1)
	if err != nil {
		return err
	}
	defer g.sem.Release(1)
	_, err = g.puller.Pull(ctx, img)
	return err
}

func (g *Governor) modeFor(img oci.Image) Mode {
	if !g.policy.PeerToPeerEnabled {
		return ModeDirect
	}
	if _, ok := g.direct[img.Key()]; ok {
		return ModeDirect
	}
	return ModeSwarm
}

// Execute acquires every image, in parallel, each through its routed
// path. The first image failing a non-retryable way cancels the rest and
// fails the run.
func (g *Governor) Execute(ctx context.Context, engine SwarmEngine, imgs []oci.Image) error {
	log := logr.FromContextOrDiscard(ctx).WithName("governor")
	if g.policy.PeerToPeerEnabled && engine == nil {
		return errors.New("peer to peer distribution needs a swarm engine")
	}
	g.mx.Lock()
	g.tasks = map[string]*Task{}
	for _, img := range imgs {
		g.tasks[img.Key()] = &Task{
			Image:  img,
			Mode:   g.modeFor(img),
			Status: StatusPending,
		}
	}
	g.mx.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, img := range imgs {
		switch g.modeFor(img) {
		case ModeSwarm:
			eg.Go(func() error {
				g.setStatus(img, StatusRunning, nil)
				sess, err := engine.Submit(egCtx, img)
				if err == nil {
					err = sess.Wait(egCtx)
				}
				if err != nil {
					g.setStatus(img, StatusFailed, err)
					return fmt.Errorf("image %s: %w", img.String(), err)
				}
				g.setStatus(img, StatusDone, nil)
				return nil
			})
		case ModeDirect:
			eg.Go(func() error {
				g.setStatus(img, StatusRunning, nil)
				err := g.directPull(egCtx, img)
				if err != nil {
					g.setStatus(img, StatusFailed, err)
					return fmt.Errorf("image %s: %w", img.String(), err)
				}
				// The image is safe in the local store, hand it to the
				// swarm so other nodes can transfer it from here.
				if g.policy.PeerToPeerEnabled {
					_, err := engine.SeedLocal(egCtx, img)
					if err != nil {
						log.Error(err, "could not seed directly pulled image", "image", img.String())
					}
				}
				g.setStatus(img, StatusDone, nil)
				return nil
			})
		}
	}
	return eg.Wait()
}

func (g *Governor) setStatus(img oci.Image, status Status, err error) {
	g.mx.Lock()
	defer g.mx.Unlock()
	task, ok := g.tasks[img.Key()]
	if !ok {
		return
	}
	task.Status = status
	task.Err = err
}

// Tasks returns a snapshot of all image acquisitions of the current run.
func (g *Governor) Tasks() []Task {
	g.mx.RLock()
	defer g.mx.RUnlock()
	tasks := make([]Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		tasks = append(tasks, *task)
	}
	slices.SortFunc(tasks, func(a, b Task) int {
		return strings.Compare(a.Image.Key(), b.Image.Key())
	})
	return tasks
}
