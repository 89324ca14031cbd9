package pull

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"cascade/pkg/metrics"
	"cascade/pkg/oci"
	"cascade/pkg/store"
)

const (
	DefaultAttempts  = 60
	DefaultBaseDelay = time.Second
	DefaultMaxJitter = 4 * time.Second
)

type ClientConfig struct {
	Attempts  uint
	BaseDelay time.Duration
	MaxJitter time.Duration
	Registry  string
	Auth      authn.Authenticator
	PlainHTTP bool
	Fs        afero.Fs
	Dir       string
}

func (cfg *ClientConfig) Apply(opts ...ClientOption) error {
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

type ClientOption func(cfg *ClientConfig) error

// WithAttempts bounds the total number of pull attempts, the first try
// included.
func WithAttempts(n uint) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Attempts = n
		return nil
	}
}

func WithBaseDelay(d time.Duration) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.BaseDelay = d
		return nil
	}
}

// WithMaxJitter sets the upper bound of the random delay added on top of
// the base delay between attempts, spreading retries of a whole fleet
// hitting the registry at once.
func WithMaxJitter(d time.Duration) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.MaxJitter = d
		return nil
	}
}

// WithPrivateRegistry redirects pulls through a registry host that is
// only known at runtime. Images keep their canonical name in the store.
func WithPrivateRegistry(registry string) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Registry = registry
		return nil
	}
}

func WithBasicAuth(username, password string) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Auth = &authn.Basic{
			Username: username,
			Password: password,
		}
		return nil
	}
}

// WithPlainHTTP pulls over http instead of https, for in-cluster
// registries without TLS.
func WithPlainHTTP(enabled bool) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.PlainHTTP = enabled
		return nil
	}
}

func WithScratchFs(fs afero.Fs) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Fs = fs
		return nil
	}
}

func WithScratchDir(dir string) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Dir = dir
		return nil
	}
}

// Client pulls images directly from a registry when the swarm cannot
// provide them. Registry flakiness is expected at fleet scale, attempts
// are retried with a jittered delay and only errors that can never
// succeed fail the pull immediately.
type Client struct {
	store store.Store
	cfg   ClientConfig
}

func NewClient(imgStore store.Store, opts ...ClientOption) (*Client, error) {
	cfg := ClientConfig{
		Attempts:  DefaultAttempts,
		BaseDelay: DefaultBaseDelay,
		MaxJitter: DefaultMaxJitter,
		Fs:        afero.NewOsFs(),
		Dir:       os.TempDir(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if imgStore == nil {
		return nil, errors.New("pull client needs an image store")
	}
	if cfg.Attempts < 1 {
		return nil, errors.New("pull client needs at least one attempt")
	}
	err = cfg.Fs.MkdirAll(cfg.Dir, 0o755)
	if err != nil {
		return nil, err
	}
	return &Client{
		store: imgStore,
		cfg:   cfg,
	}, nil
}

// Result reports how a pull went. The attempt count feeds back into
// tuning the retry budget.
type Result struct {
	Attempts uint
}

// Pull fetches the image from the registry and imports it into the
// store. The registry host is rewritten when a private registry is
// configured while the imported image keeps its canonical reference.
func (c *Client) Pull(ctx context.Context, img oci.Image) (Result, error) {
	log := logr.FromContextOrDiscard(ctx).WithName("pull").WithValues("image", img.String())
	source := img
	if c.cfg.Registry != "" {
		source = img.WithRegistry(c.cfg.Registry)
	}
	parseOpts := []name.Option{}
	if c.cfg.PlainHTTP {
		parseOpts = append(parseOpts, name.Insecure)
	}
	ref, err := name.ParseReference(source.String(), parseOpts...)
	if err != nil {
		return Result{}, fmt.Errorf("invalid image reference %s: %w", source.String(), err)
	}
	attempts := uint(0)
	err = retry.Do(
		func() error {
			attempts++
			return c.pullOnce(ctx, ref, img)
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.BaseDelay),
		retry.MaxJitter(c.cfg.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		retry.RetryIf(Retryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Info("retrying registry pull", "attempt", n+1, "error", err.Error())
		}),
	)
	if err != nil {
		metrics.PullsTotal.WithLabelValues("registry", "error").Inc()
		return Result{Attempts: attempts}, err
	}
	metrics.PullsTotal.WithLabelValues("registry", "ok").Inc()
	metrics.PullAttemptsHistogram.Observe(float64(attempts))
	log.Info("pulled image from registry", "attempts", attempts)
	return Result{Attempts: attempts}, nil
}

func (c *Client) pullOnce(ctx context.Context, ref name.Reference, img oci.Image) error {
	opts := []remote.Option{
		remote.WithContext(ctx),
		// The client owns the retry policy, a nested retry layer would
		// stretch the configured delays.
		remote.WithRetryBackoff(remote.Backoff{Steps: 1}),
	}
	if c.cfg.Auth != nil {
		opts = append(opts, remote.WithAuth(c.cfg.Auth))
	} else {
		opts = append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	}
	desc, err := remote.Get(ref, opts...)
	if err != nil {
		return fmt.Errorf("fetching image descriptor: %w", err)
	}
	image, err := desc.Image()
	if err != nil {
		return fmt.Errorf("getting image from descriptor: %w", err)
	}
	path := filepath.Join(c.cfg.Dir, uuid.New().String()+".tar")
	tar, err := c.cfg.Fs.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = tar.Close()
		_ = c.cfg.Fs.Remove(path)
	}()
	tagged := img.String()
	if tagName, ok := img.TagName(); ok {
		tagged = tagName
	}
	tagRef, err := name.ParseReference(tagged)
	if err != nil {
		return err
	}
	err = tarball.Write(tagRef, image, tar)
	if err != nil {
		return fmt.Errorf("writing image archive: %w", err)
	}
	_, err = tar.Seek(0, io.SeekStart)
	if err != nil {
		return err
	}
	err = c.store.Import(ctx, img, tar)
	if err != nil {
		return fmt.Errorf("importing image %s: %w", img.String(), err)
	}
	return nil
}

// Retryable reports whether a pull error is worth another attempt: rate
// limiting, server side registry failures and transient transport drops.
// Anything else, like a missing image or rejected credentials, cannot
// succeed on retry.
func Retryable(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode == http.StatusTooManyRequests || terr.StatusCode >= 500
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return false
}
