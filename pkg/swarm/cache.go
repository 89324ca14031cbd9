package swarm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
)

var ErrPieceVerification = errors.New("piece digest does not match descriptor")

type CacheConfig struct {
	Fs afero.Fs
}

func (cfg *CacheConfig) Apply(opts ...CacheOption) error {
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

type CacheOption func(cfg *CacheConfig) error

func WithCacheFs(fs afero.Fs) CacheOption {
	return func(cfg *CacheConfig) error {
		cfg.Fs = fs
		return nil
	}
}

// Cache holds the image artifacts this node can serve pieces of, both
// completed artifacts being seeded and partial artifacts still being
// transferred. Artifacts are backed by preallocated files in the data
// directory so seeding large images does not hold them in memory.
type Cache struct {
	fs        afero.Fs
	dir       string
	mx        sync.RWMutex
	artifacts map[string]*Artifact
}

func NewCache(dir string, opts ...CacheOption) (*Cache, error) {
	cfg := CacheConfig{
		Fs: afero.NewOsFs(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, errors.New("artifact cache needs a directory")
	}
	err = cfg.Fs.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, err
	}
	return &Cache{
		fs:        cfg.Fs,
		dir:       dir,
		artifacts: map[string]*Artifact{},
	}, nil
}

// Create registers an empty artifact for the descriptor and preallocates
// its backing file. Creating an artifact that already exists returns the
// existing one as long as the descriptors agree.
func (c *Cache) Create(desc Descriptor) (*Artifact, error) {
	err := desc.Validate()
	if err != nil {
		return nil, err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if existing, ok := c.artifacts[desc.Image]; ok {
		if !existing.desc.Equivalent(desc) {
			return nil, fmt.Errorf("conflicting artifact already cached for image %s", desc.Image)
		}
		return existing, nil
	}
	path := filepath.Join(c.dir, digest.FromString(desc.Image).Encoded()+".artifact")
	file, err := c.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	err = file.Truncate(desc.TotalSize)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	artifact := &Artifact{
		desc:     desc,
		path:     path,
		file:     file,
		bitfield: NewBitfield(desc.NumPieces()),
	}
	c.artifacts[desc.Image] = artifact
	return artifact, nil
}

// Fill creates a complete artifact from a local reader, used by seeders
// that already hold the image content.
func (c *Cache) Fill(desc Descriptor, r io.Reader) (*Artifact, error) {
	artifact, err := c.Create(desc)
	if err != nil {
		return nil, err
	}
	if artifact.Complete() {
		return artifact, nil
	}
	artifact.mx.Lock()
	defer artifact.mx.Unlock()
	_, err = artifact.file.Seek(0, io.SeekStart)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(artifact.file, r)
	if err != nil {
		return nil, err
	}
	if n != desc.TotalSize {
		return nil, fmt.Errorf("artifact content is %d bytes but descriptor defines %d", n, desc.TotalSize)
	}
	artifact.bitfield.SetAll()
	return artifact, nil
}

func (c *Cache) Get(key string) (*Artifact, bool) {
	c.mx.RLock()
	defer c.mx.RUnlock()
	artifact, ok := c.artifacts[key]
	return artifact, ok
}

func (c *Cache) Keys() []string {
	c.mx.RLock()
	defer c.mx.RUnlock()
	keys := make([]string, 0, len(c.artifacts))
	for key := range c.artifacts {
		keys = append(keys, key)
	}
	return keys
}

// Remove drops the artifact and deletes its backing file.
func (c *Cache) Remove(key string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	artifact, ok := c.artifacts[key]
	if !ok {
		return nil
	}
	delete(c.artifacts, key)
	artifact.mx.Lock()
	defer artifact.mx.Unlock()
	err := artifact.file.Close()
	if err != nil {
		return err
	}
	return c.fs.Remove(artifact.path)
}

// Artifact is a single cached image artifact and the bitfield of its
// verified pieces.
type Artifact struct {
	desc     Descriptor
	path     string
	bitfield *Bitfield

	mx   sync.Mutex
	file afero.File
}

func (a *Artifact) Descriptor() Descriptor {
	return a.desc
}

func (a *Artifact) Bitfield() *Bitfield {
	return a.bitfield
}

func (a *Artifact) Complete() bool {
	return a.bitfield.Complete()
}

// ReadPiece returns the piece content, erroring for pieces that have not
// been verified yet.
func (a *Artifact) ReadPiece(i int) ([]byte, error) {
	if !a.bitfield.Has(i) {
		return nil, fmt.Errorf("piece %d of image %s is not available", i, a.desc.Image)
	}
	b := make([]byte, a.desc.PieceLength(i))
	a.mx.Lock()
	defer a.mx.Unlock()
	_, err := a.file.ReadAt(b, int64(i)*a.desc.PieceSize)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// WritePiece verifies the piece against the descriptor before storing it.
// Verification failures leave the artifact untouched so the piece can be
// fetched again from another peer.
func (a *Artifact) WritePiece(i int, b []byte) error {
	if i < 0 || i >= a.desc.NumPieces() {
		return fmt.Errorf("piece index %d is out of range", i)
	}
	if int64(len(b)) != a.desc.PieceLength(i) {
		return errors.Join(ErrPieceVerification, fmt.Errorf("piece %d is %d bytes but descriptor defines %d", i, len(b), a.desc.PieceLength(i)))
	}
	if digest.FromBytes(b) != a.desc.Pieces[i] {
		return errors.Join(ErrPieceVerification, fmt.Errorf("piece %d of image %s", i, a.desc.Image))
	}
	if a.bitfield.Has(i) {
		return nil
	}
	a.mx.Lock()
	defer a.mx.Unlock()
	_, err := a.file.WriteAt(b, int64(i)*a.desc.PieceSize)
	if err != nil {
		return err
	}
	a.bitfield.Set(i)
	return nil
}

// Open returns a reader over the completed artifact content.
func (a *Artifact) Open() (io.ReadCloser, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("artifact for image %s is not complete", a.desc.Image)
	}
	return &artifactReader{artifact: a}, nil
}

// artifactReader reads the artifact sequentially without disturbing the
// shared file offset used by piece reads.
type artifactReader struct {
	artifact *Artifact
	offset   int64
}

func (r *artifactReader) Read(p []byte) (int, error) {
	if r.offset >= r.artifact.desc.TotalSize {
		return 0, io.EOF
	}
	if remaining := r.artifact.desc.TotalSize - r.offset; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	r.artifact.mx.Lock()
	n, err := r.artifact.file.ReadAt(p, r.offset)
	r.artifact.mx.Unlock()
	r.offset += int64(n)
	if errors.Is(err, io.EOF) && r.offset < r.artifact.desc.TotalSize {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (r *artifactReader) Close() error {
	return nil
}
