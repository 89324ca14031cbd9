package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"cascade/pkg/oci"
)

var _ Store = &SIF{}

type SIFConfig struct {
	Fs afero.Fs
}

func (cfg *SIFConfig) Apply(opts ...SIFOption) error {
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

type SIFOption func(cfg *SIFConfig) error

// WithSIFFs replaces the backing filesystem. Subscriptions are only
// available on the os filesystem.
func WithSIFFs(fs afero.Fs) SIFOption {
	return func(cfg *SIFConfig) error {
		cfg.Fs = fs
		return nil
	}
}

// SIF stores images as flat Singularity image files laid out as
// registry/repository/tag.sif under the root directory. Runtimes such as
// Singularity and Apptainer consume the files directly from the shared
// directory, so presence of the file is presence of the image.
type SIF struct {
	fs   afero.Fs
	root string
}

func NewSIF(root string, opts ...SIFOption) (*SIF, error) {
	cfg := SIFConfig{
		Fs: afero.NewOsFs(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if root == "" {
		return nil, errors.New("sif store needs a root directory")
	}
	return &SIF{
		fs:   cfg.Fs,
		root: root,
	}, nil
}

func (s *SIF) Name() string {
	return "sif"
}

func (s *SIF) Verify(ctx context.Context) error {
	err := s.fs.MkdirAll(s.root, 0o755)
	if err != nil {
		return fmt.Errorf("could not create sif root directory: %w", err)
	}
	probe, err := afero.TempFile(s.fs, s.root, ".probe")
	if err != nil {
		return fmt.Errorf("sif root directory is not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return s.fs.Remove(name)
}

func (s *SIF) Present(ctx context.Context, img oci.Image) (bool, error) {
	_, err := s.fs.Stat(s.path(img))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SIF) Import(ctx context.Context, img oci.Image, r io.Reader) error {
	path := s.path(img)
	err := s.fs.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return err
	}
	// Write to a partial file first so watchers only ever observe
	// complete images appear.
	partial := filepath.Join(filepath.Dir(path), uuid.New().String()+".partial")
	file, err := s.fs.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, err = io.Copy(file, r)
	cerr := file.Close()
	if err != nil {
		_ = s.fs.Remove(partial)
		return err
	}
	if cerr != nil {
		_ = s.fs.Remove(partial)
		return cerr
	}
	return s.fs.Rename(partial, path)
}

func (s *SIF) Export(ctx context.Context, img oci.Image, w io.Writer) error {
	file, err := s.fs.Open(s.path(img))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.Join(ErrNotFound, fmt.Errorf("sif file for image %s not found", img.String()))
		}
		return err
	}
	defer file.Close()
	_, err = io.Copy(w, file)
	return err
}

func (s *SIF) List(ctx context.Context) ([]oci.Image, error) {
	imgs := []oci.Image{}
	err := afero.Walk(s.fs, s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".sif") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		img, err := parseSIFPath(rel)
		if err != nil {
			return nil
		}
		imgs = append(imgs, img)
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []oci.Image{}, nil
		}
		return nil, err
	}
	return imgs, nil
}

func (s *SIF) Subscribe(ctx context.Context) (<-chan Event, <-chan error, error) {
	log := logr.FromContextOrDiscard(ctx).WithName("sif")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	err = s.fs.MkdirAll(s.root, 0o755)
	if err != nil {
		return nil, nil, errors.Join(err, watcher.Close())
	}
	// Watches are not recursive so every directory in the tree is added,
	// new directories are picked up from create events.
	err = afero.Walk(s.fs, s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
	if err != nil {
		return nil, nil, errors.Join(err, watcher.Close())
	}

	eventCh := make(chan Event)
	errCh := make(chan error)
	go func() {
		defer close(eventCh)
		defer close(errCh)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fsEvent, ok := <-watcher.Events:
				if !ok {
					return
				}
				if fsEvent.Has(fsnotify.Create) {
					info, err := s.fs.Stat(fsEvent.Name)
					if err == nil && info.IsDir() {
						if err := watcher.Add(fsEvent.Name); err != nil {
							log.Error(err, "could not watch new directory", "path", fsEvent.Name)
						}
						continue
					}
				}
				event, ok := s.fileEvent(fsEvent)
				if !ok {
					continue
				}
				eventCh <- event
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				errCh <- err
			}
		}
	}()
	return eventCh, errCh, nil
}

func (s *SIF) fileEvent(fsEvent fsnotify.Event) (Event, bool) {
	if !strings.HasSuffix(fsEvent.Name, ".sif") {
		return Event{}, false
	}
	rel, err := filepath.Rel(s.root, fsEvent.Name)
	if err != nil {
		return Event{}, false
	}
	img, err := parseSIFPath(rel)
	if err != nil {
		return Event{}, false
	}
	switch {
	case fsEvent.Has(fsnotify.Create):
		return Event{Image: img, Type: CreateEvent}, true
	case fsEvent.Has(fsnotify.Write):
		return Event{Image: img, Type: UpdateEvent}, true
	case fsEvent.Has(fsnotify.Remove) || fsEvent.Has(fsnotify.Rename):
		return Event{Image: img, Type: DeleteEvent}, true
	default:
		return Event{}, false
	}
}

func (s *SIF) path(img oci.Image) string {
	tag := img.Tag
	if tag == "" {
		tag = img.Digest.Encoded()
	}
	return filepath.Join(s.root, img.Registry, filepath.FromSlash(img.Repository), tag+".sif")
}

func parseSIFPath(rel string) (oci.Image, error) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return oci.Image{}, fmt.Errorf("sif path %s does not follow registry/repository/tag.sif", rel)
	}
	tag := strings.TrimSuffix(parts[len(parts)-1], ".sif")
	return oci.NewImage(parts[0], strings.Join(parts[1:len(parts)-1], "/"), tag, "")
}
