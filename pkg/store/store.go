package store

import (
	"context"
	"errors"
	"io"

	"cascade/pkg/oci"
)

var ErrNotFound = errors.New("content not found")

type EventType string

const (
	CreateEvent EventType = "CREATE"
	UpdateEvent EventType = "UPDATE"
	DeleteEvent EventType = "DELETE"
)

type Event struct {
	Image oci.Image
	Type  EventType
}

// Store adapts a node local image runtime so that images can be checked,
// imported from and exported to tar archives, and observed for changes.
// Implementations are expected to be safe for concurrent use.
type Store interface {
	// Name returns the name of the store implementation.
	Name() string
	// Verify checks that the runtime is reachable and configured in a way
	// that allows imported content to be served to other peers.
	Verify(ctx context.Context) error
	// Present returns true when the image is available in the runtime.
	Present(ctx context.Context, img oci.Image) (bool, error)
	// Import reads a tar archive and registers the image in the runtime.
	Import(ctx context.Context, img oci.Image, r io.Reader) error
	// Export writes the image as a tar archive.
	Export(ctx context.Context, img oci.Image, w io.Writer) error
	// List returns all images currently available in the runtime.
	List(ctx context.Context) ([]oci.Image, error)
	// Subscribe emits an event for every image change until the context is
	// cancelled.
	Subscribe(ctx context.Context) (<-chan Event, <-chan error, error)
}
