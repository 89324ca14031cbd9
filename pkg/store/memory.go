package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"cascade/pkg/oci"
)

var _ Store = &Memory{}

// Memory is an in process store used in tests and as a reference for the
// store contract.
type Memory struct {
	mx        sync.RWMutex
	images    map[string]oci.Image
	artifacts map[string][]byte
	subs      []chan Event
}

func NewMemory() *Memory {
	return &Memory{
		images:    map[string]oci.Image{},
		artifacts: map[string][]byte{},
	}
}

func (m *Memory) Name() string {
	return "memory"
}

func (m *Memory) Verify(ctx context.Context) error {
	return nil
}

func (m *Memory) Present(ctx context.Context, img oci.Image) (bool, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	_, ok := m.images[img.Key()]
	return ok, nil
}

func (m *Memory) Import(ctx context.Context, img oci.Image, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mx.Lock()
	_, existed := m.images[img.Key()]
	m.images[img.Key()] = img
	m.artifacts[img.Key()] = b
	m.mx.Unlock()

	eventType := CreateEvent
	if existed {
		eventType = UpdateEvent
	}
	m.notify(Event{Image: img, Type: eventType})
	return nil
}

func (m *Memory) Export(ctx context.Context, img oci.Image, w io.Writer) error {
	m.mx.RLock()
	b, ok := m.artifacts[img.Key()]
	m.mx.RUnlock()
	if !ok {
		return errors.Join(ErrNotFound, fmt.Errorf("artifact for image %s not found", img.String()))
	}
	_, err := io.Copy(w, bytes.NewReader(b))
	return err
}

func (m *Memory) List(ctx context.Context) ([]oci.Image, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	imgs := make([]oci.Image, 0, len(m.images))
	for _, img := range m.images {
		imgs = append(imgs, img)
	}
	return imgs, nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan Event, <-chan error, error) {
	eventCh := make(chan Event, 16)
	m.mx.Lock()
	m.subs = append(m.subs, eventCh)
	m.mx.Unlock()
	return eventCh, make(chan error), nil
}

// AddImage registers an image together with its exported artifact content
// without emitting an event, mirroring state that existed before startup.
func (m *Memory) AddImage(img oci.Image, artifact []byte) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.images[img.Key()] = img
	m.artifacts[img.Key()] = artifact
}

func (m *Memory) Delete(img oci.Image) {
	m.mx.Lock()
	delete(m.images, img.Key())
	delete(m.artifacts, img.Key())
	m.mx.Unlock()

	m.notify(Event{Image: img, Type: DeleteEvent})
}

func (m *Memory) notify(event Event) {
	m.mx.RLock()
	subs := append([]chan Event{}, m.subs...)
	m.mx.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			// Slow subscribers miss events instead of blocking importers.
		}
	}
}
