package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	eventtypes "github.com/containerd/containerd/api/events"
	"github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	typeurl "github.com/containerd/typeurl/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pelletier/go-toml/v2"
	"google.golang.org/grpc"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"

	"cascade/pkg/oci"
)

var _ Store = &Containerd{}

type ContainerdConfig struct {
	ConfigPath string
}

func (cfg *ContainerdConfig) Apply(opts ...ContainerdOption) error {
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

type ContainerdOption func(cfg *ContainerdConfig) error

// WithConfigPath overrides the path of the containerd configuration file
// read when the CRI status endpoint does not expose the merged config.
func WithConfigPath(path string) ContainerdOption {
	return func(cfg *ContainerdConfig) error {
		cfg.ConfigPath = path
		return nil
	}
}

type Containerd struct {
	client     *client.Client
	configPath string
}

func NewContainerd(sock, namespace string, opts ...ContainerdOption) (*Containerd, error) {
	cfg := ContainerdConfig{
		ConfigPath: "/etc/containerd/config.toml",
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	cl, err := client.New(sock, client.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("could not create containerd client: %w", err)
	}
	return &Containerd{
		client:     cl,
		configPath: cfg.ConfigPath,
	}, nil
}

func (c *Containerd) Name() string {
	return "containerd"
}

func (c *Containerd) Verify(ctx context.Context) error {
	ok, err := c.client.IsServing(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("could not reach containerd service")
	}
	grpcConn, ok := c.client.Conn().(*grpc.ClientConn)
	if !ok {
		return errors.New("client connection is not grpc")
	}
	srv := runtimeapi.NewRuntimeServiceClient(grpcConn)
	resp, err := srv.Status(ctx, &runtimeapi.StatusRequest{Verbose: true})
	if err != nil {
		return err
	}
	return c.verifyStatusResponse(resp)
}

func (c *Containerd) verifyStatusResponse(resp *runtimeapi.StatusResponse) error {
	str, ok := resp.Info["config"]
	if !ok {
		// Older containerd versions do not expose the merged configuration
		// through the CRI status endpoint, read the file instead.
		return verifyConfigFile(c.configPath)
	}
	cfg := &struct {
		Containerd struct {
			DiscardUnpackedLayers bool `json:"discardUnpackedLayers"`
		} `json:"containerd"`
	}{}
	err := json.Unmarshal([]byte(str), cfg)
	if err != nil {
		return err
	}
	if cfg.Containerd.DiscardUnpackedLayers {
		return errors.New("discard unpacked layers cannot be enabled when image content is shared with peers")
	}
	return nil
}

func verifyConfigFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file means default configuration which keeps layers.
			return nil
		}
		return err
	}
	return VerifyConfig(b)
}

// VerifyConfig checks a containerd configuration for settings that would
// remove the layer content needed to export images to peers.
func VerifyConfig(b []byte) error {
	cfg := struct {
		Plugins struct {
			CRI struct {
				Containerd struct {
					DiscardUnpackedLayers bool `toml:"discard_unpacked_layers"`
				} `toml:"containerd"`
			} `toml:"io.containerd.grpc.v1.cri"`
			Images struct {
				DiscardUnpackedLayers bool `toml:"discard_unpacked_layers"`
			} `toml:"io.containerd.cri.v1.images"`
		} `toml:"plugins"`
	}{}
	err := toml.Unmarshal(b, &cfg)
	if err != nil {
		return fmt.Errorf("could not parse containerd configuration: %w", err)
	}
	if cfg.Plugins.CRI.Containerd.DiscardUnpackedLayers || cfg.Plugins.Images.DiscardUnpackedLayers {
		return errors.New("discard unpacked layers cannot be enabled when image content is shared with peers")
	}
	return nil
}

func (c *Containerd) Present(ctx context.Context, img oci.Image) (bool, error) {
	_, err := c.client.ImageService().Get(ctx, img.String())
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Containerd) Import(ctx context.Context, img oci.Image, r io.Reader) error {
	imgs, err := c.client.Import(ctx, r)
	if err != nil {
		return fmt.Errorf("could not import image %s: %w", img.String(), err)
	}
	for _, i := range imgs {
		imported := client.NewImage(c.client, i)
		err = imported.Unpack(ctx, "")
		if err != nil {
			return fmt.Errorf("could not unpack image %s: %w", i.Name, err)
		}
	}
	return nil
}

func (c *Containerd) Export(ctx context.Context, img oci.Image, w io.Writer) error {
	err := c.client.Export(ctx, w,
		archive.WithImage(c.client.ImageService(), img.String()),
		archive.WithPlatform(platforms.DefaultStrict()),
	)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return errors.Join(ErrNotFound, err)
		}
		return fmt.Errorf("could not export image %s: %w", img.String(), err)
	}
	return nil
}

func (c *Containerd) List(ctx context.Context) ([]oci.Image, error) {
	imageList, err := c.client.ImageService().List(ctx)
	if err != nil {
		return nil, err
	}
	imgs := []oci.Image{}
	for _, cImg := range imageList {
		if !transferableMediaType(cImg.Target.MediaType) {
			// The image service also holds artifacts like attestation
			// manifests which cannot be exported as image archives.
			continue
		}
		img, err := oci.Parse(cImg.Name)
		if err != nil {
			// Skip references that are not pullable names, such as
			// digest labels created during imports.
			continue
		}
		imgs = append(imgs, img)
	}
	return imgs, nil
}

func transferableMediaType(mediaType string) bool {
	switch mediaType {
	case ocispec.MediaTypeImageManifest, ocispec.MediaTypeImageIndex,
		images.MediaTypeDockerSchema2Manifest, images.MediaTypeDockerSchema2ManifestList:
		return true
	default:
		return false
	}
}

func (c *Containerd) Subscribe(ctx context.Context) (<-chan Event, <-chan error, error) {
	eventCh := make(chan Event)
	errCh := make(chan error)
	envelopeCh, cErrCh := c.client.EventService().Subscribe(ctx, `topic~="/images/create|/images/update|/images/delete"`)
	go func() {
		defer close(eventCh)
		defer close(errCh)
		for {
			select {
			case <-ctx.Done():
				return
			case envelope, ok := <-envelopeCh:
				if !ok {
					return
				}
				event, err := typeurl.UnmarshalAny(envelope.Event)
				if err != nil {
					errCh <- err
					continue
				}
				name := ""
				eventType := EventType("")
				switch e := event.(type) {
				case *eventtypes.ImageCreate:
					name = e.Name
					eventType = CreateEvent
				case *eventtypes.ImageUpdate:
					name = e.Name
					eventType = UpdateEvent
				case *eventtypes.ImageDelete:
					name = e.Name
					eventType = DeleteEvent
				default:
					continue
				}
				img, err := oci.Parse(name)
				if err != nil {
					continue
				}
				eventCh <- Event{Image: img, Type: eventType}
			case err, ok := <-cErrCh:
				if !ok {
					return
				}
				errCh <- err
			}
		}
	}()
	return eventCh, errCh, nil
}
