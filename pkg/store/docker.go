package store

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/go-logr/logr"

	"cascade/pkg/oci"
)

var _ Store = &Docker{}

// Docker adapts the Docker daemon as an image store. The client is
// configured from the environment so DOCKER_HOST overrides apply.
type Docker struct {
	client *client.Client
}

func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &Docker{client: cli}, nil
}

func (d *Docker) Name() string {
	return "docker"
}

func (d *Docker) Verify(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("could not reach docker daemon: %w", err)
	}
	return nil
}

func (d *Docker) Present(ctx context.Context, img oci.Image) (bool, error) {
	listFilters := filters.NewArgs(filters.Arg("reference", dockerRef(img)))
	summaries, err := d.client.ImageList(ctx, image.ListOptions{Filters: listFilters})
	if err != nil {
		return false, err
	}
	return len(summaries) > 0, nil
}

func (d *Docker) Import(ctx context.Context, img oci.Image, r io.Reader) error {
	resp, err := d.client.ImageLoad(ctx, r, client.ImageLoadWithQuiet(true))
	if err != nil {
		return fmt.Errorf("could not load image %s: %w", img.String(), err)
	}
	defer resp.Body.Close()
	// The load is complete only once the response body has been consumed.
	_, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return err
	}
	return nil
}

func (d *Docker) Export(ctx context.Context, img oci.Image, w io.Writer) error {
	rc, err := d.client.ImageSave(ctx, []string{dockerRef(img)})
	if err != nil {
		return fmt.Errorf("could not save image %s: %w", img.String(), err)
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

func (d *Docker) List(ctx context.Context) ([]oci.Image, error) {
	summaries, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, err
	}
	imgs := []oci.Image{}
	for _, summary := range summaries {
		for _, tag := range summary.RepoTags {
			if strings.HasPrefix(tag, "<none>") {
				continue
			}
			img, err := parseDockerRef(tag)
			if err != nil {
				continue
			}
			imgs = append(imgs, img)
		}
	}
	return imgs, nil
}

func (d *Docker) Subscribe(ctx context.Context) (<-chan Event, <-chan error, error) {
	log := logr.FromContextOrDiscard(ctx).WithName("docker")
	eventFilters := filters.NewArgs(filters.Arg("type", "image"))
	msgCh, msgErrCh := d.client.Events(ctx, events.ListOptions{Filters: eventFilters})

	eventCh := make(chan Event)
	errCh := make(chan error)
	go func() {
		defer close(eventCh)
		defer close(errCh)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				event, ok := dockerEvent(msg)
				if !ok {
					log.V(4).Info("skipping docker event", "action", string(msg.Action), "actor", msg.Actor.ID)
					continue
				}
				eventCh <- event
			case err, ok := <-msgErrCh:
				if !ok {
					return
				}
				errCh <- err
			}
		}
	}()
	return eventCh, errCh, nil
}

func dockerEvent(msg events.Message) (Event, bool) {
	eventType := EventType("")
	switch msg.Action {
	case "pull", "load", "import", "tag":
		eventType = CreateEvent
	case "untag", "delete":
		eventType = DeleteEvent
	default:
		return Event{}, false
	}
	img, err := parseDockerRef(msg.Actor.ID)
	if err != nil {
		img, err = parseDockerRef(msg.Actor.Attributes["name"])
		if err != nil {
			return Event{}, false
		}
	}
	return Event{Image: img, Type: eventType}, true
}

// dockerRef renders the reference the way the daemon stores it, without the
// implicit registry host and library namespace.
func dockerRef(img oci.Image) string {
	name := img.Repository
	if img.Registry == "docker.io" || img.Registry == "" {
		name = strings.TrimPrefix(name, "library/")
	} else {
		name = img.Registry + "/" + name
	}
	if img.Tag != "" {
		return name + ":" + img.Tag
	}
	return name + "@" + img.Digest.String()
}

// parseDockerRef parses a reference as displayed by the daemon, adding back
// the implicit registry host and library namespace.
func parseDockerRef(s string) (oci.Image, error) {
	if s == "" {
		return oci.Image{}, fmt.Errorf("empty image reference")
	}
	if strings.HasPrefix(s, "sha256:") {
		return oci.Image{}, fmt.Errorf("image id %s is not a reference", s)
	}
	name := s
	hasDomain := false
	if idx := strings.IndexRune(name, '/'); idx != -1 {
		domain := name[:idx]
		if strings.ContainsAny(domain, ".:") || domain == "localhost" {
			hasDomain = true
		}
	}
	if !hasDomain {
		if !strings.Contains(name, "/") {
			name = "library/" + name
		}
		name = "docker.io/" + name
	}
	return oci.Parse(name)
}
