package oci

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Image identifies a container image within a deployment. Two images are
// considered the same when repository and tag match; the digest pins exact
// content when it is known.
type Image struct {
	Registry   string
	Repository string
	Tag        string
	Digest     digest.Digest
}

func NewImage(registry, repository, tag string, dgst digest.Digest) (Image, error) {
	if registry == "" {
		return Image{}, errors.New("image needs to contain a registry")
	}
	if repository == "" {
		return Image{}, errors.New("image needs to contain a repository")
	}
	if tag == "" && dgst == "" {
		return Image{}, errors.New("image needs to contain a tag or digest")
	}
	if dgst != "" {
		err := dgst.Validate()
		if err != nil {
			return Image{}, fmt.Errorf("invalid digest in image reference: %w", err)
		}
	}
	return Image{
		Registry:   registry,
		Repository: repository,
		Tag:        tag,
		Digest:     dgst,
	}, nil
}

// Parse parses an image reference of the form registry/repository[:tag][@digest].
// A reference with neither tag nor digest defaults to the latest tag.
func Parse(s string) (Image, error) {
	if strings.Contains(s, "://") {
		return Image{}, fmt.Errorf("invalid image reference %s should not contain a scheme", s)
	}
	u, err := url.Parse("dummy://" + s)
	if err != nil {
		return Image{}, err
	}
	if u.Host == "" {
		return Image{}, fmt.Errorf("image reference %s is missing a registry host", s)
	}
	object := u.Path
	dgst := digest.Digest("")
	if idx := strings.IndexRune(object, '@'); idx != -1 {
		dgst = digest.Digest(object[idx+1:])
		object = object[:idx]
	}
	tag := ""
	if idx := strings.IndexRune(object, ':'); idx != -1 {
		tag = object[idx+1:]
		object = object[:idx]
	}
	if tag == "" && dgst == "" {
		tag = "latest"
	}
	repository := strings.TrimPrefix(object, "/")
	if repository == "" {
		return Image{}, fmt.Errorf("image reference %s is missing a repository", s)
	}
	return NewImage(u.Host, repository, tag, dgst)
}

// ParseList parses a list of image references, failing on the first invalid
// reference so configuration errors surface before any work starts.
func ParseList(ss []string) ([]Image, error) {
	imgs := make([]Image, 0, len(ss))
	for _, s := range ss {
		img, err := Parse(s)
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, img)
	}
	return imgs, nil
}

func (i Image) String() string {
	s := i.Registry + "/" + i.Repository
	if i.Tag != "" {
		s += ":" + i.Tag
	}
	if i.Digest != "" {
		s += "@" + i.Digest.String()
	}
	return s
}

// Key returns the rendezvous key for the image. Registries are excluded so
// that the same repository and tag pulled through different hosts still meet
// in the same swarm.
func (i Image) Key() string {
	if i.Tag == "" {
		return fmt.Sprintf("%s@%s", i.Repository, i.Digest.String())
	}
	return fmt.Sprintf("%s:%s", i.Repository, i.Tag)
}

// TagName returns the fully qualified tagged reference. The second return
// value is false for digest only references.
func (i Image) TagName() (string, bool) {
	if i.Tag == "" {
		return "", false
	}
	return fmt.Sprintf("%s/%s:%s", i.Registry, i.Repository, i.Tag), true
}

func (i Image) IsLatestTag() bool {
	return i.Tag == "latest"
}

// WithRegistry returns a copy of the image that resolves through a different
// registry host, used when pulls are redirected to a private registry.
func (i Image) WithRegistry(registry string) Image {
	i.Registry = registry
	return i
}
