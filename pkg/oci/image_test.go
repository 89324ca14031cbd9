package oci

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc     string
		ref      string
		expected Image
	}{
		{
			desc: "tagged reference",
			ref:  "ghcr.io/example/app:v1.2.3",
			expected: Image{
				Registry:   "ghcr.io",
				Repository: "example/app",
				Tag:        "v1.2.3",
			},
		},
		{
			desc: "digest reference",
			ref:  "ghcr.io/example/app@sha256:e2db0e6787216c5abfc42ea8ec82812e41782f3bc6e3b5221d5ef9c800e6c507",
			expected: Image{
				Registry:   "ghcr.io",
				Repository: "example/app",
				Digest:     digest.Digest("sha256:e2db0e6787216c5abfc42ea8ec82812e41782f3bc6e3b5221d5ef9c800e6c507"),
			},
		},
		{
			desc: "tag and digest reference",
			ref:  "ghcr.io/example/app:v1@sha256:e2db0e6787216c5abfc42ea8ec82812e41782f3bc6e3b5221d5ef9c800e6c507",
			expected: Image{
				Registry:   "ghcr.io",
				Repository: "example/app",
				Tag:        "v1",
				Digest:     digest.Digest("sha256:e2db0e6787216c5abfc42ea8ec82812e41782f3bc6e3b5221d5ef9c800e6c507"),
			},
		},
		{
			desc: "missing tag defaults to latest",
			ref:  "docker.io/library/ubuntu",
			expected: Image{
				Registry:   "docker.io",
				Repository: "library/ubuntu",
				Tag:        "latest",
			},
		},
		{
			desc: "registry with port",
			ref:  "localhost:5000/base/runtime:22.04",
			expected: Image{
				Registry:   "localhost:5000",
				Repository: "base/runtime",
				Tag:        "22.04",
			},
		},
		{
			desc: "deeply nested repository",
			ref:  "registry.example.com/team/project/component:nightly",
			expected: Image{
				Registry:   "registry.example.com",
				Repository: "team/project/component",
				Tag:        "nightly",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()

			img, err := Parse(tt.ref)
			require.NoError(t, err)
			require.Equal(t, tt.expected, img)
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc string
		ref  string
	}{
		{
			desc: "scheme is not allowed",
			ref:  "https://ghcr.io/example/app:v1",
		},
		{
			desc: "missing registry host",
			ref:  "/example/app:v1",
		},
		{
			desc: "missing repository",
			ref:  "ghcr.io",
		},
		{
			desc: "invalid digest",
			ref:  "ghcr.io/example/app@sha256:notadigest",
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tt.ref)
			require.Error(t, err)
		})
	}
}

func TestImageString(t *testing.T) {
	t.Parallel()

	refs := []string{
		"ghcr.io/example/app:v1.2.3",
		"ghcr.io/example/app@sha256:e2db0e6787216c5abfc42ea8ec82812e41782f3bc6e3b5221d5ef9c800e6c507",
		"localhost:5000/base/runtime:22.04",
	}
	for _, ref := range refs {
		img, err := Parse(ref)
		require.NoError(t, err)
		require.Equal(t, ref, img.String())
	}
}

func TestImageKey(t *testing.T) {
	t.Parallel()

	first, err := Parse("ghcr.io/example/app:v1")
	require.NoError(t, err)
	second, err := Parse("private.example.com:5000/example/app:v1")
	require.NoError(t, err)
	require.Equal(t, first.Key(), second.Key())
	require.Equal(t, "example/app:v1", first.Key())

	dgstOnly, err := Parse("ghcr.io/example/app@sha256:e2db0e6787216c5abfc42ea8ec82812e41782f3bc6e3b5221d5ef9c800e6c507")
	require.NoError(t, err)
	require.Equal(t, "example/app@sha256:e2db0e6787216c5abfc42ea8ec82812e41782f3bc6e3b5221d5ef9c800e6c507", dgstOnly.Key())
}

func TestImageTagName(t *testing.T) {
	t.Parallel()

	img, err := Parse("ghcr.io/example/app:v1")
	require.NoError(t, err)
	tagName, ok := img.TagName()
	require.True(t, ok)
	require.Equal(t, "ghcr.io/example/app:v1", tagName)

	dgstOnly, err := Parse("ghcr.io/example/app@sha256:e2db0e6787216c5abfc42ea8ec82812e41782f3bc6e3b5221d5ef9c800e6c507")
	require.NoError(t, err)
	_, ok = dgstOnly.TagName()
	require.False(t, ok)
}

func TestImageIsLatestTag(t *testing.T) {
	t.Parallel()

	img, err := Parse("ghcr.io/example/app")
	require.NoError(t, err)
	require.True(t, img.IsLatestTag())

	img, err = Parse("ghcr.io/example/app:v1")
	require.NoError(t, err)
	require.False(t, img.IsLatestTag())
}

func TestImageWithRegistry(t *testing.T) {
	t.Parallel()

	img, err := Parse("ghcr.io/example/app:v1")
	require.NoError(t, err)
	rewritten := img.WithRegistry("10.0.0.5:5000")
	require.Equal(t, "10.0.0.5:5000/example/app:v1", rewritten.String())
	require.Equal(t, "ghcr.io", img.Registry)
	require.Equal(t, img.Key(), rewritten.Key())
}

func TestParseList(t *testing.T) {
	t.Parallel()

	imgs, err := ParseList([]string{"ghcr.io/example/app:v1", "ghcr.io/example/base:v2"})
	require.NoError(t, err)
	require.Len(t, imgs, 2)

	_, err = ParseList([]string{"ghcr.io/example/app:v1", "://bad"})
	require.Error(t, err)
}
