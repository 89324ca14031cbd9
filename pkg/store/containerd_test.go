package store

import (
	"path/filepath"
	"testing"

	"github.com/containerd/containerd/v2/core/images"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

func TestTransferableMediaType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mediaType string
		expected  bool
	}{
		{mediaType: ocispec.MediaTypeImageManifest, expected: true},
		{mediaType: ocispec.MediaTypeImageIndex, expected: true},
		{mediaType: images.MediaTypeDockerSchema2Manifest, expected: true},
		{mediaType: images.MediaTypeDockerSchema2ManifestList, expected: true},
		{mediaType: "application/vnd.in-toto+json", expected: false},
		{mediaType: "", expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.expected, transferableMediaType(tt.mediaType))
		})
	}
}

func TestVerifyConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc        string
		config      string
		expectedErr string
	}{
		{
			desc:   "empty configuration keeps layers",
			config: ``,
		},
		{
			desc: "v1 cri plugin keeping layers",
			config: `version = 2
[plugins."io.containerd.grpc.v1.cri".containerd]
discard_unpacked_layers = false`,
		},
		{
			desc: "v1 cri plugin discarding layers",
			config: `version = 2
[plugins."io.containerd.grpc.v1.cri".containerd]
discard_unpacked_layers = true`,
			expectedErr: "discard unpacked layers cannot be enabled",
		},
		{
			desc: "v2 image plugin discarding layers",
			config: `version = 3
[plugins."io.containerd.cri.v1.images"]
discard_unpacked_layers = true`,
			expectedErr: "discard unpacked layers cannot be enabled",
		},
		{
			desc:        "invalid toml",
			config:      `[[[`,
			expectedErr: "could not parse containerd configuration",
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()

			err := VerifyConfig([]byte(tt.config))
			if tt.expectedErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.expectedErr)
		})
	}
}

func TestVerifyStatusResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc        string
		info        map[string]string
		expectedErr string
	}{
		{
			desc: "layers are kept",
			info: map[string]string{
				"config": `{"containerd": {"discardUnpackedLayers": false}}`,
			},
		},
		{
			desc: "layers are discarded",
			info: map[string]string{
				"config": `{"containerd": {"discardUnpackedLayers": true}}`,
			},
			expectedErr: "discard unpacked layers cannot be enabled",
		},
		{
			desc: "missing config falls back to the configuration file",
			info: map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()

			c := &Containerd{configPath: filepath.Join(t.TempDir(), "config.toml")}
			resp := &runtimeapi.StatusResponse{Info: tt.info}
			err := c.verifyStatusResponse(resp)
			if tt.expectedErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.expectedErr)
		})
	}
}
