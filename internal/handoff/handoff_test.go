package handoff

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	content := `# written by the bootstrap sequence
CASCADE_PREFIX=deploy-1
CASCADE_NODE_IP=10.0.0.7
CASCADE_PRIVATE_REGISTRY=10.0.0.3:5000
CASCADE_REGISTRY_USERNAME=cascade
CASCADE_REGISTRY_PASSWORD="s3cret"
CASCADE_TS_IMAGES_REQUESTED=1700000060
CASCADE_TS_BOOT=1700000000
CASCADE_TS_CREDENTIALS_READY=1700000030
`
	h, err := Parse(strings.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, "deploy-1", h.Prefix)
	require.Equal(t, "10.0.0.7", h.NodeIP)
	require.Equal(t, "10.0.0.3:5000", h.PrivateRegistry)
	require.Equal(t, "cascade", h.RegistryUsername)
	require.Equal(t, "s3cret", h.RegistryPassword)
	require.True(t, h.HasCredentials())

	// Checkpoints come back in time order regardless of file order.
	require.Len(t, h.Checkpoints, 3)
	require.Equal(t, "BOOT", h.Checkpoints[0].Name)
	require.Equal(t, "CREDENTIALS_READY", h.Checkpoints[1].Name)
	require.Equal(t, "IMAGES_REQUESTED", h.Checkpoints[2].Name)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), h.Checkpoints[0].Time)
}

func TestParseRejectsMalformedCheckpoints(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("CASCADE_TS_BOOT=not-a-number\n"))
	require.ErrorContains(t, err, "not epoch seconds")

	_, err = Parse(strings.NewReader("CASCADE_TS_=1700000000\n"))
	require.ErrorContains(t, err, "needs a name")
}

func TestParseMinimal(t *testing.T) {
	t.Parallel()

	h, err := Parse(strings.NewReader("CASCADE_PREFIX=deploy-2\nCASCADE_NODE_IP=10.0.0.9\n"))
	require.NoError(t, err)
	require.Equal(t, "deploy-2", h.Prefix)
	require.Empty(t, h.PrivateRegistry)
	require.False(t, h.HasCredentials())
	require.Empty(t, h.Checkpoints)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	err := afero.WriteFile(fs, "/run/cascade/handoff.env", []byte("CASCADE_PREFIX=deploy-3\n"), 0o600)
	require.NoError(t, err)

	h, err := Load(fs, "/run/cascade/handoff.env")
	require.NoError(t, err)
	require.Equal(t, "deploy-3", h.Prefix)

	_, err = Load(fs, "/run/cascade/missing.env")
	require.ErrorContains(t, err, "could not open handoff file")
}

func TestLogValuesWithholdsPassword(t *testing.T) {
	t.Parallel()

	h := Handoff{
		Prefix:           "deploy-1",
		NodeIP:           "10.0.0.7",
		PrivateRegistry:  "10.0.0.3:5000",
		RegistryUsername: "cascade",
		RegistryPassword: "s3cret",
		Checkpoints:      []Checkpoint{{Name: "BOOT", Time: time.Unix(1700000000, 0).UTC()}},
	}
	vals := h.LogValues()
	require.Contains(t, vals, "registryUsername")
	require.Contains(t, vals, "ts_boot")
	for _, v := range vals {
		s, ok := v.(string)
		if ok {
			require.NotEqual(t, "s3cret", s)
		}
	}
}
