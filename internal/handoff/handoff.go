// Package handoff parses the env-file contract the node bootstrap
// process leaves for the coordinator: deployment prefix, node address,
// optional private registry with credentials, and the bootstrap timing
// checkpoints. Credential decryption happens before the handoff is
// written, the file arrives in plain text.
package handoff

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
)

const (
	prefixKey           = "CASCADE_PREFIX"
	nodeIPKey           = "CASCADE_NODE_IP"
	privateRegistryKey  = "CASCADE_PRIVATE_REGISTRY"
	registryUsernameKey = "CASCADE_REGISTRY_USERNAME"
	registryPasswordKey = "CASCADE_REGISTRY_PASSWORD"
	checkpointPrefix    = "CASCADE_TS_"
)

// Handoff carries what the bootstrap process knows and the coordinator
// cannot discover itself.
type Handoff struct {
	Prefix           string
	NodeIP           string
	PrivateRegistry  string
	RegistryUsername string
	RegistryPassword string
	Checkpoints      []Checkpoint
}

// Checkpoint is a named timestamp recorded by the bootstrap sequence on
// its way to starting the coordinator.
type Checkpoint struct {
	Name string
	Time time.Time
}

// Parse reads a handoff in env-file form. Timing checkpoints are
// CASCADE_TS_<NAME> keys holding epoch seconds and come back sorted by
// time.
func Parse(r io.Reader) (Handoff, error) {
	env, err := godotenv.Parse(r)
	if err != nil {
		return Handoff{}, err
	}
	h := Handoff{
		Prefix:           env[prefixKey],
		NodeIP:           env[nodeIPKey],
		PrivateRegistry:  env[privateRegistryKey],
		RegistryUsername: env[registryUsernameKey],
		RegistryPassword: env[registryPasswordKey],
	}
	for key, value := range env {
		if !strings.HasPrefix(key, checkpointPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, checkpointPrefix)
		if name == "" {
			return Handoff{}, fmt.Errorf("timing checkpoint key %s needs a name", key)
		}
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Handoff{}, fmt.Errorf("timing checkpoint %s is not epoch seconds: %w", key, err)
		}
		h.Checkpoints = append(h.Checkpoints, Checkpoint{
			Name: name,
			Time: time.Unix(secs, 0).UTC(),
		})
	}
	slices.SortFunc(h.Checkpoints, func(a, b Checkpoint) int {
		if c := a.Time.Compare(b.Time); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return h, nil
}

// Load reads the handoff file at path.
func Load(fs afero.Fs, path string) (Handoff, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Handoff{}, fmt.Errorf("could not open handoff file: %w", err)
	}
	defer f.Close()
	h, err := Parse(f)
	if err != nil {
		return Handoff{}, fmt.Errorf("could not parse handoff file %s: %w", path, err)
	}
	return h, nil
}

// HasCredentials reports whether the bootstrap handed over registry
// credentials.
func (h Handoff) HasCredentials() bool {
	return h.RegistryUsername != "" && h.RegistryPassword != ""
}

// LogValues returns the handoff as logger key/value pairs, with the
// password withheld.
func (h Handoff) LogValues() []any {
	vals := []any{"prefix", h.Prefix, "nodeIP", h.NodeIP}
	if h.PrivateRegistry != "" {
		vals = append(vals, "privateRegistry", h.PrivateRegistry)
	}
	if h.HasCredentials() {
		vals = append(vals, "registryUsername", h.RegistryUsername)
	}
	for _, cp := range h.Checkpoints {
		vals = append(vals, "ts_"+strings.ToLower(cp.Name), cp.Time.Format(time.RFC3339))
	}
	return vals
}
