package swarm

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"cascade/pkg/oci"
)

func testImage(t *testing.T) oci.Image {
	t.Helper()
	img, err := oci.Parse("docker.io/library/ubuntu:24.04")
	require.NoError(t, err)
	return img
}

func testContent(t *testing.T, size int) []byte {
	t.Helper()
	b := make([]byte, size)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestDeriveDescriptor(t *testing.T) {
	t.Parallel()

	img := testImage(t)
	content := testContent(t, 4*64+13)
	desc, err := DeriveDescriptor(img, bytes.NewReader(content), 64, false)
	require.NoError(t, err)
	require.NoError(t, desc.Validate())
	require.Equal(t, img.Key(), desc.Image)
	require.EqualValues(t, 64, desc.PieceSize)
	require.EqualValues(t, len(content), desc.TotalSize)
	require.Equal(t, 5, desc.NumPieces())
	require.EqualValues(t, 64, desc.PieceLength(0))
	require.EqualValues(t, 13, desc.PieceLength(4))

	// Independently derived descriptors agree on everything except the
	// creation time.
	other, err := DeriveDescriptor(img, bytes.NewReader(content), 64, false)
	require.NoError(t, err)
	require.True(t, desc.Equivalent(other))

	exact, err := DeriveDescriptor(img, bytes.NewReader(content[:128]), 64, false)
	require.NoError(t, err)
	require.Equal(t, 2, exact.NumPieces())
	require.EqualValues(t, 64, exact.PieceLength(1))
	require.False(t, desc.Equivalent(exact))
}

func TestDeriveDescriptorErrors(t *testing.T) {
	t.Parallel()

	img := testImage(t)
	_, err := DeriveDescriptor(img, bytes.NewReader([]byte("content")), 0, false)
	require.Error(t, err)
	_, err = DeriveDescriptor(img, bytes.NewReader(nil), 64, false)
	require.Error(t, err)
}

func TestDescriptorValidate(t *testing.T) {
	t.Parallel()

	img := testImage(t)
	desc, err := DeriveDescriptor(img, bytes.NewReader(testContent(t, 200)), 64, false)
	require.NoError(t, err)

	tampered := desc
	tampered.TotalSize = 300
	require.Error(t, tampered.Validate())

	tampered = desc
	tampered.Pieces = tampered.Pieces[:2]
	require.Error(t, tampered.Validate())

	tampered = desc
	tampered.Compressed = true
	require.Error(t, tampered.Validate())

	tampered = desc
	tampered.Image = ""
	require.Error(t, tampered.Validate())
}

func TestParseDescriptor(t *testing.T) {
	t.Parallel()

	img := testImage(t)
	desc, err := DeriveDescriptor(img, bytes.NewReader(testContent(t, 200)), 64, true)
	require.NoError(t, err)

	b, err := desc.Marshal()
	require.NoError(t, err)
	parsed, err := ParseDescriptor(b)
	require.NoError(t, err)
	require.True(t, desc.Equivalent(parsed))

	_, err = ParseDescriptor([]byte("not json"))
	require.Error(t, err)
	_, err = ParseDescriptor([]byte(`{"image":"library/ubuntu:24.04"}`))
	require.Error(t, err)
}
