package swarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"

	"cascade/pkg/oci"
)

const DefaultPieceSize = 4 * 1024 * 1024

// Descriptor defines the pieces making up an image artifact. It is derived
// deterministically from the artifact content by the first seeder and
// published to the rendezvous channel, every other node verifies received
// pieces against it. The creation time is the only node specific field and
// is excluded from equivalence checks.
type Descriptor struct {
	Image      string          `json:"image"`
	InfoHash   digest.Digest   `json:"infoHash"`
	PieceSize  int64           `json:"pieceSize"`
	TotalSize  int64           `json:"totalSize"`
	Pieces     []digest.Digest `json:"pieces"`
	Compressed bool            `json:"compressed"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// DeriveDescriptor reads the artifact and computes its piece digests.
func DeriveDescriptor(img oci.Image, r io.Reader, pieceSize int64, compressed bool) (Descriptor, error) {
	if pieceSize <= 0 {
		return Descriptor{}, errors.New("piece size has to be larger than zero")
	}
	pieces := []digest.Digest{}
	totalSize := int64(0)
	buf := make([]byte, pieceSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			pieces = append(pieces, digest.FromBytes(buf[:n]))
			totalSize += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return Descriptor{}, err
		}
	}
	if totalSize == 0 {
		return Descriptor{}, fmt.Errorf("artifact for image %s is empty", img.String())
	}
	desc := Descriptor{
		Image:      img.Key(),
		PieceSize:  pieceSize,
		TotalSize:  totalSize,
		Pieces:     pieces,
		Compressed: compressed,
		CreatedAt:  time.Now().UTC(),
	}
	desc.InfoHash = desc.computeInfoHash()
	return desc, nil
}

func (d Descriptor) computeInfoHash() digest.Digest {
	digester := digest.Canonical.Digester()
	fmt.Fprintf(digester.Hash(), "%s\n%d\n%d\n%t\n", d.Image, d.PieceSize, d.TotalSize, d.Compressed)
	for _, piece := range d.Pieces {
		fmt.Fprintln(digester.Hash(), piece.String())
	}
	return digester.Digest()
}

func (d Descriptor) Validate() error {
	if d.Image == "" {
		return errors.New("descriptor is missing an image")
	}
	if d.PieceSize <= 0 {
		return errors.New("descriptor piece size has to be larger than zero")
	}
	if d.TotalSize <= 0 {
		return errors.New("descriptor total size has to be larger than zero")
	}
	expectedPieces := int((d.TotalSize + d.PieceSize - 1) / d.PieceSize)
	if len(d.Pieces) != expectedPieces {
		return fmt.Errorf("descriptor has %d pieces but size requires %d", len(d.Pieces), expectedPieces)
	}
	if d.InfoHash != d.computeInfoHash() {
		return errors.New("descriptor info hash does not match content")
	}
	return nil
}

func (d Descriptor) NumPieces() int {
	return len(d.Pieces)
}

// PieceLength returns the byte length of the piece at the index, only the
// last piece may be shorter than the piece size.
func (d Descriptor) PieceLength(i int) int64 {
	if i < 0 || i >= len(d.Pieces) {
		return 0
	}
	if i == len(d.Pieces)-1 {
		if rem := d.TotalSize % d.PieceSize; rem != 0 {
			return rem
		}
	}
	return d.PieceSize
}

// Equivalent reports whether two independently derived descriptors define
// the same artifact, ignoring the creation time.
func (d Descriptor) Equivalent(other Descriptor) bool {
	return d.Image == other.Image &&
		d.InfoHash == other.InfoHash &&
		d.PieceSize == other.PieceSize &&
		d.TotalSize == other.TotalSize &&
		d.Compressed == other.Compressed &&
		slices.Equal(d.Pieces, other.Pieces)
}

func (d Descriptor) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

func ParseDescriptor(b []byte) (Descriptor, error) {
	desc := Descriptor{}
	err := json.Unmarshal(b, &desc)
	if err != nil {
		return Descriptor{}, err
	}
	err = desc.Validate()
	if err != nil {
		return Descriptor{}, err
	}
	return desc, nil
}
