package swarm

import (
	"fmt"
	"sync"
)

// Bitfield tracks which pieces of an artifact are present. It is shared
// between the transfer loop writing pieces and the server handing out the
// current progress to other peers.
type Bitfield struct {
	mx     sync.RWMutex
	bits   []byte
	pieces int
	count  int
}

func NewBitfield(pieces int) *Bitfield {
	return &Bitfield{
		bits:   make([]byte, (pieces+7)/8),
		pieces: pieces,
	}
}

// NewBitfieldFromBytes reconstructs a bitfield received from a peer.
func NewBitfieldFromBytes(b []byte, pieces int) (*Bitfield, error) {
	if len(b) != (pieces+7)/8 {
		return nil, fmt.Errorf("bitfield length %d does not match %d pieces", len(b), pieces)
	}
	bf := &Bitfield{
		bits:   append([]byte{}, b...),
		pieces: pieces,
	}
	for i := range pieces {
		if bf.bits[i/8]&(1<<(i%8)) != 0 {
			bf.count++
		}
	}
	return bf, nil
}

func (bf *Bitfield) Set(i int) {
	bf.mx.Lock()
	defer bf.mx.Unlock()
	if i < 0 || i >= bf.pieces {
		return
	}
	if bf.bits[i/8]&(1<<(i%8)) != 0 {
		return
	}
	bf.bits[i/8] |= 1 << (i % 8)
	bf.count++
}

func (bf *Bitfield) Has(i int) bool {
	bf.mx.RLock()
	defer bf.mx.RUnlock()
	if i < 0 || i >= bf.pieces {
		return false
	}
	return bf.bits[i/8]&(1<<(i%8)) != 0
}

func (bf *Bitfield) Count() int {
	bf.mx.RLock()
	defer bf.mx.RUnlock()
	return bf.count
}

func (bf *Bitfield) Pieces() int {
	return bf.pieces
}

func (bf *Bitfield) Complete() bool {
	bf.mx.RLock()
	defer bf.mx.RUnlock()
	return bf.count == bf.pieces
}

// Bytes returns a copy of the raw bitfield for the wire.
func (bf *Bitfield) Bytes() []byte {
	bf.mx.RLock()
	defer bf.mx.RUnlock()
	return append([]byte{}, bf.bits...)
}

// SetAll marks every piece as present.
func (bf *Bitfield) SetAll() {
	bf.mx.Lock()
	defer bf.mx.Unlock()
	for i := range bf.bits {
		bf.bits[i] = 0xff
	}
	if rem := bf.pieces % 8; rem != 0 {
		bf.bits[len(bf.bits)-1] = 1<<rem - 1
	}
	bf.count = bf.pieces
}
