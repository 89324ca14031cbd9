package swarm

import (
	"math/rand/v2"
	"sync"
)

// picker selects the next piece to request from a peer. Pieces held by the
// fewest connected peers are requested first so that rare pieces replicate
// before common ones, ties are broken randomly to spread load between
// peers holding the same pieces.
type picker struct {
	mx           sync.Mutex
	have         *Bitfield
	availability []int
	claimed      []bool
}

func newPicker(have *Bitfield) *picker {
	return &picker{
		have:         have,
		availability: make([]int, have.Pieces()),
		claimed:      make([]bool, have.Pieces()),
	}
}

// addPeer counts the pieces announced by a newly connected peer.
func (p *picker) addPeer(peerHas *Bitfield) {
	p.mx.Lock()
	defer p.mx.Unlock()
	for i := range p.availability {
		if peerHas.Has(i) {
			p.availability[i]++
		}
	}
}

func (p *picker) removePeer(peerHas *Bitfield) {
	p.mx.Lock()
	defer p.mx.Unlock()
	for i := range p.availability {
		if peerHas.Has(i) && p.availability[i] > 0 {
			p.availability[i]--
		}
	}
}

// next claims the rarest missing piece offered by the peer. The claim
// keeps other transfer workers off the piece until it is either stored or
// released.
func (p *picker) next(peerHas *Bitfield) (int, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	candidates := []int{}
	rarest := 0
	for i := range p.availability {
		if p.claimed[i] || p.have.Has(i) || !peerHas.Has(i) {
			continue
		}
		if len(candidates) == 0 || p.availability[i] < rarest {
			candidates = candidates[:0]
			rarest = p.availability[i]
		}
		if p.availability[i] == rarest {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	piece := candidates[rand.IntN(len(candidates))]
	p.claimed[piece] = true
	return piece, true
}

// release returns a claimed piece to the pool after a failed fetch.
func (p *picker) release(i int) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if i >= 0 && i < len(p.claimed) {
		p.claimed[i] = false
	}
}
