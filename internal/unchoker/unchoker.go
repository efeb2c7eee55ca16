// Package unchoker selects the peers we upload to.
package unchoker

import (
	"math/rand"
	"sort"
)

// Peer is a remote peer that may be choked or unchoked.
type Peer interface {
	// Choke and Unchoke send the message and update Choking.
	Choke()
	Unchoke()
	// Choking is true if we are choking the peer.
	Choking() bool
	// Interested is true if the peer is interested in our pieces.
	Interested() bool
	SetOptimistic(value bool)
	Optimistic() bool
	DownloadSpeed() int
	UploadSpeed() int
}

// Unchoker keeps the fastest peers unchoked and rotates optimistic unchoke slots.
// Peers are ranked by download speed while downloading and by upload speed after completion.
type Unchoker struct {
	numUnchoked   int
	numOptimistic int
	rand          *rand.Rand

	// optimistic unchoke runs in every 3rd round
	round uint8

	unchoked   map[Peer]struct{}
	optimistic map[Peer]struct{}
}

// New returns a new Unchoker.
func New(numUnchoked, numOptimistic int, r *rand.Rand) *Unchoker {
	return &Unchoker{
		numUnchoked:   numUnchoked,
		numOptimistic: numOptimistic,
		rand:          r,
		unchoked:      make(map[Peer]struct{}, numUnchoked),
		optimistic:    make(map[Peer]struct{}, numOptimistic),
	}
}

// NumUnchoked returns the number of regular and optimistic unchoked peers.
func (u *Unchoker) NumUnchoked() (regular, optimistic int) {
	return len(u.unchoked), len(u.optimistic)
}

// HandleDisconnect must be called to remove the peer from internal indexes.
func (u *Unchoker) HandleDisconnect(pe Peer) {
	delete(u.unchoked, pe)
	delete(u.optimistic, pe)
}

// TickUnchoke must be called periodically. Optimistic slots are rotated in every 3rd call.
// Peers that are not interested are choked.
func (u *Unchoker) TickUnchoke(all []Peer, completed bool) {
	rotate := u.round == 0
	u.round = (u.round + 1) % 3

	var candidates []Peer
	for _, pe := range all {
		if pe.Interested() {
			candidates = append(candidates, pe)
		} else {
			u.choke(pe)
		}
	}
	speed := func(pe Peer) int {
		if completed {
			return pe.UploadSpeed()
		}
		return pe.DownloadSpeed()
	}
	sort.SliceStable(candidates, func(i, j int) bool { return speed(candidates[i]) > speed(candidates[j]) })

	var rest []Peer
	n := 0
	for _, pe := range candidates {
		switch {
		case !rotate && pe.Optimistic():
			// keeps its optimistic slot until the next rotation
		case n < u.numUnchoked:
			u.unchoke(pe)
			n++
		default:
			rest = append(rest, pe)
		}
	}
	if rotate {
		for i := 0; i < u.numOptimistic && len(rest) > 0; i++ {
			k := u.rand.Intn(len(rest))
			u.unchokeOptimistic(rest[k])
			rest[k] = rest[len(rest)-1]
			rest = rest[:len(rest)-1]
		}
	}
	for _, pe := range rest {
		u.choke(pe)
	}
}

// FastUnchoke must be called when remote peer becomes interested.
// The peer is unchoked immediately if there is a free slot.
func (u *Unchoker) FastUnchoke(pe Peer) {
	if !pe.Choking() || !pe.Interested() {
		return
	}
	if len(u.unchoked) < u.numUnchoked {
		u.unchoke(pe)
	} else if len(u.optimistic) < u.numOptimistic {
		u.unchokeOptimistic(pe)
	}
}

func (u *Unchoker) choke(pe Peer) {
	delete(u.unchoked, pe)
	delete(u.optimistic, pe)
	pe.SetOptimistic(false)
	if !pe.Choking() {
		pe.Choke()
	}
}

func (u *Unchoker) unchoke(pe Peer) {
	delete(u.optimistic, pe)
	u.unchoked[pe] = struct{}{}
	pe.SetOptimistic(false)
	if pe.Choking() {
		pe.Unchoke()
	}
}

func (u *Unchoker) unchokeOptimistic(pe Peer) {
	delete(u.unchoked, pe)
	u.optimistic[pe] = struct{}{}
	pe.SetOptimistic(true)
	if pe.Choking() {
		pe.Unchoke()
	}
}
