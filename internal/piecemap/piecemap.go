// Package piecemap keeps the state of every piece and block of a torrent.
// PieceMap has no locking. It must be mutated by a single goroutine.
package piecemap

import (
	"fmt"
	"sort"
	"time"

	"github.com/pieceflow/pieceflow/internal/bitfield"
	"github.com/pieceflow/pieceflow/internal/piece"
	"github.com/pieceflow/pieceflow/internal/sessionid"
)

// State of a piece.
type State uint8

// Piece states. A piece that fails verification goes back to Missing.
const (
	Missing State = iota
	InProgress
	Verifying
	Complete
)

var stateStrings = [...]string{"missing", "in progress", "verifying", "complete"}

func (s State) String() string { return stateStrings[s] }

// BlockState is the state of a block inside a Missing or InProgress piece.
type BlockState uint8

// Block states.
const (
	NotRequested BlockState = iota
	Requested
	Received
)

var blockStateStrings = [...]string{"not requested", "requested", "received"}

func (s BlockState) String() string { return blockStateStrings[s] }

// Owner is a session that has an outstanding request for a block.
type Owner struct {
	Session     sessionid.ID
	RequestedAt time.Time
}

// BlockRef identifies a block by piece index and block index.
type BlockRef struct {
	Piece uint32
	Block uint32
}

type blockEntry struct {
	state  BlockState
	owners []Owner
}

type pieceEntry struct {
	state     State
	blocks    []blockEntry
	requested int // blocks in Requested state
	received  int // blocks in Received state
}

// PieceMap is the authoritative record of piece and block states.
type PieceMap struct {
	layout []piece.Piece
	pieces []pieceEntry
	have   *bitfield.Bitfield

	// blocks owned by each session, for releasing them on disconnect
	owned map[sessionid.ID]map[BlockRef]struct{}

	inProgress     map[uint32]struct{}
	completedBytes int64
	totalBytes     int64
	missingBlocks  int // blocks not yet Received, over pieces that are not Complete
}

// New returns a PieceMap with every piece Missing.
func New(layout []piece.Piece) *PieceMap {
	m := &PieceMap{
		layout:     layout,
		pieces:     make([]pieceEntry, len(layout)),
		have:       bitfield.New(uint32(len(layout))),
		owned:      make(map[sessionid.ID]map[BlockRef]struct{}),
		inProgress: make(map[uint32]struct{}),
	}
	for i := range layout {
		m.pieces[i].blocks = make([]blockEntry, len(layout[i].Blocks))
		m.totalBytes += int64(layout[i].Length)
		m.missingBlocks += len(layout[i].Blocks)
	}
	return m
}

// NumPieces returns the number of pieces.
func (m *PieceMap) NumPieces() uint32 { return uint32(len(m.pieces)) }

// Piece returns the layout of piece i.
func (m *PieceMap) Piece(i uint32) *piece.Piece { return &m.layout[i] }

// State returns the state of piece i.
func (m *PieceMap) State(i uint32) State { return m.pieces[i].state }

// BlockState returns the state of block b of piece i.
// Blocks of Verifying and Complete pieces are reported as Received.
func (m *PieceMap) BlockState(i, b uint32) BlockState {
	switch m.pieces[i].state {
	case Verifying, Complete:
		return Received
	}
	return m.pieces[i].blocks[b].state
}

// Owners returns the sessions that requested block b of piece i.
func (m *PieceMap) Owners(i, b uint32) []Owner {
	p := &m.pieces[i]
	if p.state != InProgress {
		return nil
	}
	return p.blocks[b].owners
}

// IsOwner reports whether the session has an outstanding request for the block.
func (m *PieceMap) IsOwner(i, b uint32, id sessionid.ID) bool {
	_, ok := m.owned[id][BlockRef{i, b}]
	return ok
}

// Progress returns the number of requested and received blocks of piece i.
func (m *PieceMap) Progress(i uint32) (requested, received int) {
	p := &m.pieces[i]
	return p.requested, p.received
}

// Have reports whether piece i is Complete.
func (m *PieceMap) Have(i uint32) bool { return m.have.Test(i) }

// Bitfield returns a copy of the completed pieces.
func (m *PieceMap) Bitfield() *bitfield.Bitfield { return m.have.Copy() }

// CompletedPieces returns the number of Complete pieces.
func (m *PieceMap) CompletedPieces() uint32 { return m.have.Count() }

// Completed reports whether every piece is Complete.
func (m *PieceMap) Completed() bool { return m.have.All() }

// CompletedBytes returns the total length of Complete pieces.
func (m *PieceMap) CompletedBytes() int64 { return m.completedBytes }

// TotalBytes returns the torrent length.
func (m *PieceMap) TotalBytes() int64 { return m.totalBytes }

// MissingBlocks returns the number of blocks that are not received yet.
func (m *PieceMap) MissingBlocks() int { return m.missingBlocks }

// RequestedBy returns the number of blocks the session currently owns.
func (m *PieceMap) RequestedBy(id sessionid.ID) int { return len(m.owned[id]) }

// InProgress returns the indexes of InProgress pieces in ascending order.
func (m *PieceMap) InProgress() []uint32 {
	ret := make([]uint32, 0, len(m.inProgress))
	for i := range m.inProgress {
		ret = append(ret, i)
	}
	sort.Slice(ret, func(a, b int) bool { return ret[a] < ret[b] })
	return ret
}

// NumInProgress returns the number of InProgress pieces.
func (m *PieceMap) NumInProgress() int { return len(m.inProgress) }

// Request records that the session requested block b of piece i.
// Requesting a block that is Received, in a piece that is not downloadable,
// or that the session already owns is a programming error.
func (m *PieceMap) Request(i, b uint32, id sessionid.ID, now time.Time) {
	p := &m.pieces[i]
	switch p.state {
	case Missing:
		p.state = InProgress
		m.inProgress[i] = struct{}{}
	case InProgress:
	default:
		panic(fmt.Sprintf("request for block %d of piece %d in state %s", b, i, p.state))
	}
	blk := &p.blocks[b]
	switch blk.state {
	case NotRequested:
		blk.state = Requested
		p.requested++
	case Requested:
		if m.IsOwner(i, b, id) {
			panic(fmt.Sprintf("block %d of piece %d is already requested from the session", b, i))
		}
	case Received:
		panic(fmt.Sprintf("request for received block %d of piece %d", b, i))
	}
	blk.owners = append(blk.owners, Owner{Session: id, RequestedAt: now})
	blocks, ok := m.owned[id]
	if !ok {
		blocks = make(map[BlockRef]struct{})
		m.owned[id] = blocks
	}
	blocks[BlockRef{i, b}] = struct{}{}
}

// Release removes the session from the owners of the block.
// The block returns to NotRequested when it has no owners left.
// Returns false if the session was not an owner.
func (m *PieceMap) Release(i, b uint32, id sessionid.ID) bool {
	ref := BlockRef{i, b}
	blocks := m.owned[id]
	if _, ok := blocks[ref]; !ok {
		return false
	}
	delete(blocks, ref)
	if len(blocks) == 0 {
		delete(m.owned, id)
	}
	p := &m.pieces[i]
	blk := &p.blocks[b]
	blk.owners = removeOwner(blk.owners, id)
	if len(blk.owners) == 0 && blk.state == Requested {
		blk.state = NotRequested
		p.requested--
		m.checkIdle(i)
	}
	return true
}

// ReleaseSession releases every block owned by the session and returns them.
func (m *PieceMap) ReleaseSession(id sessionid.ID) []BlockRef {
	blocks := m.owned[id]
	ret := make([]BlockRef, 0, len(blocks))
	for ref := range blocks {
		ret = append(ret, ref)
	}
	for _, ref := range ret {
		m.Release(ref.Piece, ref.Block, id)
	}
	return ret
}

// ReceiveResult is returned from Receive.
type ReceiveResult struct {
	// Accepted is false if the data is a duplicate or is not needed anymore.
	Accepted bool
	// Block is the index of the block inside the piece.
	Block uint32
	// Cancel contains the other sessions that still have a request for the block.
	Cancel []sessionid.ID
	// PieceDone is true when every block of the piece is received.
	PieceDone bool
}

// Receive marks the block at begin as Received.
// The range must match a block of the piece exactly.
func (m *PieceMap) Receive(i, begin, length uint32, from sessionid.ID) (ReceiveResult, error) {
	var r ReceiveResult
	blk, ok := m.layout[i].FindBlock(begin, length)
	if !ok {
		return r, fmt.Errorf("invalid block: piece=%d begin=%d length=%d", i, begin, length)
	}
	r.Block = blk.Index
	p := &m.pieces[i]
	if p.state != Missing && p.state != InProgress {
		return r, nil
	}
	e := &p.blocks[blk.Index]
	if e.state == Received {
		m.Release(i, blk.Index, from)
		return r, nil
	}
	if p.state == Missing {
		p.state = InProgress
		m.inProgress[i] = struct{}{}
	}
	for _, o := range e.owners {
		delete(m.owned[o.Session], BlockRef{i, blk.Index})
		if len(m.owned[o.Session]) == 0 {
			delete(m.owned, o.Session)
		}
		if o.Session != from {
			r.Cancel = append(r.Cancel, o.Session)
		}
	}
	if e.state == Requested {
		p.requested--
	}
	e.owners = nil
	e.state = Received
	p.received++
	m.missingBlocks--
	r.Accepted = true
	r.PieceDone = p.received == len(p.blocks)
	return r, nil
}

// StartVerifying moves a fully received piece to Verifying.
func (m *PieceMap) StartVerifying(i uint32) {
	p := &m.pieces[i]
	if p.state != InProgress || p.received != len(p.blocks) {
		panic(fmt.Sprintf("piece %d cannot be verified in state %s with %d/%d blocks", i, p.state, p.received, len(p.blocks)))
	}
	p.state = Verifying
	delete(m.inProgress, i)
}

// MarkComplete moves a Verifying piece to Complete.
// Completing a piece twice is a programming error.
func (m *PieceMap) MarkComplete(i uint32) {
	p := &m.pieces[i]
	if p.state == Complete {
		panic(fmt.Sprintf("piece %d is already complete", i))
	}
	if p.state != Verifying {
		panic(fmt.Sprintf("piece %d cannot be completed in state %s", i, p.state))
	}
	m.complete(i)
}

// MarkFailed moves a Verifying piece back to Missing and resets all of its blocks.
func (m *PieceMap) MarkFailed(i uint32) {
	p := &m.pieces[i]
	if p.state != Verifying {
		panic(fmt.Sprintf("piece %d cannot fail in state %s", i, p.state))
	}
	for j := range p.blocks {
		p.blocks[j] = blockEntry{}
	}
	m.missingBlocks += p.received
	p.received = 0
	p.requested = 0
	p.state = Missing
}

// SetComplete marks a Missing piece as Complete without downloading it.
// It is used when restoring state from a resume file or from existing data.
func (m *PieceMap) SetComplete(i uint32) {
	p := &m.pieces[i]
	switch p.state {
	case Complete:
		return
	case Missing:
	default:
		panic(fmt.Sprintf("piece %d cannot be restored in state %s", i, p.state))
	}
	m.missingBlocks -= len(p.blocks)
	m.complete(i)
}

func (m *PieceMap) complete(i uint32) {
	p := &m.pieces[i]
	p.state = Complete
	p.blocks = nil
	p.requested = 0
	p.received = 0
	m.have.Set(i)
	m.completedBytes += int64(m.layout[i].Length)
}

// checkIdle moves an InProgress piece without any requested or received block back to Missing.
func (m *PieceMap) checkIdle(i uint32) {
	p := &m.pieces[i]
	if p.state == InProgress && p.requested == 0 && p.received == 0 {
		p.state = Missing
		delete(m.inProgress, i)
	}
}

func removeOwner(owners []Owner, id sessionid.ID) []Owner {
	for i := range owners {
		if owners[i].Session == id {
			return append(owners[:i], owners[i+1:]...)
		}
	}
	return owners
}
