// Package scheduler assigns pieces to peers and tracks piece availability
// for the rarest-first strategy. The choking algorithm itself lives on the
// swarm, which already holds the per-peer throughput counters it needs.
package scheduler

import (
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/torrentpeer/torrentpeer/internal/bitfield"
	"github.com/torrentpeer/torrentpeer/internal/config"
	"github.com/torrentpeer/torrentpeer/internal/piece"
	"github.com/torrentpeer/torrentpeer/internal/storage"
)

type peerState struct {
	bitfield bitfield.Bitfield
	target   int // -1 means no assigned piece
}

// Scheduler picks which piece each peer should be downloading and hands out
// (offset, length) block requests within that piece. It owns piece
// availability bookkeeping; the BlockStore owns piece content and
// completion.
type Scheduler struct {
	log      *slog.Logger
	store    *storage.BlockStore
	strategy config.PieceStrategy
	avail    *piece.AvailabilityBucket
	endgame  atomic.Bool

	mu    sync.Mutex
	peers map[netip.AddrPort]*peerState
}

// New builds a Scheduler for the pieces held by store, using the piece
// strategy and limits from the current global config.
func New(store *storage.BlockStore, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	cfg := config.Load()

	return &Scheduler{
		log:      log.With("component", "scheduler"),
		store:    store,
		strategy: cfg.PieceStrategy,
		avail:    piece.NewAvailabilityBucket(store.NumPieces(), cfg.MaxPeers),
		peers:    make(map[netip.AddrPort]*peerState),
	}
}

// RegisterPeer begins tracking a newly connected peer's bitfield, defaulting
// to "has nothing" until a BITFIELD or HAVE message arrives.
func (s *Scheduler) RegisterPeer(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peers[addr]; ok {
		return
	}
	s.peers[addr] = &peerState{
		bitfield: bitfield.New(s.store.NumPieces()),
		target:   -1,
	}
}

// UnregisterPeer forgets a disconnected peer and backs out its contribution
// to piece availability.
func (s *Scheduler) UnregisterPeer(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.peers[addr]
	if !ok {
		return
	}
	for i := 0; i < ps.bitfield.Len(); i++ {
		if ps.bitfield.Has(i) {
			s.avail.Move(i, -1)
		}
	}
	delete(s.peers, addr)
}

// OnBitfield records a peer's initial BITFIELD message and bumps piece
// availability for every piece it reports.
func (s *Scheduler) OnBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.peers[addr]
	if !ok {
		return
	}
	for i := 0; i < bf.Len() && i < s.store.NumPieces(); i++ {
		if bf.Has(i) && !ps.bitfield.Has(i) {
			ps.bitfield.Set(i)
			s.avail.Move(i, 1)
		}
	}
}

// OnHave records a single-piece HAVE announcement from a peer.
func (s *Scheduler) OnHave(addr netip.AddrPort, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.peers[addr]
	if !ok || index < 0 || index >= s.store.NumPieces() {
		return
	}
	if !ps.bitfield.Has(index) {
		ps.bitfield.Set(index)
		s.avail.Move(index, 1)
	}
}

// WantsAnythingFrom reports whether the peer's known bitfield covers any
// piece we are still missing, i.e. whether we should be interested in them.
func (s *Scheduler) WantsAnythingFrom(addr netip.AddrPort) bool {
	s.mu.Lock()
	ps, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return false
	}

	for _, idx := range s.store.Missing() {
		if idx < ps.bitfield.Len() && ps.bitfield.Has(idx) {
			return true
		}
	}
	return false
}

// AssignWork picks a target piece for addr if it doesn't already have one,
// using the configured piece-selection strategy. It returns false if no
// piece can currently be assigned (peer has nothing we need).
func (s *Scheduler) AssignWork(addr netip.AddrPort) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.peers[addr]
	if !ok {
		return false
	}
	if ps.target != -1 && !s.store.Has(ps.target) {
		return true
	}

	var pick int
	var found bool

	switch s.strategy {
	case config.StrategyRarestFirst:
		pick, found = s.pickRarestFirst(ps)
	case config.StrategyRandom:
		pick, found = s.pickRandom(ps)
	default:
		pick, found = s.pickDefault(addr, ps)
	}

	if !found {
		ps.target = -1
		return false
	}
	ps.target = pick
	return true
}

// pickDefault returns the first missing piece addr has that no other peer
// is currently targeting, so the same piece isn't handed to multiple peers
// outside endgame. In endgame, a piece already targeted elsewhere is an
// acceptable fallback.
func (s *Scheduler) pickDefault(addr netip.AddrPort, ps *peerState) (int, bool) {
	endgame := s.endgame.Load()

	fallback, hasFallback := 0, false
	for _, idx := range s.store.Missing() {
		if idx >= ps.bitfield.Len() || !ps.bitfield.Has(idx) {
			continue
		}
		if !hasFallback {
			fallback, hasFallback = idx, true
		}
		if endgame || !s.isAssignedElsewhere(addr, idx) {
			return idx, true
		}
	}
	if endgame && hasFallback {
		return fallback, true
	}
	return 0, false
}

// isAssignedElsewhere reports whether some peer other than self already has
// idx as its target piece. Must be called with s.mu held.
func (s *Scheduler) isAssignedElsewhere(self netip.AddrPort, idx int) bool {
	for addr, other := range s.peers {
		if addr != self && other.target == idx {
			return true
		}
	}
	return false
}

func (s *Scheduler) pickRandom(ps *peerState) (int, bool) {
	var candidates []int
	for _, idx := range s.store.Missing() {
		if idx < ps.bitfield.Len() && ps.bitfield.Has(idx) {
			candidates = append(candidates, idx)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

func (s *Scheduler) pickRarestFirst(ps *peerState) (int, bool) {
	numRarest := config.Load().NumRarestPieces
	if numRarest < 1 {
		numRarest = 1
	}

	start, ok := s.avail.FirstNonEmpty()
	if !ok {
		return 0, false
	}

	var candidates []int
	for a := start; a <= s.avail.MaxAvailability() && len(candidates) < numRarest; a++ {
		for _, idx := range s.avail.Bucket(a) {
			if !s.store.Has(idx) && idx < ps.bitfield.Len() && ps.bitfield.Has(idx) {
				candidates = append(candidates, idx)
				if len(candidates) >= numRarest {
					break
				}
			}
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// NextRequest drains the scheduler's assigned piece for addr, returning the
// next (pieceIndex, offset, length) block to request.
func (s *Scheduler) NextRequest(addr netip.AddrPort) (pieceIndex int, offset, length int32, ok bool) {
	s.mu.Lock()
	ps, exists := s.peers[addr]
	s.mu.Unlock()
	if !exists || ps.target == -1 {
		return 0, 0, 0, false
	}

	p := s.store.Piece(ps.target)
	off, l, reqOk := p.NextRequest()
	if !reqOk {
		s.mu.Lock()
		ps.target = -1
		s.mu.Unlock()
		return 0, 0, 0, false
	}
	return ps.target, off, l, true
}

// ApplyEndgame toggles endgame mode on every not-yet-complete piece, and
// relaxes pickDefault's single-assignment bias so the same piece can be
// requested from more than one peer.
func (s *Scheduler) ApplyEndgame(on bool) {
	s.endgame.Store(on)
	for _, idx := range s.store.Missing() {
		s.store.Piece(idx).SetEndgame(on)
	}
}

// ShouldEnterEndgame reports whether verified completion has crossed the
// configured endgame threshold.
func (s *Scheduler) ShouldEnterEndgame() bool {
	total := s.store.BytesDownloaded() + s.store.BytesLeft()
	if total == 0 {
		return false
	}
	frac := float64(s.store.BytesDownloaded()) / float64(total)
	return frac >= config.Load().EndgameThreshold
}
