package peer

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/torrentpeer/torrentpeer/internal/bitfield"
	"github.com/torrentpeer/torrentpeer/internal/config"
	"github.com/torrentpeer/torrentpeer/internal/scheduler"
	"github.com/torrentpeer/torrentpeer/internal/storage"
)

type Config struct {
	MaxPeers                  uint8
	UploadSlots               uint8
	PeerOutboxBacklog         uint8
	ReadTimeout               time.Duration
	WriteTimeout              time.Duration
	DialTimeout               time.Duration
	RechokeInterval           time.Duration
	OptimisticUnchokeInterval time.Duration
	PeerHeartbeatInterval     time.Duration
	PeerInactivityDuration    time.Duration
}

func WithDefaultConfig() *Config {
	return &Config{
		UploadSlots:               4,
		MaxPeers:                  55,
		ReadTimeout:               45 * time.Second,
		WriteTimeout:              30 * time.Second,
		DialTimeout:               45 * time.Second,
		RechokeInterval:           10 * time.Second,
		OptimisticUnchokeInterval: 30 * time.Second,
		PeerHeartbeatInterval:     45 * time.Second,
		PeerInactivityDuration:    2 * time.Minute,
		PeerOutboxBacklog:         50,
	}
}

type Swarm struct {
	cfg                        *Config
	logger                     *slog.Logger
	peerMut                    sync.RWMutex
	peers                      map[netip.AddrPort]*Peer
	infoHash                   [sha1.Size]byte
	clientID                   [sha1.Size]byte
	isSeeder                   bool
	stats                      *SwarmStats
	cancel                     context.CancelFunc
	scheduler                  *scheduler.Scheduler
	store                      *storage.BlockStore
	pieceCount                 int
	optimisticUnchokedPeerAddr netip.AddrPort
	peerConnectCh              chan netip.AddrPort

	attemptsMu sync.Mutex
	attempts   map[netip.AddrPort]int
}

type SwarmStats struct {
	TotalPeers       atomic.Uint32
	ConnectingPeers  atomic.Uint32
	FailedConnection atomic.Uint32
	UnchokedPeers    atomic.Uint32
	InterestedPeers  atomic.Uint32
	UploadingTo      atomic.Uint32
	DownloadingFrom  atomic.Uint32
	TotalDownloaded  atomic.Uint64
	TotalUploaded    atomic.Uint64
	DownloadRate     atomic.Uint64
	UploadRate       atomic.Uint64
}

type SwarmOpts struct {
	Config    *Config
	Logger    *slog.Logger
	InfoHash  [sha1.Size]byte
	ClientID  [sha1.Size]byte
	Scheduler *scheduler.Scheduler
	Store     *storage.BlockStore
	IsSeeder  bool
}

type SwarmMetrics struct {
	TotalPeers       uint32 `json:"totalPeers"`
	ConnectingPeers  uint32 `json:"connectingPeers"`
	FailedConnection uint32 `json:"failedConnection"`
	UnchokedPeers    uint32 `json:"unchokedPeers"`
	InterestedPeers  uint32 `json:"interestedPeers"`
	UploadingTo      uint32 `json:"uploadingTo"`
	DownloadingFrom  uint32 `json:"downloadingFrom"`
	TotalDownloaded  uint64 `json:"totalDownloaded"`
	TotalUploaded    uint64 `json:"totalUploaded"`
	DownloadRate     uint64 `json:"downloadRate"`
	UploadRate       uint64 `json:"uploadRate"`
}

func NewSwarm(opts *SwarmOpts) (*Swarm, error) {
	return &Swarm{
		cfg:           opts.Config,
		infoHash:      opts.InfoHash,
		clientID:      opts.ClientID,
		stats:         &SwarmStats{},
		scheduler:     opts.Scheduler,
		store:         opts.Store,
		pieceCount:    opts.Store.NumPieces(),
		peers:         make(map[netip.AddrPort]*Peer),
		peerConnectCh: make(chan netip.AddrPort, opts.Config.MaxPeers),
		logger:        opts.Logger.With("source", "peer_swarm"),
		isSeeder:      opts.IsSeeder,
		attempts:      make(map[netip.AddrPort]int),
	}, nil
}

// TODO: errgroup
func (s *Swarm) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Go(func() { s.maintenanceLoop(ctx) })
	wg.Go(func() { s.statsLoop(ctx) })
	wg.Go(func() { s.chokeLoop(ctx) })

	for dialWorker := 0; dialWorker < 10; dialWorker++ {
		wg.Go(func() { s.peerDialerLoop(ctx) })
	}

	wg.Wait()

	return nil
}

func (s *Swarm) Stats() SwarmMetrics {
	ps := s.stats
	return SwarmMetrics{
		TotalPeers:       ps.TotalPeers.Load(),
		ConnectingPeers:  ps.ConnectingPeers.Load(),
		FailedConnection: ps.FailedConnection.Load(),
		UnchokedPeers:    ps.UnchokedPeers.Load(),
		InterestedPeers:  ps.InterestedPeers.Load(),
		UploadingTo:      ps.UploadingTo.Load(),
		DownloadingFrom:  ps.DownloadingFrom.Load(),
		TotalDownloaded:  ps.TotalDownloaded.Load(),
		TotalUploaded:    ps.TotalUploaded.Load(),
		DownloadRate:     ps.DownloadRate.Load(),
		UploadRate:       ps.UploadRate.Load(),
	}
}

func (s *Swarm) PeerMetrics() []PeerMetrics {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	metrics := make([]PeerMetrics, 0, len(s.peers))
	for _, peer := range s.peers {
		metrics = append(metrics, peer.Stats())
	}

	return metrics
}

func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case s.peerConnectCh <- addr:
		default:
			s.logger.Warn("admit peer queue full; dropping", "addr", addr)
		}
	}
}

func (s *Swarm) addPeer(ctx context.Context, addr netip.AddrPort) (*Peer, error) {
	s.peerMut.RLock()
	_, dup := s.peers[addr]
	totalPeers := len(s.peers)
	s.peerMut.RUnlock()

	if dup {
		return nil, nil
	}

	if totalPeers >= int(s.cfg.MaxPeers) {
		return nil, nil
	}

	s.stats.ConnectingPeers.Add(1)
	s.scheduler.RegisterPeer(addr)

	peer, err := NewPeer(ctx, addr, &PeerOpts{
		Log:          s.logger,
		PieceCount:   s.pieceCount,
		InfoHash:     s.infoHash,
		OnBitfield:   s.onPeerBitfield,
		OnHave:       s.onPeerHave,
		OnDisconnect: s.onPeerDisconnect,
		OnHandshake:  s.onPeerHandshake,
		OnPiece:      s.onPeerPiece,
		OnRequest:    s.onPeerRequest,
		RequestWork:  s.onPeerReadyForWork,
	})
	s.stats.ConnectingPeers.Add(^uint32(0))

	if err != nil {
		s.stats.FailedConnection.Add(1)
		s.scheduler.UnregisterPeer(addr)
		return nil, err
	}

	s.peerMut.Lock()
	s.peers[peer.addr] = peer
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(1)
	s.resetAttempts(addr)

	return peer, nil
}

// resetAttempts forgets any reconnect attempt count for addr, called once a
// connection succeeds.
func (s *Swarm) resetAttempts(addr netip.AddrPort) {
	s.attemptsMu.Lock()
	delete(s.attempts, addr)
	s.attemptsMu.Unlock()
}

// scheduleReconnect re-enqueues addr for another dial attempt, up to
// MAX_CONNECTION_ATTEMPTS. Past that budget the address is dropped for good.
func (s *Swarm) scheduleReconnect(addr netip.AddrPort) {
	max := config.Load().MaxConnectionAttempts

	s.attemptsMu.Lock()
	s.attempts[addr]++
	attempts := s.attempts[addr]
	if attempts >= max {
		delete(s.attempts, addr)
	}
	s.attemptsMu.Unlock()

	if attempts >= max {
		s.logger.Debug("giving up on peer after exhausting reconnect attempts", "addr", addr, "attempts", attempts)
		return
	}

	select {
	case s.peerConnectCh <- addr:
	default:
		s.logger.Warn("reconnect queue full; dropping", "addr", addr)
	}
}

// onPeerHandshake sends our completion bitfield right after a successful
// handshake, per BEP 3.
func (s *Swarm) onPeerHandshake(addr netip.AddrPort) {
	peer, ok := s.GetPeer(addr)
	if !ok {
		return
	}
	peer.SendBitfield(s.store.Bitfield())
}

// onPeerBitfield updates piece availability and expresses interest if the
// peer has anything we're still missing.
func (s *Swarm) onPeerBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	s.scheduler.OnBitfield(addr, bf)
	s.updateInterest(addr)
}

// onPeerHave updates piece availability for a single announced piece and
// re-evaluates interest.
func (s *Swarm) onPeerHave(addr netip.AddrPort, index int) {
	s.scheduler.OnHave(addr, index)
	s.updateInterest(addr)
}

func (s *Swarm) updateInterest(addr netip.AddrPort) {
	peer, ok := s.GetPeer(addr)
	if !ok {
		return
	}

	if s.scheduler.WantsAnythingFrom(addr) {
		if !peer.AmInterested() {
			peer.Interested()
		}
		s.onPeerReadyForWork(addr)
	} else if peer.AmInterested() {
		peer.NotInterested()
	}
}

// onPeerDisconnect backs the peer's reported pieces out of the availability
// tracker.
func (s *Swarm) onPeerDisconnect(addr netip.AddrPort) {
	s.scheduler.UnregisterPeer(addr)
}

// onPeerPiece feeds a received block into storage and keeps the request
// pipeline for this peer full.
func (s *Swarm) onPeerPiece(addr netip.AddrPort, index, begin int, block []byte) {
	if _, err := s.store.AddBlock(index, int32(begin), block); err != nil {
		s.logger.Warn("rejected block", "addr", addr, "piece", index, "error", err.Error())
	} else {
		s.cancelDuplicateRequests(addr, index, begin, len(block))
	}
	s.onPeerReadyForWork(addr)
}

// cancelDuplicateRequests tells every peer other than deliveredBy to CANCEL
// its in-flight request for (index, begin, length), if it has one. Only
// meaningful in endgame mode, where the same block may be requested from
// more than one peer at once.
func (s *Swarm) cancelDuplicateRequests(deliveredBy netip.AddrPort, index, begin, length int) {
	s.peerMut.RLock()
	others := make([]*Peer, 0, len(s.peers))
	for addr, p := range s.peers {
		if addr != deliveredBy {
			others = append(others, p)
		}
	}
	s.peerMut.RUnlock()

	for _, p := range others {
		p.CancelIfOutstanding(index, begin, length)
	}
}

// onPeerRequest serves a remote REQUEST by reading the block from storage
// and queuing a PIECE reply, provided the requested piece is complete.
func (s *Swarm) onPeerRequest(addr netip.AddrPort, index, begin, length int) {
	peer, ok := s.GetPeer(addr)
	if !ok {
		return
	}

	if !peer.ConsumeUploadAllotment(int64(length)) {
		s.logger.Debug("upload allotment exhausted, deferring request", "addr", addr, "piece", index)
		return
	}

	block, err := s.store.ReadBlock(index, int32(begin), int32(length))
	if err != nil {
		s.logger.Debug("ignoring request for unavailable block", "addr", addr, "piece", index, "error", err.Error())
		return
	}
	peer.SendPiece(uint32(index), uint32(begin), block)
}

// onPeerReadyForWork assigns this peer a target piece if needed and keeps its
// request pipeline full, draining piece.NextRequest up to
// MAX_PEER_OUTSTANDING_REQUESTS in-flight blocks.
func (s *Swarm) onPeerReadyForWork(addr netip.AddrPort) {
	peer, ok := s.GetPeer(addr)
	if !ok || peer.PeerChoking() {
		return
	}

	max := config.Load().MaxPeerOutstandingRequests

	for peer.OutstandingCount() < max {
		if !s.scheduler.AssignWork(addr) {
			return
		}

		pieceIndex, offset, length, ok := s.scheduler.NextRequest(addr)
		if !ok {
			return
		}

		before := peer.OutstandingCount()
		peer.SendRequest(pieceIndex, int(offset), int(length))
		if peer.OutstandingCount() == before {
			// NextRequest kept handing back an already-outstanding tuple
			// (endgame re-cycling); nothing left to gain from looping.
			return
		}
	}
}

// AdoptInbound completes the handshake over an already-accepted listener
// connection and, if it succeeds and the swarm has room, runs the peer
// until it disconnects. Intended to be called in its own goroutine per
// accepted connection.
func (s *Swarm) AdoptInbound(ctx context.Context, conn net.Conn, addr netip.AddrPort) {
	s.peerMut.RLock()
	_, dup := s.peers[addr]
	totalPeers := len(s.peers)
	s.peerMut.RUnlock()

	if dup || totalPeers >= int(s.cfg.MaxPeers) {
		_ = conn.Close()
		return
	}

	s.scheduler.RegisterPeer(addr)

	peer, err := AcceptPeer(conn, addr, &PeerOpts{
		Log:          s.logger,
		PieceCount:   s.pieceCount,
		InfoHash:     s.infoHash,
		OnBitfield:   s.onPeerBitfield,
		OnHave:       s.onPeerHave,
		OnDisconnect: s.onPeerDisconnect,
		OnHandshake:  s.onPeerHandshake,
		OnPiece:      s.onPeerPiece,
		OnRequest:    s.onPeerRequest,
		RequestWork:  s.onPeerReadyForWork,
	})
	if err != nil {
		s.stats.FailedConnection.Add(1)
		s.scheduler.UnregisterPeer(addr)
		return
	}

	s.peerMut.Lock()
	s.peers[peer.addr] = peer
	s.peerMut.Unlock()
	s.stats.TotalPeers.Add(1)

	defer s.removePeer(peer.addr)
	peer.Run(ctx)
}

func (s *Swarm) removePeer(addr netip.AddrPort) {
	s.peerMut.Lock()
	if _, exists := s.peers[addr]; !exists {
		s.peerMut.Unlock()
		return
	}
	delete(s.peers, addr)
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(^uint32(0))
}

// ForEachPeer calls fn for a snapshot of currently connected peers.
func (s *Swarm) ForEachPeer(fn func(*Peer)) {
	s.peerMut.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peerMut.RUnlock()

	for _, p := range peers {
		fn(p)
	}
}

func (s *Swarm) GetPeer(addr netip.AddrPort) (*Peer, bool) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	peer, ok := s.peers[addr]
	return peer, ok
}

func (s *Swarm) maintenanceLoop(ctx context.Context) error {
	l := s.logger.With("component", "maintenance loop")
	l.Debug("started")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			maxIdle := s.cfg.PeerInactivityDuration
			var inactivePeers []*Peer

			s.peerMut.RLock()
			for _, peer := range s.peers {
				if peer.Idleness() > maxIdle {
					inactivePeers = append(inactivePeers, peer)
				}
			}
			s.peerMut.RUnlock()

			for _, peer := range inactivePeers {
				peer.Close()
			}

			n := len(inactivePeers)
			if n > 0 {
				l.Info("closed inactive peers", "count", n)
			}
		}
	}
}

func (s *Swarm) peerDialerLoop(ctx context.Context) {
	l := s.logger.With("component", "peer dialer loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return

		case peerAddr, ok := <-s.peerConnectCh:
			if !ok {
				return
			}

			peer, err := s.addPeer(ctx, peerAddr)
			if err != nil {
				l.Debug("peer connection failed", "addr", peerAddr, "error", err.Error())
				if ctx.Err() == nil {
					s.scheduleReconnect(peerAddr)
				}
				continue
			}
			if peer == nil { // duplicate
				continue
			}

			go func(p *Peer) {
				p.Run(ctx)
				s.removePeer(p.addr)
				if ctx.Err() == nil {
					s.scheduleReconnect(p.addr)
				}
			}(peer)
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) error {
	l := s.logger.With("component", "stats loop")
	l.Debug("started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done, exiting", "error", ctx.Err())
			return nil

		case <-ticker.C:
			var totUp, totDown, upRate, downRate uint64
			var unchoked, interested, uploadingTo, downloadingFrom uint32

			s.peerMut.RLock()
			for _, peer := range s.peers {
				totUp += peer.stats.Uploaded.Load()
				totDown += peer.stats.Downloaded.Load()
				ru := peer.stats.UploadRate.Load()
				rd := peer.stats.DownloadRate.Load()
				upRate += ru
				downRate += rd

				if !peer.AmChoking() {
					unchoked++
				}
				if peer.AmInterested() {
					interested++
				}
				if ru > 0 {
					uploadingTo++
				}
				if rd > 0 {
					downloadingFrom++
				}
			}
			s.peerMut.RUnlock()

			s.stats.TotalUploaded.Store(totUp)
			s.stats.TotalDownloaded.Store(totDown)
			s.stats.UploadRate.Store(upRate)
			s.stats.DownloadRate.Store(downRate)
			s.stats.UnchokedPeers.Store(unchoked)
			s.stats.InterestedPeers.Store(interested)
			s.stats.UploadingTo.Store(uploadingTo)
			s.stats.DownloadingFrom.Store(downloadingFrom)
		}
	}
}

func (s *Swarm) chokeLoop(ctx context.Context) {
	l := s.logger.With("source", "leecher choke loop")
	l.Debug("started")

	normalChokeTicker := time.NewTicker(s.cfg.RechokeInterval)
	defer normalChokeTicker.Stop()

	optimisticChokeTicker := time.NewTicker(s.cfg.OptimisticUnchokeInterval)
	defer optimisticChokeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-normalChokeTicker.C:
			s.recalculateRegularUnchokes(ctx)

		case <-optimisticChokeTicker.C:
			s.recalculateOptimisticUnchoke(ctx)
		}
	}
}

func (s *Swarm) recalculateRegularUnchokes(ctx context.Context) {
	if config.Load().PieceStrategy == config.StrategyProportionalShare {
		s.recalculateProportionalShareUnchokes()
		return
	}

	var candidates []*Peer

	s.peerMut.RLock()
	for _, peer := range s.peers {
		if peer.PeerInterested() {
			candidates = append(candidates, peer)
		}
	}
	s.peerMut.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if s.isSeeder {
			return candidates[i].stats.UploadRate.Load() > candidates[j].stats.UploadRate.Load()
		}

		return candidates[i].stats.DownloadRate.Load() > candidates[j].stats.DownloadRate.Load()
	})

	newUnchokes := make(map[netip.AddrPort]struct{})
	for i := 0; i < len(candidates) && i < int(s.cfg.UploadSlots); i++ {
		newUnchokes[candidates[i].addr] = struct{}{}
	}

	s.peerMut.Lock()
	for _, peer := range s.peers {
		_, isTopPeer := newUnchokes[peer.addr]
		isOptimistic := (peer.addr == s.optimisticUnchokedPeerAddr)

		if isTopPeer || isOptimistic {
			if peer.AmChoking() {
				peer.Unchoke()
			}
			peer.SetUploadAllotment(-1)
		} else {
			if !peer.AmChoking() {
				peer.Choke()
			}
		}
	}
	s.peerMut.Unlock()
}

// recalculateProportionalShareUnchokes unchokes every peer whose smoothed
// DownloadRate is nonzero and gives each an upload allotment for the coming
// epoch proportional to its share of those peers' summed download rates.
// Peers with a zero rate are choked and given no allotment, except the
// current optimistic unchoke, which stays unchoked.
func (s *Swarm) recalculateProportionalShareUnchokes() {
	type contributor struct {
		peer     *Peer
		received uint64
	}

	var contributors []contributor
	var totalReceived uint64

	s.peerMut.RLock()
	for _, peer := range s.peers {
		received := peer.stats.DownloadRate.Load()
		if received > 0 {
			contributors = append(contributors, contributor{peer: peer, received: received})
			totalReceived += received
		}
	}
	s.peerMut.RUnlock()

	budget := config.Load().ProportionalShareEpochBudget

	unchoked := make(map[netip.AddrPort]struct{}, len(contributors))
	for _, c := range contributors {
		unchoked[c.peer.addr] = struct{}{}

		allotment := budget
		if totalReceived > 0 {
			allotment = budget * int64(c.received) / int64(totalReceived)
		}
		c.peer.SetUploadAllotment(allotment)
	}

	s.peerMut.Lock()
	for _, peer := range s.peers {
		_, shouldUnchoke := unchoked[peer.addr]
		isOptimistic := peer.addr == s.optimisticUnchokedPeerAddr

		if shouldUnchoke || isOptimistic {
			if peer.AmChoking() {
				peer.Unchoke()
			}
		} else {
			if !peer.AmChoking() {
				peer.Choke()
			}
			peer.SetUploadAllotment(0)
		}
	}
	s.peerMut.Unlock()
}

func (s *Swarm) recalculateOptimisticUnchoke(ctx context.Context) {
	var candidates []*Peer

	s.peerMut.RLock()
	for _, peer := range s.peers {
		if peer.PeerInterested() && peer.AmChoking() {
			candidates = append(candidates, peer)
		}
	}
	s.peerMut.RUnlock()

	if len(candidates) == 0 {
		s.optimisticUnchokedPeerAddr = netip.AddrPort{}
		return
	}

	newOptimistic := candidates[rand.Intn(len(candidates))]
	s.optimisticUnchokedPeerAddr = newOptimistic.addr
	newOptimistic.Unchoke()
}
