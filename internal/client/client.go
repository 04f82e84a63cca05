// Package client wires together metainfo, storage, scheduler, tracker and
// swarm into a single running torrent download/seed session.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/torrentpeer/torrentpeer/internal/config"
	"github.com/torrentpeer/torrentpeer/internal/meta"
	"github.com/torrentpeer/torrentpeer/internal/peer"
	"github.com/torrentpeer/torrentpeer/internal/scheduler"
	"github.com/torrentpeer/torrentpeer/internal/storage"
	"github.com/torrentpeer/torrentpeer/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Client owns the full lifecycle of a single torrent: loading its metainfo,
// opening its storage, announcing to its tracker tiers, and running its
// peer swarm until the download completes (or, with Seed, indefinitely).
type Client struct {
	log      *slog.Logger
	metainfo *meta.Metainfo
	store    *storage.BlockStore
	sched    *scheduler.Scheduler
	swarm    *peer.Swarm
	tracker  *tracker.Tracker
	listener net.Listener

	seed bool
}

// New loads torrentData's metainfo and opens its on-disk storage, but does
// not yet start networking; call Run to begin downloading.
func New(torrentData []byte, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg := config.Load()

	m, err := meta.ParseMetainfo(torrentData)
	if err != nil {
		return nil, fmt.Errorf("client: parse metainfo: %w", err)
	}
	log = log.With("torrent", m.Name)

	store, err := storage.Open(m, cfg.DestDir, cfg.Clean, log)
	if err != nil {
		return nil, fmt.Errorf("client: open storage: %w", err)
	}

	sched := scheduler.New(store, log)

	swarm, err := peer.NewSwarm(&peer.SwarmOpts{
		Config:    swarmConfigFromGlobal(cfg),
		Logger:    log,
		InfoHash:  m.InfoHash,
		ClientID:  cfg.ClientID,
		Scheduler: sched,
		Store:     store,
		IsSeeder:  store.IsComplete(),
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("client: create swarm: %w", err)
	}

	c := &Client{
		log:      log,
		metainfo: m,
		store:    store,
		sched:    sched,
		swarm:    swarm,
		seed:     cfg.Seed,
	}

	tr, err := tracker.NewTracker(m.Announce, m.AnnounceList, &tracker.TrackerOpts{
		Log:               log,
		OnAnnounceStart:   c.buildAnnounceParams,
		OnAnnounceSuccess: c.swarm.AdmitPeers,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("client: create tracker: %w", err)
	}
	c.tracker = tr

	return c, nil
}

func swarmConfigFromGlobal(cfg *config.Config) *peer.Config {
	return &peer.Config{
		MaxPeers:                  uint8(min(cfg.MaxPeers, 255)),
		UploadSlots:               uint8(cfg.UploadSlots),
		PeerOutboxBacklog:         uint8(cfg.PeerOutboundQueueBacklog),
		ReadTimeout:               cfg.ReadTimeout,
		WriteTimeout:              cfg.WriteTimeout,
		DialTimeout:               cfg.DialTimeout,
		RechokeInterval:           cfg.EpochDuration,
		OptimisticUnchokeInterval: 3 * cfg.EpochDuration,
		PeerHeartbeatInterval:     cfg.KeepAliveInterval,
		PeerInactivityDuration:    cfg.PeerInactivityDuration,
	}
}

// Run listens for inbound connections, starts the tracker/swarm/storage
// loops, and blocks until the download completes (returning nil), ctx is
// cancelled, or a fatal error occurs. When the loops stop for any reason
// other than a completed download, the completion bitfield is flushed to
// disk before Run returns.
func (c *Client) Run(ctx context.Context) error {
	cfg := config.Load()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("client: listen: %w", err)
	}
	c.listener = ln
	defer ln.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.store.Run(gctx) })
	g.Go(func() error { return c.swarm.Run(gctx) })
	g.Go(func() error { return c.tracker.Run(gctx) })
	g.Go(func() error { return c.acceptLoop(gctx) })
	g.Go(func() error { return c.haveBroadcastLoop(gctx) })
	g.Go(func() error { return c.completionWatchLoop(gctx) })

	err = g.Wait()

	// Finalize has already removed the sidecar after a completed download;
	// flushing then would write it back.
	if errors.Is(err, errDownloadComplete) {
		return nil
	}

	if flushErr := c.store.Flush(); flushErr != nil {
		c.log.Error("failed to flush bitfield on shutdown", "error", flushErr.Error())
	}
	return err
}

var errDownloadComplete = errors.New("client: download complete")

// completionWatchLoop exits (with errDownloadComplete) once every piece is
// verified, unless the client was started in seed mode.
func (c *Client) completionWatchLoop(ctx context.Context) error {
	if c.seed {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !c.store.IsComplete() {
				continue
			}
			if err := c.store.Finalize(); err != nil {
				return fmt.Errorf("client: finalize: %w", err)
			}
			c.log.Info("download complete", "name", c.metainfo.Name)
			return errDownloadComplete
		}
	}
}

// haveBroadcastLoop announces newly-completed pieces to every connected
// peer and arms endgame mode once completion crosses the configured
// threshold.
func (c *Client) haveBroadcastLoop(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	endgameOn := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, idx := range c.store.UpdateCompletion() {
				c.broadcastHave(idx)
			}

			shouldEndgame := c.sched.ShouldEnterEndgame()
			if shouldEndgame != endgameOn {
				c.sched.ApplyEndgame(shouldEndgame)
				endgameOn = shouldEndgame
			}
		}
	}
}

func (c *Client) broadcastHave(index int) {
	c.swarm.ForEachPeer(func(p *peer.Peer) {
		p.SendHave(uint32(index))
	})
}

func (c *Client) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.listener.Close()
	}()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("client: accept: %w", err)
			}
		}

		addr, ok := netip.AddrFromSlice(conn.RemoteAddr().(*net.TCPAddr).IP)
		if !ok {
			conn.Close()
			continue
		}
		remote := netip.AddrPortFrom(addr.Unmap(), uint16(conn.RemoteAddr().(*net.TCPAddr).Port))

		go c.swarm.AdoptInbound(ctx, conn, remote)
	}
}

func (c *Client) buildAnnounceParams() *tracker.AnnounceParams {
	cfg := config.Load()
	stats := c.swarm.Stats()
	left := uint64(c.store.BytesLeft())

	event := tracker.EventNone
	if left == 0 {
		event = tracker.EventCompleted
	}

	return &tracker.AnnounceParams{
		InfoHash:   c.metainfo.InfoHash,
		PeerID:     cfg.ClientID,
		Uploaded:   stats.TotalUploaded,
		Downloaded: uint64(c.store.BytesDownloaded()),
		Left:       left,
		Event:      event,
		NumWant:    cfg.NumWant,
		Port:       cfg.Port,
	}
}
