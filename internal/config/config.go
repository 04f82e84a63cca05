// Package config holds the process-wide configuration singleton. A Config is
// built once at startup from CLI flags and defaults, then read by every
// component (tracker, scheduler, storage, peer) via Load.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// PieceStrategy selects how the scheduler assigns missing pieces to peers.
type PieceStrategy uint8

const (
	// StrategyDefault assigns the first missing piece a waiting peer's
	// bitfield reports, biased against handing the same piece to more than
	// one peer outside endgame.
	StrategyDefault PieceStrategy = iota

	// StrategyRarestFirst picks uniformly among the rarest missing pieces
	// the peer has, tracked incrementally via an availability bucket.
	StrategyRarestFirst

	// StrategyRandom assigns a uniformly random missing piece the peer has.
	StrategyRandom

	// StrategyProportionalShare unchokes every peer that sent data last
	// epoch and allots upload bandwidth proportional to bytes received.
	StrategyProportionalShare
)

func (s PieceStrategy) String() string {
	switch s {
	case StrategyRarestFirst:
		return "rarest-first"
	case StrategyRandom:
		return "random"
	case StrategyProportionalShare:
		return "proportional-share"
	default:
		return "default"
	}
}

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// TorrentPath is the .torrent file to load.
	TorrentPath string

	// DestDir is the directory new downloads are written to.
	DestDir string

	// Clean removes any prior partial download and bitfield before
	// starting.
	Clean bool

	// Seed keeps the client running (and uploading) after the download
	// completes instead of exiting.
	Seed bool

	// NoColor disables ANSI color in log output.
	NoColor bool

	// ClientID is this client's 20-byte peer id, generated once at
	// startup with an Azureus-style prefix.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration

	// MaxPeers is the maximum number of concurrent peer connections.
	MaxPeers int

	// PeerOutboundQueueBacklog bounds the number of queued outbound
	// messages per peer connection before SendXxx calls start dropping.
	PeerOutboundQueueBacklog int

	// Port is the TCP port this client listens on for incoming peer
	// connections.
	Port uint16

	// ========== Tracker / Announce ==========

	NumWant             uint32
	AnnounceInterval    time.Duration
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration

	// ========== Piece Picker / Requests ==========

	PieceStrategy PieceStrategy

	// NumRarestPieces bounds how many of the rarest candidates the
	// rarest-first strategy samples from.
	NumRarestPieces int

	// MaxPeerOutstandingRequests caps in-flight block requests per peer.
	MaxPeerOutstandingRequests int

	// EndgameThreshold is the verified-completion fraction (0-1) at which
	// all remaining pieces enter endgame mode.
	EndgameThreshold float64

	// ========== Choking ==========

	// UploadSlots is the number of regular (non-optimistic) unchoke slots.
	UploadSlots int

	// EpochDuration governs the choking algorithm and re-announce cadence.
	EpochDuration time.Duration

	// ProportionalShareEpochBudget is the total bytes available to upload
	// across all peers per epoch under the proportional-share strategy,
	// split proportional to each peer's bytes received last epoch.
	ProportionalShareEpochBudget int64

	// ========== Keepalive / Timeouts ==========

	KeepAliveInterval      time.Duration
	PeerInactivityDuration time.Duration

	// MaxConnectionAttempts bounds reconnect attempts per peer address
	// before it is dropped for good.
	MaxConnectionAttempts int

	// ========== Networking features ==========

	EnableIPv6 bool
	HasIPV6    bool
}

func defaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DestDir:                      getDefaultDownloadDir(),
		ClientID:                     clientID,
		Port:                         6881,
		ReadTimeout:                  30 * time.Second,
		WriteTimeout:                 30 * time.Second,
		DialTimeout:                  7 * time.Second,
		MaxPeers:                     55,
		PeerOutboundQueueBacklog:     64,
		NumWant:                      50,
		AnnounceInterval:             0,
		MinAnnounceInterval:          20 * time.Minute,
		MaxAnnounceBackoff:           15 * time.Minute,
		PieceStrategy:                StrategyRarestFirst,
		NumRarestPieces:              8,
		MaxPeerOutstandingRequests:   100,
		EndgameThreshold:             0.95,
		UploadSlots:                  4,
		EpochDuration:                10 * time.Second,
		ProportionalShareEpochBudget: 4 << 20,
		KeepAliveInterval:            60 * time.Second,
		PeerInactivityDuration:       120 * time.Second,
		MaxConnectionAttempts:        10,
		EnableIPv6:                   hasIPV6(),
		HasIPV6:                      hasIPV6(),
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "torrentpeer")
	default:
		return filepath.Join(home, ".local", "share", "torrentpeer", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	prefix := []byte("-TP0001-")
	copy(id[:], prefix)

	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return id, nil
}
