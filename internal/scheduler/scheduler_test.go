package scheduler

import (
	"context"
	"crypto/sha1"
	"net/netip"
	"testing"

	"github.com/torrentpeer/torrentpeer/internal/bitfield"
	"github.com/torrentpeer/torrentpeer/internal/config"
	"github.com/torrentpeer/torrentpeer/internal/meta"
	"github.com/torrentpeer/torrentpeer/internal/storage"
)

func init() {
	if err := config.Init(); err != nil {
		panic(err)
	}
}

func buildMetainfo(t *testing.T, data []byte, pieceLen int32) *meta.Metainfo {
	t.Helper()

	var hashes [][sha1.Size]byte
	for off := int64(0); off < int64(len(data)); off += int64(pieceLen) {
		end := min(off+int64(pieceLen), int64(len(data)))
		hashes = append(hashes, sha1.Sum(data[off:end]))
	}

	return &meta.Metainfo{
		Name:        "payload.bin",
		Length:      int64(len(data)),
		PieceLength: pieceLen,
		Pieces:      hashes,
	}
}

func openStore(t *testing.T, data []byte, pieceLen int32) *storage.BlockStore {
	t.Helper()
	m := buildMetainfo(t, data, pieceLen)

	s, err := storage.Open(m, t.TempDir(), true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Run(ctx) }()

	return s
}

func addr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func fullBitfield(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestAssignWorkRequiresRegisteredPeer(t *testing.T) {
	s := New(openStore(t, []byte("aaaabbbbcccc"), 4), nil)

	if s.AssignWork(addr(1)) {
		t.Fatalf("expected no assignment for unregistered peer")
	}
}

func TestWantsAnythingFromFollowsBitfield(t *testing.T) {
	store := openStore(t, []byte("aaaabbbbcccc"), 4)
	s := New(store, nil)
	a := addr(1)

	s.RegisterPeer(a)
	if s.WantsAnythingFrom(a) {
		t.Fatalf("peer with empty bitfield should not be wanted from")
	}

	s.OnHave(a, 0)
	if !s.WantsAnythingFrom(a) {
		t.Fatalf("expected interest after HAVE for a missing piece")
	}
}

func TestAssignWorkAndNextRequestDefault(t *testing.T) {
	store := openStore(t, []byte("aaaabbbbcccc"), 4)
	s := New(store, nil)
	a := addr(1)

	s.RegisterPeer(a)
	s.OnBitfield(a, fullBitfield(3))

	if !s.AssignWork(a) {
		t.Fatalf("expected a piece to be assigned")
	}

	index, offset, length, ok := s.NextRequest(a)
	if !ok {
		t.Fatalf("expected a request to be produced")
	}
	if index < 0 || index >= 3 {
		t.Fatalf("unexpected piece index %d", index)
	}
	if offset != 0 || length != 4 {
		t.Fatalf("unexpected block bounds offset=%d length=%d", offset, length)
	}
}

func TestAssignWorkStopsOnceEverythingHave(t *testing.T) {
	store := openStore(t, []byte("aaaabbbb"), 4)
	s := New(store, nil)
	a := addr(1)

	s.RegisterPeer(a)
	s.OnBitfield(a, fullBitfield(2))

	if _, err := store.AddBlock(0, 0, []byte("aaaa")); err != nil {
		t.Fatalf("AddBlock piece 0: %v", err)
	}
	if _, err := store.AddBlock(1, 0, []byte("bbbb")); err != nil {
		t.Fatalf("AddBlock piece 1: %v", err)
	}

	if s.AssignWork(a) {
		t.Fatalf("expected no work left once every piece is complete")
	}
}

func TestRarestFirstPrefersLeastAvailablePiece(t *testing.T) {
	store := openStore(t, []byte("aaaabbbbccccdddd"), 4)

	config.Update(func(c *config.Config) {
		c.PieceStrategy = config.StrategyRarestFirst
		c.NumRarestPieces = 1
	})
	t.Cleanup(func() {
		config.Update(func(c *config.Config) { c.PieceStrategy = config.StrategyDefault })
	})

	s := New(store, nil)

	rare := addr(1)
	a2, a3 := addr(2), addr(3)

	s.RegisterPeer(rare)
	s.RegisterPeer(a2)
	s.RegisterPeer(a3)

	// Pieces 0,1,3 are reported by all three peers; piece 2 is reported
	// only by "rare", so it is strictly the rarest.
	common013 := bitfield.New(4)
	common013.Set(0)
	common013.Set(1)
	common013.Set(3)
	s.OnBitfield(a2, common013)
	s.OnBitfield(a3, common013)
	s.OnBitfield(rare, fullBitfield(4))

	if !s.AssignWork(rare) {
		t.Fatalf("expected assignment")
	}
	index, _, _, ok := s.NextRequest(rare)
	if !ok {
		t.Fatalf("expected a request")
	}
	if index != 2 {
		t.Fatalf("expected rarest piece 2 to be picked, got %d", index)
	}
}

func TestApplyEndgameAndShouldEnterEndgame(t *testing.T) {
	store := openStore(t, []byte("aaaabbbb"), 4)
	s := New(store, nil)

	config.Update(func(c *config.Config) { c.EndgameThreshold = 0.4 })

	if s.ShouldEnterEndgame() {
		t.Fatalf("expected endgame not yet reached")
	}

	if _, err := store.AddBlock(0, 0, []byte("aaaa")); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}

	if !s.ShouldEnterEndgame() {
		t.Fatalf("expected endgame threshold crossed")
	}

	s.ApplyEndgame(true)
	p := store.Piece(1)
	if _, _, ok := p.NextRequest(); !ok {
		t.Fatalf("expected endgame piece to still produce a request")
	}
}

func TestUnregisterPeerBacksOutAvailability(t *testing.T) {
	store := openStore(t, []byte("aaaabbbb"), 4)
	s := New(store, nil)
	a := addr(1)

	s.RegisterPeer(a)
	s.OnBitfield(a, fullBitfield(2))
	s.UnregisterPeer(a)

	if s.WantsAnythingFrom(a) {
		t.Fatalf("expected unregistered peer to report no interest")
	}
	for i := 0; i < 2; i++ {
		if got := s.avail.Availability(i); got != 0 {
			t.Fatalf("piece %d availability = %d after unregister, want 0", i, got)
		}
	}
}
