package storage

import (
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/torrentpeer/torrentpeer/internal/meta"
)

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

func runStore(t *testing.T, s *BlockStore) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	return cancel
}

func TestOpenAddBlockAndFinalize(t *testing.T) {
	pieceLen := int32(8)
	data := []byte("abcdefgh12345678")
	m := buildMetainfo(t, data, pieceLen)

	dir := t.TempDir()
	s, err := Open(m, dir, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cancel := runStore(t, s)
	defer cancel()

	if _, err := s.AddBlock(0, 0, data[:8]); err != nil {
		t.Fatalf("AddBlock piece 0: %v", err)
	}
	if !s.Has(0) {
		t.Fatalf("expected piece 0 complete")
	}

	if _, err := s.AddBlock(1, 0, data[8:]); err != nil {
		t.Fatalf("AddBlock piece 1: %v", err)
	}
	if !s.IsComplete() {
		t.Fatalf("expected store complete")
	}

	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	finalPath := filepath.Join(dir, "payload.bin")
	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("final file mismatch: got %q want %q", got, data)
	}
	if _, err := os.Stat(s.bitfieldPath); !os.IsNotExist(err) {
		t.Fatalf("expected bitfield sidecar removed")
	}
}

func TestUpdateCompletionDrainsPending(t *testing.T) {
	pieceLen := int32(4)
	data := []byte("aaaabbbb")
	m := buildMetainfo(t, data, pieceLen)

	s, err := Open(m, t.TempDir(), true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cancel := runStore(t, s)
	defer cancel()

	if _, err := s.AddBlock(0, 0, data[:4]); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}

	deadline := time.After(time.Second)
	for len(s.UpdateCompletion()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for completion")
		default:
		}
	}

	if got := s.UpdateCompletion(); got != nil {
		t.Fatalf("expected pending drained, got %v", got)
	}
}

func TestResumeFromPersistedBitfield(t *testing.T) {
	pieceLen := int32(4)
	data := []byte("aaaabbbb")
	m := buildMetainfo(t, data, pieceLen)
	dir := t.TempDir()

	s, err := Open(m, dir, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cancel := runStore(t, s)

	if _, err := s.AddBlock(0, 0, data[:4]); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	for len(s.UpdateCompletion()) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	resumed, err := Open(m, dir, false, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !resumed.Has(0) {
		t.Fatalf("expected piece 0 adopted from persisted bitfield")
	}
	if resumed.Has(1) {
		t.Fatalf("piece 1 should remain incomplete")
	}
}

func TestReadBlockRequiresCompletePiece(t *testing.T) {
	pieceLen := int32(4)
	data := []byte("aaaabbbb")
	m := buildMetainfo(t, data, pieceLen)

	s, err := Open(m, t.TempDir(), true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.ReadBlock(0, 0, 4); err == nil {
		t.Fatalf("expected error reading incomplete piece")
	}

	cancel := runStore(t, s)
	defer cancel()
	if _, err := s.AddBlock(0, 0, data[:4]); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}

	got, err := s.ReadBlock(0, 0, 4)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(got) != "aaaa" {
		t.Fatalf("ReadBlock = %q, want aaaa", got)
	}
}
