package piece

import (
	"crypto/sha1"
	"testing"
)

func TestAddBlockCompletesAndVerifies(t *testing.T) {
	data := make([]byte, MaxBlockLength+10)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)

	p := New(0, int32(len(data)), hash)

	st, err := p.AddBlock(0, data[:MaxBlockLength])
	if err != nil || st != Accepted {
		t.Fatalf("first block: status=%v err=%v", st, err)
	}

	st, err = p.AddBlock(MaxBlockLength, data[MaxBlockLength:])
	if err != nil || st != Completed {
		t.Fatalf("second block: status=%v err=%v", st, err)
	}
	if !p.IsComplete() {
		t.Fatalf("piece should be complete")
	}
	if string(p.Payload()) != string(data) {
		t.Fatalf("payload mismatch")
	}
}

func TestAddBlockHashFailureResetsPiece(t *testing.T) {
	data := make([]byte, 100)
	wrongHash := sha1.Sum([]byte("not the data"))

	p := New(1, int32(len(data)), wrongHash)

	st, err := p.AddBlock(0, data)
	if err != nil || st != HashFailed {
		t.Fatalf("status=%v err=%v, want HashFailed", st, err)
	}
	if p.DownloadPercent() != 0 {
		t.Fatalf("downloaded should reset to 0, got %v", p.DownloadPercent())
	}

	offset, _, ok := p.NextRequest()
	if !ok || offset != 0 {
		t.Fatalf("NextRequest after hash failure should offer offset 0, got offset=%d ok=%v", offset, ok)
	}
}

func TestAddBlockDuplicateDiscarded(t *testing.T) {
	data := make([]byte, 50)
	hash := sha1.Sum(data)
	p := New(0, int32(len(data)), hash)

	st, err := p.AddBlock(0, data[:20])
	if err != nil || st != Accepted {
		t.Fatalf("first: %v %v", st, err)
	}

	st, err = p.AddBlock(0, data[:20])
	if err != nil || st != Duplicate {
		t.Fatalf("duplicate should be silently discarded, got %v %v", st, err)
	}
}

func TestAddBlockOutOfBounds(t *testing.T) {
	p := New(0, 10, [sha1.Size]byte{})

	_, err := p.AddBlock(5, make([]byte, 10))
	if err != ErrBlockOutOfBounds {
		t.Fatalf("expected ErrBlockOutOfBounds, got %v", err)
	}
}

func TestNextRequestRespectsTimeoutAndEndgame(t *testing.T) {
	p := New(0, MaxBlockLength, [sha1.Size]byte{})

	offset, length, ok := p.NextRequest()
	if !ok || offset != 0 || length != MaxBlockLength {
		t.Fatalf("first request = (%d,%d,%v)", offset, length, ok)
	}

	// Without endgame, a fresh pending request blocks re-issue.
	if _, _, ok := p.NextRequest(); ok {
		t.Fatalf("should not re-offer a fresh pending request outside endgame")
	}

	p.SetEndgame(true)
	_, _, ok = p.NextRequest()
	if !ok {
		t.Fatalf("endgame should offer outstanding offsets")
	}
}

func TestSetCompleteFromPriorDownload(t *testing.T) {
	p := New(0, 100, [sha1.Size]byte{})
	p.SetCompleteFromPriorDownload()

	if !p.IsComplete() {
		t.Fatalf("should be complete")
	}
	if _, _, ok := p.NextRequest(); ok {
		t.Fatalf("complete piece should not offer requests")
	}
}
