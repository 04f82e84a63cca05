// Package piece implements the in-memory block-assembly and request-tracking
// state for a single torrent piece, plus the rarest-first availability
// structure shared by the scheduler's piece-selection strategies.
package piece

import (
	"crypto/sha1"
	"errors"
	"sync"
	"time"
)

// PieceTimeout governs how long an outstanding block request is honored
// before NextRequest will reissue it.
const PieceTimeout = time.Second

// Status is the outcome of AddBlock.
type Status int

const (
	// Duplicate means the block's bytes were already received; the data
	// was silently discarded.
	Duplicate Status = iota
	// Accepted means the block was stored and the piece is not yet complete.
	Accepted
	// Completed means this block completed the piece and the hash verified;
	// the caller should persist Payload().
	Completed
	// HashFailed means this block completed byte coverage but the SHA-1 did
	// not match; all piece state has been reset.
	HashFailed
)

// ErrBlockOutOfBounds is returned by AddBlock when offset+len(data) exceeds
// the piece's length.
var ErrBlockOutOfBounds = errors.New("piece: block exceeds piece length bound")

// Piece tracks in-flight block requests and received bytes for a single
// piece. It never touches disk: once complete and hash-verified, it hands a
// contiguous payload to its caller (BlockStore), which performs the write.
type Piece struct {
	mu sync.Mutex

	Index  int
	Length int32
	Hash   [sha1.Size]byte

	received        map[int32][]byte // offset -> bytes
	pendingRequests map[int32]time.Time
	downloaded      int32
	complete        bool
	endgame         bool
	payload         []byte // set once Completed

	// cursor remembers where NextRequest last scanned, so repeated calls in
	// endgame cycle through offsets instead of always returning the first.
	cursor int32
}

// New constructs a Piece of the given index, length, and expected hash.
func New(index int, length int32, hash [sha1.Size]byte) *Piece {
	return &Piece{
		Index:           index,
		Length:          length,
		Hash:            hash,
		received:        make(map[int32][]byte),
		pendingRequests: make(map[int32]time.Time),
	}
}

// SetEndgame toggles endgame mode for this piece. In endgame, NextRequest may
// return offsets that already have an outstanding (non-expired) request, so
// the same block can be requested from multiple peers.
func (p *Piece) SetEndgame(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endgame = on
}

// IsComplete reports whether this piece has been verified complete.
func (p *Piece) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.complete
}

// DownloadPercent returns progress as a 0-100 value.
func (p *Piece) DownloadPercent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Length == 0 {
		return 0
	}
	return float64(p.downloaded) / float64(p.Length) * 100
}

// Payload returns the assembled, hash-verified piece bytes. Only valid after
// AddBlock has returned Completed.
func (p *Piece) Payload() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payload
}

// SetCompleteFromPriorDownload marks the piece complete without
// re-verifying, used at startup when the persisted bitfield already
// indicates completion.
func (p *Piece) SetCompleteFromPriorDownload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.complete = true
	p.downloaded = p.Length
	p.received = nil
	p.pendingRequests = nil
}

// NextRequest returns the next (offset, length) to request, walking 16-KiB
// strides. It skips offsets already received or with a non-expired
// outstanding request. If endgame is set and every remaining offset has an
// outstanding request, it returns one of them anyway, cycling through the
// candidates across calls.
func (p *Piece) NextRequest() (offset, length int32, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.complete {
		return 0, 0, false
	}

	blockCount := BlockCountForPiece(p.Length, MaxBlockLength)
	now := time.Now()

	for i := int32(0); i < blockCount; i++ {
		begin, blen, bOk := BlockBounds(p.Length, i)
		if !bOk {
			continue
		}
		if _, got := p.received[begin]; got {
			continue
		}
		if ts, pending := p.pendingRequests[begin]; !pending || now.Sub(ts) > PieceTimeout {
			p.pendingRequests[begin] = now
			return begin, blen, true
		}
	}

	if !p.endgame {
		return 0, 0, false
	}

	// Endgame: every remaining offset has an outstanding request. Cycle
	// through them so load isn't concentrated on one block.
	var candidates []int32
	for i := int32(0); i < blockCount; i++ {
		begin, _, bOk := BlockBounds(p.Length, i)
		if !bOk {
			continue
		}
		if _, got := p.received[begin]; !got {
			candidates = append(candidates, begin)
		}
	}
	if len(candidates) == 0 {
		return 0, 0, false
	}

	idx := int(p.cursor) % len(candidates)
	p.cursor++
	begin := candidates[idx]
	_, blen, _ := BlockBounds(p.Length, begin/MaxBlockLength)
	p.pendingRequests[begin] = now
	return begin, blen, true
}

// AddBlock stores a received block. When the running total equals the
// piece's length, it assembles a contiguous buffer, verifies its SHA-1
// against the expected hash, and returns Completed (with Payload available)
// or HashFailed (with all state reset).
func (p *Piece) AddBlock(offset int32, data []byte) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.complete {
		return Duplicate, nil
	}
	if offset < 0 || offset+int32(len(data)) > p.Length {
		return Duplicate, ErrBlockOutOfBounds
	}
	if _, got := p.received[offset]; got {
		return Duplicate, nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	p.received[offset] = buf
	delete(p.pendingRequests, offset)
	p.downloaded += int32(len(data))

	if p.downloaded < p.Length {
		return Accepted, nil
	}

	payload := make([]byte, p.Length)
	for off, b := range p.received {
		copy(payload[off:], b)
	}

	if sha1.Sum(payload) != p.Hash {
		p.received = make(map[int32][]byte)
		p.pendingRequests = make(map[int32]time.Time)
		p.downloaded = 0
		return HashFailed, nil
	}

	p.complete = true
	p.payload = payload
	p.received = nil
	p.pendingRequests = nil
	return Completed, nil
}
