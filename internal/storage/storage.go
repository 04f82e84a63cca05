// Package storage implements the on-disk BlockStore: a single pre-allocated
// data file plus a persisted completion bitfield, fed by in-memory Piece
// assembly and drained through one serialized writer goroutine.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/torrentpeer/torrentpeer/internal/bitfield"
	"github.com/torrentpeer/torrentpeer/internal/meta"
	"github.com/torrentpeer/torrentpeer/internal/piece"
)

const bitfieldSuffix = ".bitfield"
const partialSuffix = ".part"

// BlockStore owns the data file, the per-piece assembly state, and the
// persisted completion bitfield for a single-file torrent download.
type BlockStore struct {
	log      *slog.Logger
	metainfo *meta.Metainfo

	finalPath     string
	partialPath   string
	bitfieldPath  string
	pieceLength   int32
	totalLength   int64

	f *os.File

	mu         sync.RWMutex
	pieces     []*piece.Piece
	completion bitfield.Bitfield
	pending    []int // piece indices completed since the last UpdateCompletion

	writeQueue chan writeJob
}

type writeJob struct {
	index  int
	data   []byte
	result chan error
}

// Open opens or creates the backing file for m under destDir. If clean is
// true, any prior partial file and bitfield sidecar are removed first;
// otherwise a prior partial's persisted bitfield is loaded and every piece it
// marks complete is adopted without re-hashing.
func Open(m *meta.Metainfo, destDir string, clean bool, log *slog.Logger) (*BlockStore, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage")

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dest dir: %w", err)
	}

	finalPath := filepath.Join(destDir, m.Name)
	partialPath := finalPath + partialSuffix
	bitfieldPath := finalPath + bitfieldSuffix

	if clean {
		_ = os.Remove(partialPath)
		_ = os.Remove(bitfieldPath)
	}

	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open data file: %w", err)
	}
	if err := f.Truncate(m.Size()); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: preallocate data file: %w", err)
	}

	pieces := make([]*piece.Piece, m.NumPieces())
	for i := range pieces {
		pieces[i] = piece.New(i, pieceLenFor(m, i), m.Pieces[i])
	}

	s := &BlockStore{
		log:          log,
		metainfo:     m,
		finalPath:    finalPath,
		partialPath:  partialPath,
		bitfieldPath: bitfieldPath,
		pieceLength:  m.PieceLength,
		totalLength:  m.Size(),
		f:            f,
		pieces:       pieces,
		completion:   bitfield.New(m.NumPieces()),
		writeQueue:   make(chan writeJob, 64),
	}

	if !clean {
		if err := s.adoptPersistedBitfield(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return s, nil
}

func pieceLenFor(m *meta.Metainfo, index int) int32 {
	if index == m.NumPieces()-1 {
		return int32(m.LastPieceLength())
	}
	return m.PieceLength
}

func (s *BlockStore) adoptPersistedBitfield() error {
	data, err := os.ReadFile(s.bitfieldPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("storage: read persisted bitfield: %w", err)
	}
	if len(data) != s.metainfo.NumPieces() {
		s.log.Warn("persisted bitfield size mismatch, ignoring", "want", s.metainfo.NumPieces(), "got", len(data))
		return nil
	}

	for i, c := range data {
		if c != '1' {
			continue
		}
		s.pieces[i].SetCompleteFromPriorDownload()
		s.completion.Set(i)
	}
	s.log.Info("resumed from persisted bitfield", "pieces_complete", s.completion.Count())
	return nil
}

// Run drains the write queue until ctx is cancelled, serializing all disk
// writes and completion-bitfield persistence through this single goroutine.
// A failed piece write or bitfield persist is fatal: Run returns that error.
func (s *BlockStore) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-s.writeQueue:
			if !ok {
				return nil
			}
			err := s.commitPiece(job.index, job.data)
			job.result <- err
			if err != nil {
				return err
			}
		}
	}
}

func (s *BlockStore) commitPiece(index int, data []byte) error {
	offset := int64(index) * int64(s.pieceLength)
	if _, err := s.f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("storage: write piece %d: %w", index, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("storage: sync piece %d: %w", index, err)
	}

	s.mu.Lock()
	s.completion.Set(index)
	s.pending = append(s.pending, index)
	s.mu.Unlock()

	if err := s.persistBitfield(); err != nil {
		return err
	}

	s.log.Debug("piece committed", "index", index)
	return nil
}

func (s *BlockStore) persistBitfield() error {
	s.mu.RLock()
	buf := make([]byte, s.metainfo.NumPieces())
	for i := range buf {
		if s.completion.Has(i) {
			buf[i] = '1'
		} else {
			buf[i] = '0'
		}
	}
	s.mu.RUnlock()

	if err := os.WriteFile(s.bitfieldPath, buf, 0o644); err != nil {
		return fmt.Errorf("storage: persist bitfield: %w", err)
	}
	return nil
}

// AddBlock feeds a received block into the indexed piece. When the block
// completes the piece and its hash verifies, the assembled payload is
// written to disk (serialized through Run) before this call returns.
func (s *BlockStore) AddBlock(pieceIndex int, offset int32, data []byte) (piece.Status, error) {
	if pieceIndex < 0 || pieceIndex >= len(s.pieces) {
		return piece.Duplicate, fmt.Errorf("storage: piece index %d out of range", pieceIndex)
	}

	p := s.pieces[pieceIndex]
	status, err := p.AddBlock(offset, data)
	if err != nil || status != piece.Completed {
		return status, err
	}

	job := writeJob{index: pieceIndex, data: p.Payload(), result: make(chan error, 1)}
	s.writeQueue <- job
	if err := <-job.result; err != nil {
		return status, err
	}
	return status, nil
}

// Piece returns the in-memory Piece for the given index, for NextRequest and
// endgame toggling by the scheduler.
func (s *BlockStore) Piece(index int) *piece.Piece {
	return s.pieces[index]
}

// NumPieces returns the number of pieces in the torrent.
func (s *BlockStore) NumPieces() int {
	return len(s.pieces)
}

// UpdateCompletion returns the piece indices that have completed since the
// last call and clears the pending list.
func (s *BlockStore) UpdateCompletion() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	out := s.pending
	s.pending = nil
	return out
}

// Has reports whether piece i has been verified complete.
func (s *BlockStore) Has(i int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completion.Has(i)
}

// Bitfield returns a snapshot of the local completion bitfield, for sending
// a BITFIELD message right after a handshake.
func (s *BlockStore) Bitfield() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completion.Clone()
}

// Missing returns the indices of all pieces not yet verified complete.
func (s *BlockStore) Missing() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []int
	for i := 0; i < len(s.pieces); i++ {
		if !s.completion.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// IsComplete reports whether every piece has been verified.
func (s *BlockStore) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completion.Count() == len(s.pieces)
}

// BytesDownloaded returns the total bytes of verified pieces.
func (s *BlockStore) BytesDownloaded() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for i := 0; i < s.completion.Len(); i++ {
		if s.completion.Has(i) {
			total += int64(pieceLenFor(s.metainfo, i))
		}
	}
	return total
}

// BytesLeft returns total torrent size minus BytesDownloaded.
func (s *BlockStore) BytesLeft() int64 {
	return s.totalLength - s.BytesDownloaded()
}

// ReadBlock reads length bytes at offset within piece pieceIndex, for
// serving PIECE responses to remote REQUESTs. The piece must be complete.
func (s *BlockStore) ReadBlock(pieceIndex int, offset, length int32) ([]byte, error) {
	if !s.Has(pieceIndex) {
		return nil, fmt.Errorf("storage: piece %d not complete", pieceIndex)
	}

	buf := make([]byte, length)
	abs := int64(pieceIndex)*int64(s.pieceLength) + int64(offset)
	if _, err := s.f.ReadAt(buf, abs); err != nil {
		return nil, fmt.Errorf("storage: read block: %w", err)
	}
	return buf, nil
}

// Finalize renames the partial data file to its final name and removes the
// persisted bitfield sidecar. Only valid once IsComplete reports true.
func (s *BlockStore) Finalize() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("storage: close data file: %w", err)
	}
	if err := os.Rename(s.partialPath, s.finalPath); err != nil {
		return fmt.Errorf("storage: rename to final path: %w", err)
	}
	if err := os.Remove(s.bitfieldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove bitfield sidecar: %w", err)
	}
	return nil
}

// Flush persists the current completion bitfield without waiting for a
// piece write, used on shutdown so a fatal error doesn't lose progress.
func (s *BlockStore) Flush() error {
	return s.persistBitfield()
}

// Close closes the underlying file without renaming it, used on an
// unrecoverable error path where the partial should be left in place.
func (s *BlockStore) Close() error {
	return s.f.Close()
}
