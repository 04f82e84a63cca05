// Package meta parses single-file .torrent metainfo dictionaries.
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/torrentpeer/torrentpeer/internal/bencode"
)

// Metainfo is the parsed, immutable contents of a .torrent file.
type Metainfo struct {
	Name         string
	Length       int64
	PieceLength  int32
	Pieces       [][sha1.Size]byte
	Private      bool
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
	InfoHash     [sha1.Size]byte
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrLengthMissing       = errors.New("metainfo: 'info' length missing (multi-file torrents are not supported)")
	ErrLengthMismatch      = errors.New("metainfo: 'length' does not match piece layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
)

// Size returns the total length of the torrent's single file.
func (m *Metainfo) Size() int64 { return m.Length }

// NumPieces returns the number of pieces in the torrent.
func (m *Metainfo) NumPieces() int { return len(m.Pieces) }

// LastPieceLength returns the length of the final (possibly short) piece.
func (m *Metainfo) LastPieceLength() int64 {
	n := int64(len(m.Pieces))
	if n == 0 {
		return 0
	}
	full := int64(m.PieceLength) * (n - 1)
	return m.Length - full
}

// ParseMetainfo parses a bencoded .torrent file into a Metainfo.
//
// Only single-file torrents are supported; an 'info' dict carrying 'files'
// instead of 'length' is rejected.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := toOptionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, ok := v.(int64)
		if !ok || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := toOptionalString(root["created by"])
	if err != nil {
		return nil, err
	}
	comment, err := toOptionalString(root["comment"])
	if err != nil {
		return nil, err
	}
	encoding, err := toOptionalString(root["encoding"])
	if err != nil {
		return nil, err
	}

	infoRaw, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoRaw.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	name, length, pieceLength, pieces, private, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	hash, err := computeInfoHash(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	m := &Metainfo{
		Name:         name,
		Length:       length,
		PieceLength:  pieceLength,
		Pieces:       pieces,
		Private:      private,
		InfoHash:     hash,
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
		Encoding:     encoding,
	}

	if err := m.validateLayout(); err != nil {
		return nil, err
	}
	return m, nil
}

// validateLayout checks the (len(hashes)-1)*piece_length + last_piece_length
// == total_length invariant and that the last piece length is in (0, piece_length].
func (m *Metainfo) validateLayout() error {
	n := int64(len(m.Pieces))
	if n == 0 {
		return ErrPiecesMissing
	}
	full := int64(m.PieceLength) * (n - 1)
	last := m.Length - full
	if last <= 0 || last > int64(m.PieceLength) {
		return ErrLengthMismatch
	}
	return nil
}

func parseInfo(dict map[string]any) (name string, length int64, pieceLength int32, pieces [][sha1.Size]byte, private bool, err error) {
	nameVal, ok := dict["name"]
	if !ok {
		return "", 0, 0, nil, false, ErrNameMissing
	}
	name, ok = nameVal.(string)
	if !ok || name == "" {
		return "", 0, 0, nil, false, fmt.Errorf("metainfo: invalid 'name'")
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return "", 0, 0, nil, false, ErrPieceLenMissing
	}
	pl, ok := plVal.(int64)
	if !ok || pl <= 0 {
		return "", 0, 0, nil, false, ErrPieceLenNonPositive
	}
	pieceLength = int32(pl)

	pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return "", 0, 0, nil, false, err
	}

	if v, ok := dict["private"]; ok {
		iv, ok := v.(int64)
		if !ok || (iv != 0 && iv != 1) {
			return "", 0, 0, nil, false, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		private = iv == 1
	}

	lengthVal, hasLength := dict["length"]
	if _, hasFiles := dict["files"]; hasFiles {
		return "", 0, 0, nil, false, errors.New("metainfo: multi-file torrents are not supported")
	}
	if !hasLength {
		return "", 0, 0, nil, false, ErrLengthMissing
	}
	lv, ok := lengthVal.(int64)
	if !ok || lv < 0 {
		return "", 0, 0, nil, false, fmt.Errorf("metainfo: invalid 'length'")
	}
	length = lv

	return name, length, pieceLength, pieces, private, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	rawTiers, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid announce-list")
	}

	out := make([][]string, 0, len(rawTiers))
	for _, rawTier := range rawTiers {
		urls, ok := rawTier.([]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: invalid announce-list tier")
		}
		tier := make([]string, 0, len(urls))
		for _, u := range urls {
			s, ok := u.(string)
			if !ok {
				return nil, fmt.Errorf("metainfo: invalid announce-list url")
			}
			tier = append(tier, s)
		}
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func toOptionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("metainfo: expected string, got %T", v)
	}
	return s, nil
}

func computeInfoHash(info map[string]any) ([sha1.Size]byte, error) {
	buf, err := bencode.Marshal(info)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf), nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("metainfo: 'pieces' is not a string")
	}
	pieceBytes := []byte(s)
	if len(pieceBytes)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(pieceBytes) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], pieceBytes[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}
