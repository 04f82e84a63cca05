package piece

import (
	"math/bits"
	"math/rand"
	"sync"
)

// AvailabilityBucket tracks which pieces belong to each availability level
// (how many peers currently have that piece), supporting O(1) updates as
// peers join/leave and O(1)-ish lookup of the rarest non-empty level.
//
// Pieces move between small dense "bucket" slices, one per availability
// count; each piece records its position within its current bucket so a
// swap-with-last removal is constant time. A bitmap of non-empty buckets
// lets FirstNonEmpty skip straight to the rarest occupied level.
type AvailabilityBucket struct {
	mu sync.RWMutex

	buckets      [][]int
	avail        []uint16
	pos          []int
	maxAvail     int
	nonEmptyBits []uint64

	rng *rand.Rand
}

// NewAvailabilityBucket returns a tracker for pieceCount pieces, where
// maxAvail is the maximum number of peers that can report having any one
// piece (used to size the bucket array).
func NewAvailabilityBucket(pieceCount, maxAvail int) *AvailabilityBucket {
	if maxAvail < 1 {
		maxAvail = 1
	}
	rng := rand.New(rand.NewSource(rand.Int63()))

	b := &AvailabilityBucket{
		rng:          rng,
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]uint16, pieceCount),
		pos:          make([]int, pieceCount),
		nonEmptyBits: make([]uint64, (maxAvail>>6)+1),
	}

	capacity := max(1, pieceCount/(maxAvail+1))
	for a := range b.buckets {
		b.buckets[a] = make([]int, 0, capacity)
	}

	b.buckets[0] = make([]int, pieceCount)
	for i := 0; i < pieceCount; i++ {
		b.buckets[0][i] = i
		b.pos[i] = i
	}
	if pieceCount > 0 {
		b.setBit(0)
	}

	return b
}

// MaxAvailability returns the highest availability level this tracker can
// represent; callers scanning levels in order should stop here.
func (b *AvailabilityBucket) MaxAvailability() int {
	return b.maxAvail
}

// Availability returns the current availability count for piece i.
func (b *AvailabilityBucket) Availability(i int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.avail[i])
}

// FirstNonEmpty returns the smallest availability level with at least one
// piece, and false if every bucket is empty.
func (b *AvailabilityBucket) FirstNonEmpty() (a int, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for w := 0; w < len(b.nonEmptyBits); w++ {
		if x := b.nonEmptyBits[w]; x != 0 {
			off := bits.TrailingZeros64(x)
			return w<<6 + off, true
		}
	}
	return 0, false
}

// Bucket returns a copy of the piece indices at availability level a.
func (b *AvailabilityBucket) Bucket(a int) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if a < 0 || a > b.maxAvail {
		return nil
	}
	return append([]int(nil), b.buckets[a]...)
}

// Move changes piece i's availability count by delta (+1 when a peer's
// bitfield/HAVE reports it, -1 when that peer disconnects).
func (b *AvailabilityBucket) Move(i, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldA := int(b.avail[i])
	newA := min(b.maxAvail, max(0, oldA+delta))
	if newA == oldA {
		return
	}

	b.removeFrom(i, oldA)
	b.addTo(i, newA)
	b.avail[i] = uint16(newA)
}

func (b *AvailabilityBucket) removeFrom(i, avail int) {
	pos := b.pos[i]
	bucket := b.buckets[avail]
	lastIdx := len(bucket) - 1

	bucket[pos] = bucket[lastIdx]
	b.pos[bucket[pos]] = pos
	bucket = bucket[:lastIdx]
	b.buckets[avail] = bucket

	if len(bucket) == 0 {
		b.clearBit(avail)
	}
}

func (b *AvailabilityBucket) addTo(i, avail int) {
	bucket := b.buckets[avail]
	bucket = append(bucket, i)
	idx := len(bucket) - 1

	if idx > 0 {
		j := b.rng.Intn(idx + 1)
		bucket[idx], bucket[j] = bucket[j], bucket[idx]
		b.pos[bucket[idx]] = idx
		b.pos[bucket[j]] = j
	} else {
		b.pos[i] = 0
	}

	b.buckets[avail] = bucket
	b.setBit(avail)
}

func (b *AvailabilityBucket) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] |= 1 << bit
}

func (b *AvailabilityBucket) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] &^= 1 << bit
}
