package piece

import (
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"
)

func checkBucketInvariants(t *testing.T, b *AvailabilityBucket, n int) {
	t.Helper()

	b.mu.RLock()
	defer b.mu.RUnlock()

	totalItems := 0
	seen := make(map[int]bool, n)

	for a, bucket := range b.buckets {
		totalItems += len(bucket)

		w, bit := a>>6, uint(a&63)
		isSet := (b.nonEmptyBits[w] & (1 << bit)) != 0
		isEmpty := len(bucket) == 0

		if isSet && isEmpty {
			t.Errorf("bit %d set but bucket %d empty", a, a)
		}
		if !isSet && !isEmpty {
			t.Errorf("bit %d clear but bucket %d has %d items", a, a, len(bucket))
		}

		for posInBucket, i := range bucket {
			if i < 0 || i >= n {
				t.Errorf("item %d in bucket %d out of bounds [0,%d)", i, a, n)
				continue
			}
			if seen[i] {
				t.Errorf("item %d found in multiple buckets", i)
			}
			seen[i] = true

			if int(b.avail[i]) != a {
				t.Errorf("item %d in bucket %d but avail[%d]=%d", i, a, i, b.avail[i])
			}
			if b.pos[i] != posInBucket {
				t.Errorf("item %d in bucket %d at pos %d but pos[%d]=%d", i, a, posInBucket, i, b.pos[i])
			}
		}
	}

	if totalItems != n {
		t.Errorf("total items mismatch: expected %d, found %d", n, totalItems)
	}
	if n > 0 && len(seen) != n {
		t.Errorf("unique item mismatch: expected %d, found %d", n, len(seen))
	}
}

func TestNewAvailabilityBucket(t *testing.T) {
	n, maxAvail := 100, 10
	b := NewAvailabilityBucket(n, maxAvail)

	if len(b.buckets) != maxAvail+1 {
		t.Fatalf("expected %d buckets, got %d", maxAvail+1, len(b.buckets))
	}
	if len(b.buckets[0]) != n {
		t.Fatalf("expected bucket[0] size %d, got %d", n, len(b.buckets[0]))
	}

	for i := 0; i < n; i++ {
		if b.Availability(i) != 0 {
			t.Errorf("expected avail[%d]=0, got %d", i, b.avail[i])
		}
	}

	a, ok := b.FirstNonEmpty()
	if !ok || a != 0 {
		t.Fatalf("FirstNonEmpty = (%d,%v), want (0,true)", a, ok)
	}
	checkBucketInvariants(t, b, n)
}

func TestAvailabilityBucketEmpty(t *testing.T) {
	b := NewAvailabilityBucket(0, 5)
	if _, ok := b.FirstNonEmpty(); ok {
		t.Fatalf("expected no non-empty bucket for n=0")
	}
	checkBucketInvariants(t, b, 0)
}

func TestAvailabilityBucketMoveBasic(t *testing.T) {
	n, maxAvail := 10, 5
	b := NewAvailabilityBucket(n, maxAvail)
	item := 4

	b.Move(item, 1)
	if b.Availability(item) != 1 {
		t.Fatalf("expected avail=1, got %d", b.Availability(item))
	}
	checkBucketInvariants(t, b, n)

	b.Move(item, 1)
	if b.Availability(item) != 2 {
		t.Fatalf("expected avail=2, got %d", b.Availability(item))
	}
	checkBucketInvariants(t, b, n)

	b.Move(item, -1)
	if b.Availability(item) != 1 {
		t.Fatalf("expected avail=1, got %d", b.Availability(item))
	}
	checkBucketInvariants(t, b, n)
}

func TestAvailabilityBucketMoveBoundaries(t *testing.T) {
	n, maxAvail := 2, 3
	b := NewAvailabilityBucket(n, maxAvail)
	item := 0

	b.Move(item, -1)
	if b.Availability(item) != 0 {
		t.Fatalf("expected avail=0 after moving below 0, got %d", b.Availability(item))
	}

	for i := 0; i <= maxAvail; i++ {
		b.Move(item, 1)
	}
	if b.Availability(item) != maxAvail {
		t.Fatalf("expected avail=%d, got %d", maxAvail, b.Availability(item))
	}

	b.Move(item, 1)
	if b.Availability(item) != maxAvail {
		t.Fatalf("clamped at maxAvail, got %d", b.Availability(item))
	}
	checkBucketInvariants(t, b, n)
}

func TestAvailabilityBucketAccessor(t *testing.T) {
	n, maxAvail := 3, 2
	b := NewAvailabilityBucket(n, maxAvail)

	b.Move(1, 1)
	b.Move(0, 2)

	if b.Bucket(-1) != nil {
		t.Error("expected nil for bucket -1")
	}
	if b.Bucket(maxAvail+1) != nil {
		t.Error("expected nil for bucket maxAvail+1")
	}

	getSorted := func(a int) []int {
		s := b.Bucket(a)
		sort.Ints(s)
		return s
	}

	if !reflect.DeepEqual(getSorted(0), []int{2}) {
		t.Errorf("expected bucket 0 = [2], got %v", b.Bucket(0))
	}
	if !reflect.DeepEqual(getSorted(1), []int{1}) {
		t.Errorf("expected bucket 1 = [1], got %v", b.Bucket(1))
	}
	if !reflect.DeepEqual(getSorted(2), []int{0}) {
		t.Errorf("expected bucket 2 = [0], got %v", b.Bucket(2))
	}

	b1 := b.Bucket(1)
	b1[0] = 999
	if b.Bucket(1)[0] == 999 {
		t.Fatal("Bucket() did not return a copy")
	}
}

func TestAvailabilityBucketConcurrentMoves(t *testing.T) {
	n, maxAvail := 100, 10
	b := NewAvailabilityBucket(n, maxAvail)

	numGoroutines := 16
	movesPerGoroutine := 1000

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for g := 0; g < numGoroutines; g++ {
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(g)))
			for i := 0; i < movesPerGoroutine; i++ {
				item := rng.Intn(n)
				delta := rng.Intn(2)*2 - 1
				b.Move(item, delta)
			}
		}(g)
	}

	wg.Wait()
	checkBucketInvariants(t, b, n)
}
