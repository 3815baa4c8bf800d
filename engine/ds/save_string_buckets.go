package ds

// SaveStringBuckets is SaveBuckets over string keys, for entity tables keyed
// by name instead of id. Same rotation, same single-tick work bound, and the
// same confinement rule: not goroutine safe.
type SaveStringBuckets struct {
	buckets    [][]string
	numBuckets int
	capacity   int
}

// NewSaveStringBuckets creates an empty bucket set.
func NewSaveStringBuckets(numBuckets int, capacity int) *SaveStringBuckets {
	if numBuckets < 1 {
		numBuckets = 1
	}
	if capacity < 2 {
		capacity = 2
	}
	return &SaveStringBuckets{
		numBuckets: numBuckets,
		capacity:   capacity,
	}
}

// Empty returns true when all buckets have been drained.
func (sb *SaveStringBuckets) Empty() bool {
	return len(sb.buckets) == 0
}

// Refill discards whatever is left and deals keys round-robin into a fresh
// set of buckets, splitting full buckets in half.
func (sb *SaveStringBuckets) Refill(keys []string) {
	sb.buckets = make([][]string, sb.numBuckets)
	for _, key := range keys {
		b := sb.buckets[0]
		sb.buckets = sb.buckets[1:]
		if len(b) >= sb.capacity {
			half := len(b) / 2
			nb := append([]string(nil), b[half:]...)
			b = b[:half:half]
			sb.buckets = append(sb.buckets, nb)
		}
		b = append(b, key)
		sb.buckets = append(sb.buckets, b)
	}
}

// Pop removes and returns the front bucket. The returned slice may be empty;
// it is nil only when the whole set is empty.
func (sb *SaveStringBuckets) Pop() []string {
	if len(sb.buckets) == 0 {
		return nil
	}
	b := sb.buckets[0]
	sb.buckets = sb.buckets[1:]
	if b == nil {
		b = []string{}
	}
	return b
}

// NumBuckets returns the number of buckets not yet drained.
func (sb *SaveStringBuckets) NumBuckets() int {
	return len(sb.buckets)
}
