package ds

// SaveBuckets schedules incremental persistence work. The caller deals all
// resident ids into a fixed number of buckets whenever the set runs dry and
// drains exactly one bucket per tick, so a full persistence sweep is spread
// over numBuckets ticks instead of hitting storage all at once.
//
// SaveBuckets is not goroutine safe. It is meant to be confined to the save
// timer routine that owns it.
type SaveBuckets struct {
	buckets    [][]int64
	numBuckets int
	capacity   int
}

// NewSaveBuckets creates an empty bucket set. capacity bounds the work of a
// single tick: a bucket that would exceed it is split in half during Refill.
func NewSaveBuckets(numBuckets int, capacity int) *SaveBuckets {
	if numBuckets < 1 {
		numBuckets = 1
	}
	if capacity < 2 {
		capacity = 2
	}
	return &SaveBuckets{
		numBuckets: numBuckets,
		capacity:   capacity,
	}
}

// Empty returns true when all buckets have been drained and the set needs a
// Refill before the next Pop can yield ids.
func (sb *SaveBuckets) Empty() bool {
	return len(sb.buckets) == 0
}

// Refill discards whatever is left and deals ids round-robin into a fresh
// set of buckets: take the front bucket, split it in half if it is full,
// append the id, push the bucket to the back.
func (sb *SaveBuckets) Refill(ids []int64) {
	sb.buckets = make([][]int64, sb.numBuckets)
	for _, id := range ids {
		b := sb.buckets[0]
		sb.buckets = sb.buckets[1:]
		if len(b) >= sb.capacity {
			half := len(b) / 2
			nb := append([]int64(nil), b[half:]...)
			b = b[:half:half]
			sb.buckets = append(sb.buckets, nb)
		}
		b = append(b, id)
		sb.buckets = append(sb.buckets, b)
	}
}

// Pop removes and returns the front bucket. The returned slice may be empty;
// it is nil only when the whole set is empty.
func (sb *SaveBuckets) Pop() []int64 {
	if len(sb.buckets) == 0 {
		return nil
	}
	b := sb.buckets[0]
	sb.buckets = sb.buckets[1:]
	if b == nil {
		b = []int64{}
	}
	return b
}

// NumBuckets returns the number of buckets not yet drained.
func (sb *SaveBuckets) NumBuckets() int {
	return len(sb.buckets)
}
