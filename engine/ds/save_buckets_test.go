package ds

import (
	"testing"

	"github.com/bmizerany/assert"
)

func drainAll(sb *SaveBuckets) []int64 {
	var all []int64
	for !sb.Empty() {
		all = append(all, sb.Pop()...)
	}
	return all
}

func TestSaveBucketsCoverage(t *testing.T) {
	sb := NewSaveBuckets(20, 255)
	assert.Equal(t, true, sb.Empty())
	assert.Equal(t, []int64(nil), sb.Pop())

	ids := make([]int64, 1000)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	sb.Refill(ids)
	assert.Equal(t, false, sb.Empty())

	seen := map[int64]int{}
	for _, id := range drainAll(sb) {
		seen[id]++
	}
	assert.Equal(t, len(ids), len(seen))
	for _, id := range ids {
		assert.Equal(t, 1, seen[id])
	}
	assert.Equal(t, true, sb.Empty())
}

func TestSaveBucketsPopOnePerTick(t *testing.T) {
	sb := NewSaveBuckets(4, 255)
	sb.Refill([]int64{1, 2, 3, 4, 5, 6, 7, 8})
	assert.Equal(t, 4, sb.NumBuckets())

	// each pop drains exactly one bucket
	total := 0
	for i := 0; i < 4; i++ {
		b := sb.Pop()
		assert.Equal(t, 2, len(b))
		total += len(b)
	}
	assert.Equal(t, 8, total)
	assert.Equal(t, true, sb.Empty())
}

func TestSaveBucketsSplitOnOverflow(t *testing.T) {
	// 1 bucket of capacity 4 forces repeated splits
	sb := NewSaveBuckets(1, 4)
	ids := []int64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}
	sb.Refill(ids)

	maxLen := 0
	seen := map[int64]int{}
	for !sb.Empty() {
		b := sb.Pop()
		if len(b) > maxLen {
			maxLen = len(b)
		}
		for _, id := range b {
			seen[id]++
		}
	}
	assert.Equal(t, len(ids), len(seen))
	for _, id := range ids {
		assert.Equal(t, 1, seen[id])
	}
	// splits keep single buckets bounded by capacity+1
	if maxLen > 5 {
		t.Errorf("bucket grew to %d ids", maxLen)
	}
}

func TestSaveBucketsRefillReplaces(t *testing.T) {
	sb := NewSaveBuckets(2, 255)
	sb.Refill([]int64{1, 2, 3})
	sb.Refill([]int64{7})
	assert.Equal(t, []int64{7}, drainAll(sb))
}
