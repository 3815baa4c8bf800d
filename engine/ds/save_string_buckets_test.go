package ds

import (
	"fmt"
	"testing"

	"github.com/bmizerany/assert"
)

func TestSaveStringBucketsCoverage(t *testing.T) {
	sb := NewSaveStringBuckets(20, 255)
	assert.Equal(t, true, sb.Empty())
	assert.Equal(t, []string(nil), sb.Pop())

	keys := make([]string, 500)
	for i := range keys {
		keys[i] = fmt.Sprintf("thread-%d", i)
	}
	sb.Refill(keys)

	seen := map[string]int{}
	for !sb.Empty() {
		for _, key := range sb.Pop() {
			seen[key]++
		}
	}
	assert.Equal(t, len(keys), len(seen))
	for _, key := range keys {
		assert.Equal(t, 1, seen[key])
	}
}

func TestSaveStringBucketsRefillReplaces(t *testing.T) {
	sb := NewSaveStringBuckets(2, 255)
	sb.Refill([]string{"a", "b", "c"})
	sb.Refill([]string{"z"})

	var all []string
	for !sb.Empty() {
		all = append(all, sb.Pop()...)
	}
	assert.Equal(t, []string{"z"}, all)
}
