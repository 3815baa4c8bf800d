package async

import (
	"sync"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
)

func TestAsyncJobOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		i := i
		AppendAsyncJob("test-order", func() (interface{}, error) {
			return i, nil
		}, func(res interface{}, err error) {
			mu.Lock()
			got = append(got, res.(int))
			mu.Unlock()
			if i == 9 {
				close(done)
			}
		})
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, len(got))
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestAsyncJobError(t *testing.T) {
	errCh := make(chan error, 1)
	AppendAsyncJob("test-error", func() (interface{}, error) {
		return nil, errors.New("boom")
	}, func(res interface{}, err error) {
		errCh <- err
	})
	assert.Equal(t, "boom", (<-errCh).Error())
}

func TestAsyncPanicIsolated(t *testing.T) {
	AppendAsyncJob("test-panic", func() (interface{}, error) {
		panic("ignored")
	}, nil)

	done := make(chan struct{})
	AppendAsyncJob("test-panic", func() (interface{}, error) {
		return nil, nil
	}, func(res interface{}, err error) {
		close(done)
	})
	<-done
}
