package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_BasicEnqueue(t *testing.T) {
	q := New()
	defer q.Close()

	executed := false
	task := func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}

	result, err := q.Enqueue("test", task, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestQueue_TaskError(t *testing.T) {
	q := New()
	defer q.Close()

	expectedErr := errors.New("task failed")
	task := func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}

	result, err := q.Enqueue("test", task, nil)

	assert.Error(t, err)
	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestQueue_SameKeyNeverConcurrent(t *testing.T) {
	q := New()
	defer q.Close()

	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue("serial", func(ctx context.Context) (interface{}, error) {
				cur := atomic.AddInt32(&active, 1)
				for {
					prev := atomic.LoadInt32(&maxActive)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			}, nil)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestQueue_SubmissionOrderPerKey(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Submit from a single goroutine so submission order is well defined;
	// block collection behind a long first task.
	gate := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue("ordered", func(ctx context.Context) (interface{}, error) {
			<-gate
			return nil, nil
		}, nil)
	}()
	time.Sleep(20 * time.Millisecond)

	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue("ordered", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		time.Sleep(10 * time.Millisecond)
	}

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestQueue_DistinctKeysRunConcurrently(t *testing.T) {
	q := New()
	defer q.Close()

	started := make(chan string, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup

	for _, key := range []string{"k1", "k2"} {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(key, func(ctx context.Context) (interface{}, error) {
				started <- key
				<-release
				return nil, nil
			}, nil)
		}()
	}

	// Both tasks must start while neither has finished.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks on distinct keys did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestQueue_FailureDoesNotAbortSuccessors(t *testing.T) {
	q := New()
	defer q.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = q.Enqueue("k", func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("boom")
		}, nil)
	}()
	time.Sleep(20 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = q.Enqueue("k", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
	}()

	wg.Wait()
	assert.Error(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestQueue_Length(t *testing.T) {
	q := New()
	defer q.Close()

	assert.Equal(t, 0, q.Length("missing"))
	assert.Equal(t, 0, q.TotalLength())

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue("busy", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue("busy", func(ctx context.Context) (interface{}, error) {
				return nil, nil
			}, nil)
		}()
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 3, q.Length("busy"))
	assert.Equal(t, 3, q.TotalLength())

	close(release)
	wg.Wait()
	assert.Equal(t, 0, q.Length("busy"))
}

func TestQueue_DrainedKeyIsCollected(t *testing.T) {
	q := New()
	defer q.Close()

	_, err := q.Enqueue("short-lived", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	// The worker retires asynchronously after delivering the result.
	assert.Eventually(t, func() bool {
		q.mu.RLock()
		defer q.mu.RUnlock()
		_, exists := q.keys["short-lived"]
		return !exists
	}, time.Second, 10*time.Millisecond)
}

func TestQueue_Events(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var types []string
	q.On("enqueued", func(evt Event) {
		mu.Lock()
		types = append(types, evt.Type)
		mu.Unlock()
	})
	q.On("completed", func(evt Event) {
		mu.Lock()
		types = append(types, evt.Type)
		mu.Unlock()
	})

	_, err := q.Enqueue("evt", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 2
	}, time.Second, 10*time.Millisecond)
}
