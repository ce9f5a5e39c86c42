package flight

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLifecycle(t *testing.T) {
	mock := clock.NewMock()
	c := New(30*time.Second, mock)

	assert.Equal(t, Outcome{Decision: Proceed}, c.Acquire("fp"))
	assert.Equal(t, Outcome{Decision: AlreadyProcessing}, c.Acquire("fp"))

	require.NoError(t, c.Finish("fp", true))
	assert.Equal(t, Outcome{Decision: CachedFresh, HasResult: true}, c.Acquire("fp"))

	mock.Add(30 * time.Second)
	assert.Equal(t, CachedFresh, c.Acquire("fp").Decision, "still fresh at exactly the TTL")

	mock.Add(time.Second)
	assert.Equal(t, Proceed, c.Acquire("fp").Decision, "stale entry is swept and reclaimed")
}

func TestFinishStampsCompletionTime(t *testing.T) {
	mock := clock.NewMock()
	c := New(30*time.Second, mock)

	require.Equal(t, Proceed, c.Acquire("fp").Decision)
	mock.Add(time.Minute) // long-running request
	assert.Equal(t, AlreadyProcessing, c.Acquire("fp").Decision, "processing entries are not swept")

	require.NoError(t, c.Finish("fp", false))
	entry, ok := c.Lookup("fp")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Equal(t, mock.Now(), entry.CreatedAt)

	mock.Add(10 * time.Second)
	assert.Equal(t, Outcome{Decision: CachedFresh, HasResult: false}, c.Acquire("fp"))
}

func TestFinishExactlyOnce(t *testing.T) {
	c := New(0, nil)

	assert.ErrorIs(t, c.Finish("missing", true), ErrNotProcessing)

	c.Acquire("fp")
	require.NoError(t, c.Finish("fp", true))
	assert.ErrorIs(t, c.Finish("fp", true), ErrNotProcessing)
}

func TestDistinctFingerprints(t *testing.T) {
	c := New(0, nil)

	assert.Equal(t, Proceed, c.Acquire("a").Decision)
	assert.Equal(t, Proceed, c.Acquire("b").Decision)
	assert.Equal(t, 2, c.Len())
}

func TestConcurrentAcquireSingleProceed(t *testing.T) {
	c := New(0, nil)

	const n = 50
	var proceeded, duplicates atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch c.Acquire("same").Decision {
			case Proceed:
				proceeded.Add(1)
			case AlreadyProcessing, CachedFresh:
				duplicates.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), proceeded.Load())
	assert.Equal(t, int32(n-1), duplicates.Load())
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "proceed", Proceed.String())
	assert.Equal(t, "already_processing", AlreadyProcessing.String())
	assert.Equal(t, "cached_fresh", CachedFresh.String())
}
