package latch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnceRetriesUntilSuccess(t *testing.T) {
	var o Once
	calls := 0

	ran, err := o.Do(func() error { calls++; return errors.New("boom") })
	assert.True(t, ran)
	require.Error(t, err)
	assert.False(t, o.Done())

	ran, err = o.Do(func() error { calls++; return nil })
	assert.True(t, ran)
	require.NoError(t, err)
	assert.True(t, o.Done())

	ran, err = o.Do(func() error { calls++; return nil })
	assert.False(t, ran)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	o.Reset()
	ran, _ = o.Do(func() error { calls++; return nil })
	assert.True(t, ran)
	assert.Equal(t, 3, calls)
}

func TestOnceConcurrentCallersRunOnce(t *testing.T) {
	var (
		o     Once
		calls atomic.Int32
		wg    sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.Do(func() error { calls.Add(1); return nil })
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestFlagTripsOnce(t *testing.T) {
	var f Flag
	assert.False(t, f.IsSet())
	assert.True(t, f.Trip())
	assert.False(t, f.Trip())
	assert.True(t, f.IsSet())
	f.Reset()
	assert.True(t, f.Trip())
}
