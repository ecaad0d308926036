package tlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/core"
)

func TestReaderPool_BorrowRelease(t *testing.T) {
	l := newTestLog(t, Options{})
	pool, err := NewReaderPool(l, 2)
	require.NoError(t, err)
	defer pool.Close()

	r1, err := pool.Borrow(context.Background())
	require.NoError(t, err)
	r2, err := pool.Borrow(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r1)
	require.NotNil(t, r2)

	pool.Release(r1)
	r3, err := pool.Borrow(context.Background())
	require.NoError(t, err)
	pool.Release(r2)
	pool.Release(r3)
}

func TestReaderPool_ExhaustionBlocksUntilRelease(t *testing.T) {
	l := newTestLog(t, Options{})
	pool, err := NewReaderPool(l, 1)
	require.NoError(t, err)
	defer pool.Close()

	r, err := pool.Borrow(context.Background())
	require.NoError(t, err)

	acquired := make(chan SequentialReader)
	go func() {
		r2, err := pool.Borrow(context.Background())
		if err == nil {
			acquired <- r2
		}
	}()

	select {
	case <-acquired:
		t.Fatal("borrow must block while the pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(r)
	select {
	case r2 := <-acquired:
		pool.Release(r2)
	case <-time.After(time.Second):
		t.Fatal("borrow did not wake after release")
	}
}

func TestReaderPool_BorrowHonorsContext(t *testing.T) {
	l := newTestLog(t, Options{})
	pool, err := NewReaderPool(l, 1)
	require.NoError(t, err)
	defer pool.Close()

	r, err := pool.Borrow(context.Background())
	require.NoError(t, err)
	defer pool.Release(r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Borrow(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReaderPool_ClosedPool(t *testing.T) {
	l := newTestLog(t, Options{})
	pool, err := NewReaderPool(l, 1)
	require.NoError(t, err)
	pool.Close()

	_, err = pool.Borrow(context.Background())
	assert.ErrorIs(t, err, core.ErrPoolClosed)
}

func TestReaderPool_ReadersAreUsable(t *testing.T) {
	l := newTestLog(t, Options{})
	_, err := l.Append(testRecord("s", core.LogRecordPrepare))
	require.NoError(t, err)

	pool, err := NewReaderPool(l, 2)
	require.NoError(t, err)
	defer pool.Close()

	r, err := pool.Borrow(context.Background())
	require.NoError(t, err)
	defer pool.Release(r)

	r.Reposition(0)
	rec, ok, err := r.TryReadNext()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.StreamID("s"), rec.StreamID)
}
