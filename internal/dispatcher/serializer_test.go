package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerializerKeepsOrderPerKey(t *testing.T) {
	s := NewSerializer()
	var mu sync.Mutex
	got := map[string][]int{}

	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b", "c"} {
			i, key := i, key
			require.NoError(t, s.Submit(key, func() {
				if i%10 == 0 {
					time.Sleep(time.Millisecond)
				}
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}))
		}
	}
	s.Close()
	require.NoError(t, s.Wait(context.Background()))

	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, got[key], 50)
		for i, v := range got[key] {
			require.Equal(t, i, v)
		}
	}
	require.Zero(t, s.Active())
}

func TestSerializerNeverOverlapsSameKey(t *testing.T) {
	s := NewSerializer()
	var mu sync.Mutex
	running, maxRunning := 0, 0

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Submit("conv", func() {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(200 * time.Microsecond)
			mu.Lock()
			running--
			mu.Unlock()
		}))
	}
	s.Close()
	require.NoError(t, s.Wait(context.Background()))
	require.Equal(t, 1, maxRunning)
}

func TestSerializerRunsKeysConcurrently(t *testing.T) {
	s := NewSerializer()
	release := make(chan struct{})
	started := make(chan string, 2)

	for _, key := range []string{"a", "b"} {
		key := key
		require.NoError(t, s.Submit(key, func() {
			started <- key
			<-release
		}))
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not start concurrently")
		}
	}
	close(release)
	s.Close()
	require.NoError(t, s.Wait(context.Background()))
}

func TestSerializerRejectsAfterClose(t *testing.T) {
	s := NewSerializer()
	s.Close()
	require.ErrorIs(t, s.Submit("a", func() {}), ErrClosed)
}

func TestSerializerWaitHonoursContext(t *testing.T) {
	s := NewSerializer()
	block := make(chan struct{})
	require.NoError(t, s.Submit("a", func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
	close(block)
	require.NoError(t, s.Wait(context.Background()))
}
