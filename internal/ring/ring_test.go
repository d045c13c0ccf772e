package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingPushPopFIFO(t *testing.T) {
	r := New[int](4)
	require.Equal(t, 4, r.Cap())
	for i := 0; i < 4; i++ {
		require.True(t, r.Push(i))
	}
	require.False(t, r.Push(99), "ring should report full")

	for i := 0; i < 4; i++ {
		v, ok := r.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := r.Pop()
	require.False(t, ok, "ring should report empty")
}

func TestRingPopNBatches(t *testing.T) {
	r := New[int](8)
	for i := 0; i < 5; i++ {
		require.True(t, r.Push(i))
	}
	var got []int
	n := r.PopN(3, func(v int) { got = append(got, v) })
	require.Equal(t, 3, n)
	require.Equal(t, []int{0, 1, 2}, got)
}

func TestRingConcurrentMPMC(t *testing.T) {
	const (
		producers = 8
		perProd   = 2000
	)
	r := New[int](1024)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				for !r.Push(1) {
				}
			}
		}()
	}

	total := 0
	done := make(chan struct{})
	go func() {
		for total < producers*perProd {
			if _, ok := r.Pop(); ok {
				total++
			}
		}
		close(done)
	}()

	wg.Wait()
	<-done
	require.Equal(t, producers*perProd, total)
}
