package timerqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFiresInPriorityOrder(t *testing.T) {
	fired := make(chan int, 3)
	q := New(func(v interface{}) {
		fired <- v.(int)
	})
	q.Start()
	defer q.Stop()

	now := uint64(time.Now().UnixNano())
	q.Push(now+uint64(30*time.Millisecond), 3)
	q.Push(now+uint64(10*time.Millisecond), 1)
	q.Push(now+uint64(20*time.Millisecond), 2)

	timeout := time.After(2 * time.Second)
	for _, want := range []int{1, 2, 3} {
		select {
		case got := <-fired:
			require.Equal(t, want, got)
		case <-timeout:
			t.Fatal("timed out waiting for fire")
		}
	}
}

func TestPeekAndPop(t *testing.T) {
	q := New(func(interface{}) {})
	require.Nil(t, q.Peek())
	require.Equal(t, 0, q.Len())

	q.Push(5, "a")
	q.Push(1, "b")
	require.Equal(t, 2, q.Len())
	require.Equal(t, "b", q.Peek().Value)

	it := q.Pop()
	require.Equal(t, "b", it.Value)
	require.Equal(t, 1, q.Len())
}
