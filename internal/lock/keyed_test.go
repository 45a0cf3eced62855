package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedSerializesSameKey(t *testing.T) {
	k := NewKeyed()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := k.Lock("member:1")
			defer release()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter)
	require.Equal(t, 0, k.Len())
}

func TestLockAllIgnoresDuplicatesAndEmpty(t *testing.T) {
	k := NewKeyed()
	release := k.LockAll("member:2", "device:1", "", "device:1")
	require.Equal(t, 2, k.Len())
	release()
	require.Equal(t, 0, k.Len())
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()
	releaseA := k.Lock("device:1")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		release := k.Lock("device:2")
		release()
		close(done)
	}()
	<-done
}
