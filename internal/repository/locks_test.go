package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexExcludesSameKey(t *testing.T) {
	km := newKeyedMutex()

	unlock := km.Lock("id-1")

	acquired := make(chan struct{})
	go func() {
		second := km.Lock("id-1")
		close(acquired)
		second()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.Lock("id-a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		unlockB := km.Lock("id-b")
		close(acquired)
		unlockB()
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("different key blocked by held lock")
	}
}

func TestKeyedMutexReleaseIdempotent(t *testing.T) {
	km := newKeyedMutex()

	unlock := km.Lock("id-1")
	unlock()
	unlock()

	// A double release must not have unlocked someone else's hold.
	second := km.Lock("id-1")
	second()
}

func TestKeyedMutexCleansUp(t *testing.T) {
	km := newKeyedMutex()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				unlock := km.Lock("shared")
				unlock()
			}
		}()
	}
	wg.Wait()

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks, "released keys should not linger")
}

func TestKeyedMutexCounter(t *testing.T) {
	km := newKeyedMutex()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				unlock := km.Lock("counter")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2000, counter)
}
