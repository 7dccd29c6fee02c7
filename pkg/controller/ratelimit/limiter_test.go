package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New()
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("team-a:deploy", 3, time.Minute))
	}
	assert.False(t, l.Allow("team-a:deploy", 3, time.Minute))
}

func TestAllowWindowResets(t *testing.T) {
	l := New()
	assert.True(t, l.Allow("team-b:deploy", 1, 10*time.Millisecond))
	assert.False(t, l.Allow("team-b:deploy", 1, 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.Allow("team-b:deploy", 1, 10*time.Millisecond))
}

func TestKeysDoNotInterfere(t *testing.T) {
	l := New()
	assert.True(t, l.Allow("a", 1, time.Minute))
	assert.True(t, l.Allow("b", 1, time.Minute))
	assert.False(t, l.Allow("a", 1, time.Minute))
}

func TestConcurrentAllow(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	allowed := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Allow("hot-key", 50, time.Minute)
		}()
	}
	wg.Wait()
	close(allowed)
	count := 0
	for a := range allowed {
		if a {
			count++
		}
	}
	assert.Equal(t, 50, count)
}

func TestSweepEvictsIdleWindows(t *testing.T) {
	l := New()
	l.Allow("stale", 10, time.Minute)
	time.Sleep(15 * time.Millisecond)
	evicted := l.Sweep(10 * time.Millisecond)
	assert.Equal(t, 1, evicted)
}

func TestReset(t *testing.T) {
	l := New()
	l.Allow("k", 1, time.Minute)
	assert.False(t, l.Allow("k", 1, time.Minute))
	l.Reset("k")
	assert.True(t, l.Allow("k", 1, time.Minute))
}
