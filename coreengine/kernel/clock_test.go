package kernel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock(t *testing.T) {
	c := NewManualClock(10)
	assert.Equal(t, Tick(10), c.Now())
	assert.Equal(t, Tick(15), c.Advance(5))
	assert.Equal(t, Tick(15), c.Now())
}

func TestManualClock_ConcurrentAdvance(t *testing.T) {
	c := NewManualClock(0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Advance(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, Tick(1000), c.Now())
}

func TestMonotonicClock(t *testing.T) {
	c := NewMonotonicClock(time.Millisecond)
	first := c.Now()

	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, c.Now(), first+5)
}

func TestMonotonicClock_DefaultResolution(t *testing.T) {
	c := NewMonotonicClock(0)
	assert.Equal(t, time.Millisecond, c.resolution)
}
