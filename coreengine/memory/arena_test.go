package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = 0x100000

func newTestArena(t *testing.T, size uintptr) *Arena {
	t.Helper()
	a := NewArena()
	require.NoError(t, a.InitHeap(testBase, size))
	return a
}

func TestArena_InitHeapOnce(t *testing.T) {
	a := NewArena()
	assert.False(t, a.Initialized())

	require.NoError(t, a.InitHeap(testBase, 4096))
	assert.True(t, a.Initialized())

	err := a.InitHeap(testBase, 4096)
	assert.ErrorIs(t, err, ErrHeapInitialized)
	assert.Equal(t, uintptr(4096), a.Stats().Size)
}

func TestArena_InitHeapInvalidRegion(t *testing.T) {
	tests := []struct {
		name  string
		start uintptr
		size  uintptr
	}{
		{"null start", 0, 4096},
		{"zero size", testBase, 0},
		{"too large", testBase, MaxHeapSize + 1},
		{"wraps", ^uintptr(0) - 10, 4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewArena()
			err := a.InitHeap(tt.start, tt.size)
			assert.ErrorIs(t, err, ErrInvalidRegion)
			assert.False(t, a.Initialized())
		})
	}
}

func TestArena_NotInitialized(t *testing.T) {
	a := NewArena()

	_, err := a.Alloc(8, 0)
	assert.ErrorIs(t, err, ErrHeapNotInitialized)

	_, err = a.Read(testBase, 1)
	assert.ErrorIs(t, err, ErrHeapNotInitialized)

	assert.ErrorIs(t, a.Write(testBase, []byte{1}), ErrHeapNotInitialized)
	assert.False(t, a.Contains(testBase, 1))
}

func TestArena_AllocAlignment(t *testing.T) {
	a := newTestArena(t, 256)

	first, err := a.Alloc(3, 1)
	require.NoError(t, err)
	assert.Equal(t, uintptr(testBase), first)

	second, err := a.Alloc(8, 16)
	require.NoError(t, err)
	assert.Equal(t, uintptr(testBase+16), second)

	third, err := a.Alloc(1, 0)
	require.NoError(t, err)
	assert.Equal(t, uintptr(testBase+24), third)

	_, err = a.Alloc(1, 3)
	assert.ErrorIs(t, err, ErrInvalidAlignment)

	stats := a.Stats()
	assert.Equal(t, uintptr(25), stats.Used)
	assert.Equal(t, 3, stats.Allocations)
}

func TestArena_OutOfMemory(t *testing.T) {
	a := newTestArena(t, 32)

	_, err := a.Alloc(32, 1)
	require.NoError(t, err)

	_, err = a.Alloc(1, 1)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	b := newTestArena(t, 32)
	_, err = b.Alloc(64, 1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestArena_ReadWrite(t *testing.T) {
	a := newTestArena(t, 64)

	addr, err := a.AllocBytes([]byte("hello"))
	require.NoError(t, err)

	got, err := a.Read(addr, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	// Read returns a copy.
	got[0] = 'j'
	again, _ := a.Read(addr, 5)
	assert.Equal(t, []byte("hello"), again)

	require.NoError(t, a.Write(addr+1, []byte("EL")))
	got, _ = a.Read(addr, 5)
	assert.Equal(t, []byte("hELlo"), got)
}

func TestArena_BoundsChecks(t *testing.T) {
	a := newTestArena(t, 16)

	tests := []struct {
		name string
		addr uintptr
		n    uintptr
		ok   bool
	}{
		{"whole heap", testBase, 16, true},
		{"last byte", testBase + 15, 1, true},
		{"below start", testBase - 1, 1, false},
		{"past end", testBase + 15, 2, false},
		{"wrapping length", testBase, ^uintptr(0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, a.Contains(tt.addr, tt.n))
			_, err := a.Read(tt.addr, tt.n)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrOutOfBounds)
			}
		})
	}

	assert.ErrorIs(t, a.Write(testBase+10, make([]byte, 7)), ErrOutOfBounds)
}

func TestArena_ConcurrentAlloc(t *testing.T) {
	a := newTestArena(t, 8*1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uintptr]bool)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				addr, err := a.Alloc(8, 8)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[addr] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1000)
	_, err := a.Alloc(1, 1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}
