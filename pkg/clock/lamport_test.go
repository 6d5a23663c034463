package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLamport(t *testing.T) {
	lc := NewLamport(3)
	assert.Equal(t, uint64(4), lc.Next())

	lc.Observe(2)
	assert.Equal(t, uint64(4), lc.Val())

	lc.Observe(10)
	assert.Equal(t, uint64(10), lc.Val())
	assert.Equal(t, uint64(11), lc.Next())
}

func TestLamportConcurrent(t *testing.T) {
	lc := NewLamport(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				lc.Next()
				lc.Observe(uint64(i * 10))
			}
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, lc.Val(), uint64(800))
}
