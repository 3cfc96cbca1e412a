package safeset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSafeSet(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := NewSafeSet[string]()
		require.NotNil(t, s)
		assert.Equal(t, 0, s.Size())
	})

	t.Run("seeded", func(t *testing.T) {
		s := NewSafeSet("a", "b", "a")
		assert.Equal(t, 2, s.Size())
		assert.True(t, s.Contains("a"))
	})
}

func TestSafeSet_Add_Remove(t *testing.T) {
	s := NewSafeSet[int]()

	assert.True(t, s.Add(1))
	assert.False(t, s.Add(1))
	assert.True(t, s.Contains(1))

	assert.True(t, s.Remove(1))
	assert.False(t, s.Remove(1))
	assert.False(t, s.Contains(1))
}

func TestSafeSet_Values(t *testing.T) {
	s := NewSafeSet(3, 1, 2)
	values := s.Values()
	assert.ElementsMatch(t, []int{1, 2, 3}, values)

	values[0] = 99
	assert.False(t, s.Contains(99))
}

func TestSafeSet_Range(t *testing.T) {
	s := NewSafeSet(1, 2, 3, 4)

	t.Run("visits all", func(t *testing.T) {
		sum := 0
		s.Range(func(v int) bool {
			sum += v
			return true
		})
		assert.Equal(t, 10, sum)
	})

	t.Run("stops early", func(t *testing.T) {
		visits := 0
		s.Range(func(int) bool {
			visits++
			return false
		})
		assert.Equal(t, 1, visits)
	})
}

func TestSafeSet_Concurrent(t *testing.T) {
	s := NewSafeSet[int]()
	var wg sync.WaitGroup

	for w := 0; w < 20; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Add(w*50 + i)
				_ = s.Contains(i)
				_ = s.Values()
			}
		}(w)
	}

	wg.Wait()
	assert.Equal(t, 1000, s.Size())

	for w := 0; w < 20; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Remove(w*50 + i)
			}
		}(w)
	}

	wg.Wait()
	assert.Equal(t, 0, s.Size())
}
