package results

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecordID(t *testing.T) {
	r := NewRecord("t1", "u1", "req-9")
	assert.Equal(t, "t1-u1-req-9", r.ID)
	assert.Equal(t, "req-9", r.RequestID)
}

func TestAddFirstWriteWins(t *testing.T) {
	c := NewCache()

	require.True(t, c.Add(NewRecord("t1", "u1", "a")))
	assert.False(t, c.Add(NewRecord("t1", "u1", "b")))
	assert.True(t, c.Exists("t1", "u1"))
	assert.False(t, c.Exists("t1", "u2"))

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].RequestID)
}

func TestClearResetsIndex(t *testing.T) {
	c := NewCache()
	c.Add(NewRecord("t1", "u1", "a"))
	c.Add(NewRecord("t2", "u1", "b"))

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Exists("t1", "u1"))
	assert.True(t, c.Add(NewRecord("t1", "u1", "c")))
}

func TestForTemplate(t *testing.T) {
	c := NewCache()
	c.Add(NewRecord("t1", "u1", "a"))
	c.Add(NewRecord("t2", "u1", "b"))
	c.Add(NewRecord("t1", "u2", "c"))

	got := c.ForTemplate("t1")
	require.Len(t, got, 2)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, "u2", got[1].UserID)
}

func TestConcurrentAddSamePair(t *testing.T) {
	c := NewCache()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Add(NewRecord("t1", "u1", fmt.Sprintf("req-%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, c.Len())
}
