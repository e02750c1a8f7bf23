package token

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreSetGetClear(t *testing.T) {
	s := NewStore()

	assert.Equal(t, "", s.Get())
	assert.False(t, s.Present())

	s.Set("tok-abc")
	assert.Equal(t, "tok-abc", s.Get())
	assert.True(t, s.Present())

	s.Clear()
	assert.Equal(t, "", s.Get())
	assert.False(t, s.Present())
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Set("tok")
		}()
		go func() {
			defer wg.Done()
			_ = s.Get()
		}()
	}
	wg.Wait()

	assert.Equal(t, "tok", s.Get())
}
