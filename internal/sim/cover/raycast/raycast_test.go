package raycast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMailbox_DrainKeepsOrder(t *testing.T) {
	m := NewMailbox()
	m.Post(Result{ID: 1})
	m.Post(Result{ID: 2, Hit: true})
	m.Post(Result{ID: 3})

	assert.True(t, m.Forget(2))
	assert.False(t, m.Forget(2))

	got := m.Drain(nil)
	assert.Equal(t, []Result{{ID: 1}, {ID: 3}}, got)
	assert.Zero(t, m.Len())
	assert.Empty(t, m.Drain(nil))
}

func TestMailbox_ConcurrentPost(t *testing.T) {
	m := NewMailbox()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Post(Result{ID: RequestID(base*100 + j)})
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, m.Drain(nil), 800)
}
