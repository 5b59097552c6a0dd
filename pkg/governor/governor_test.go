package governor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireUpToLimit(t *testing.T) {
	g := New(2)

	assert.True(t, g.TryAcquire("p1"))
	assert.True(t, g.TryAcquire("p1"))
	assert.False(t, g.TryAcquire("p1"), "third acquire must fail at limit 2")
	assert.Equal(t, 2, g.Active("p1"))

	// Independent projects have independent budgets.
	assert.True(t, g.TryAcquire("p2"))

	g.Release("p1")
	assert.True(t, g.TryAcquire("p1"))
}

func TestPerProjectLimitOverride(t *testing.T) {
	g := New(3)
	g.SetLimit("small", 1)

	assert.True(t, g.TryAcquire("small"))
	assert.False(t, g.TryAcquire("small"))
	assert.Equal(t, 1, g.Limit("small"))
	assert.Equal(t, 3, g.Limit("other"))

	g.SetLimit("small", 0)
	assert.Equal(t, 3, g.Limit("small"))
}

func TestReleaseWithoutAcquireIsHarmless(t *testing.T) {
	g := New(1)
	g.Release("ghost")
	assert.Equal(t, 0, g.Active("ghost"))
}

func TestCapHoldsUnderConcurrency(t *testing.T) {
	g := New(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire("p") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 3, granted)
	assert.Equal(t, 3, g.Active("p"))
}

func TestOrderRotates(t *testing.T) {
	g := New(1)
	projects := []string{"a", "b", "c"}

	first := g.Order(projects)
	second := g.Order(projects)
	third := g.Order(projects)
	fourth := g.Order(projects)

	assert.Equal(t, []string{"a", "b", "c"}, first)
	assert.Equal(t, []string{"b", "c", "a"}, second)
	assert.Equal(t, []string{"c", "a", "b"}, third)
	assert.Equal(t, first, fourth)

	assert.Nil(t, g.Order(nil))
}
