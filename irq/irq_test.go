package irq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFireOnlyWhenEnabled(t *testing.T) {
	c := New()
	calls := 0
	c.Attach(3, func() { calls++ })

	assert.False(t, c.Fire(3))
	c.Enable(3)
	assert.True(t, c.Fire(3))
	assert.True(t, c.Fire(3), "level triggered: stays pending while enabled")
	c.Disable(3)
	assert.False(t, c.Fire(3))
	assert.Equal(t, 2, calls)

	st := c.Stats(3)
	assert.Equal(t, 1, st.Enables)
	assert.Equal(t, 1, st.Disables)
	assert.Equal(t, 2, st.Serviced)
}

func TestFireUnattached(t *testing.T) {
	c := New()
	c.Enable(9)
	assert.True(t, c.Enabled(9))
	assert.False(t, c.Fire(9))
}

func TestPriorityOrder(t *testing.T) {
	c := New()
	var order []int
	for _, src := range []int{1, 2, 3} {
		c.Attach(src, func() {
			order = append(order, src)
			c.Disable(src)
		})
		c.Enable(src)
	}
	c.SetPriority(1, 20)
	c.SetPriority(2, 5)
	c.SetPriority(3, 5)

	for c.dispatch(nil) {
	}
	// lowest level first, ties go to the lowest source
	assert.Equal(t, []int{2, 3, 1}, order)
	assert.Equal(t, 5, c.Stats(2).Priority)
}

func TestHandlerDisablesItself(t *testing.T) {
	c := New()
	n := 0
	c.Attach(11, func() {
		n++
		if n == 4 {
			c.Disable(11)
		}
	})
	c.Enable(11)
	for c.Fire(11) {
	}
	assert.Equal(t, 4, n)
	assert.False(t, c.Enabled(11))
}

func TestRun(t *testing.T) {
	c := New()
	var serviced atomic.Int32
	c.Attach(11, func() {
		if serviced.Add(1) == 10 {
			c.Disable(11)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.Run(ctx) }()

	c.Enable(11)
	assert.Eventually(t, func() bool { return !c.Enabled(11) }, time.Second, time.Millisecond)
	assert.Equal(t, int32(10), serviced.Load())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSyncWaitsForHandler(t *testing.T) {
	c := New()
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	c.Attach(1, func() {
		close(started)
		<-release
		finished.Store(true)
		c.Disable(1)
	})
	c.Enable(1)
	go c.Fire(1)

	<-started
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	c.Sync()
	assert.True(t, finished.Load())
}
