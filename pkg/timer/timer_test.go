package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_FiresInDueOrder(t *testing.T) {
	f := NewFake()
	var fired []string

	f.SetTimeout(func() { fired = append(fired, "b") }, 20*time.Millisecond)
	f.SetTimeout(func() { fired = append(fired, "a") }, 10*time.Millisecond)
	f.SetTimeout(func() { fired = append(fired, "c") }, 30*time.Millisecond)

	f.Wind(25 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, f.Pending())

	f.Wind(5 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 30*time.Millisecond, f.Now())
}

func TestFake_ClearTimeout(t *testing.T) {
	f := NewFake()
	called := false
	h := f.SetTimeout(func() { called = true }, 10*time.Millisecond)

	f.ClearTimeout(h)
	f.Wind(time.Second)

	assert.False(t, called)
	assert.False(t, h.Stop(), "second stop reports already stopped")
}

func TestFake_CallbackSchedulingInsideWindow(t *testing.T) {
	f := NewFake()
	count := 0
	var tick func()
	tick = func() {
		count++
		f.SetTimeout(tick, 10*time.Millisecond)
	}
	f.SetTimeout(tick, 10*time.Millisecond)

	f.Wind(35 * time.Millisecond)
	assert.Equal(t, 3, count)
}

func TestReal_SetAndClear(t *testing.T) {
	var r Real
	fired := make(chan struct{}, 1)
	r.SetTimeout(func() { fired <- struct{}{} }, time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}

	h := r.SetTimeout(func() { t.Error("cleared timer fired") }, 50*time.Millisecond)
	r.ClearTimeout(h)
	time.Sleep(80 * time.Millisecond)
}
