package client

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncerFiresOnceAfterQuiet(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	var fires atomic.Int32
	for i := 0; i < 10; i++ {
		d.Trigger(func() { fires.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 1, fires.Load())
}

func TestDebouncerLatestWins(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	var got atomic.Int32
	d.Trigger(func() { got.Store(1) })
	d.Trigger(func() { got.Store(2) })

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, got.Load())
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)

	var fires atomic.Int32
	d.Trigger(func() { fires.Add(1) })
	d.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, fires.Load())

	// Stopped debouncers ignore further triggers.
	d.Trigger(func() { fires.Add(1) })
	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 0, fires.Load())
}
