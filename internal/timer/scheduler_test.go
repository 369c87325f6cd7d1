package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fired struct {
	auctionID string
	purpose   Purpose
}

// recorder collects fired timers on a channel.
func recorder() (Handler, chan fired) {
	ch := make(chan fired, 16)
	return func(id string, p Purpose) { ch <- fired{id, p} }, ch
}

func waitFired(t *testing.T, ch chan fired) fired {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
		return fired{}
	}
}

func assertNotFired(t *testing.T, ch chan fired, within time.Duration) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected fire: %+v", f)
	case <-time.After(within):
	}
}

func TestScheduler_FiresAtInstant(t *testing.T) {
	h, ch := recorder()
	s := NewScheduler(h)
	defer s.Stop()

	start := time.Now()
	require.True(t, s.ScheduleStart("a1", start.Add(30*time.Millisecond)))

	f := waitFired(t, ch)
	assert.Equal(t, fired{"a1", Start}, f)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	_, ok := s.Pending("a1", Start)
	assert.False(t, ok, "fired timer is no longer pending")
}

func TestScheduler_PastInstantFiresImmediately(t *testing.T) {
	h, ch := recorder()
	s := NewScheduler(h)
	defer s.Stop()

	s.ScheduleEnd("a1", time.Now().Add(-time.Hour))
	assert.Equal(t, fired{"a1", End}, waitFired(t, ch))
}

func TestScheduler_ReplaceCancelsPrevious(t *testing.T) {
	h, ch := recorder()
	s := NewScheduler(h)
	defer s.Stop()

	now := time.Now()
	s.ScheduleStart("a1", now.Add(20*time.Millisecond))
	s.ScheduleStart("a1", now.Add(80*time.Millisecond))
	assert.Equal(t, 1, s.Len())

	waitFired(t, ch)
	assertNotFired(t, ch, 120*time.Millisecond)
}

func TestScheduler_EndIsMonotonic(t *testing.T) {
	h, _ := recorder()
	s := NewScheduler(h)
	defer s.Stop()

	later := time.Now().Add(time.Hour)
	require.True(t, s.ScheduleEnd("a1", later))
	assert.False(t, s.ScheduleEnd("a1", later.Add(-time.Minute)), "earlier end is ignored")

	at, ok := s.Pending("a1", End)
	require.True(t, ok)
	assert.True(t, at.Equal(later))

	assert.True(t, s.ScheduleEnd("a1", later.Add(time.Minute)))
	at, _ = s.Pending("a1", End)
	assert.True(t, at.Equal(later.Add(time.Minute)))
}

func TestScheduler_StartIsNotMonotonic(t *testing.T) {
	h, _ := recorder()
	s := NewScheduler(h)
	defer s.Stop()

	later := time.Now().Add(time.Hour)
	s.ScheduleStart("a1", later)
	assert.True(t, s.ScheduleStart("a1", later.Add(-time.Minute)))
}

func TestScheduler_Cancel(t *testing.T) {
	h, ch := recorder()
	s := NewScheduler(h)
	defer s.Stop()

	s.ScheduleStart("a1", time.Now().Add(20*time.Millisecond))
	s.ScheduleEnd("a1", time.Now().Add(20*time.Millisecond))
	s.Cancel("a1", Start)
	s.Cancel("a1", Start)
	s.Cancel("missing", End)

	assert.Equal(t, fired{"a1", End}, waitFired(t, ch))
	assertNotFired(t, ch, 60*time.Millisecond)
	assert.Zero(t, s.Len())
}

func TestScheduler_PurposesAreIndependent(t *testing.T) {
	h, _ := recorder()
	s := NewScheduler(h)
	defer s.Stop()

	at := time.Now().Add(time.Hour)
	s.ScheduleStart("a1", at)
	s.ScheduleEnd("a1", at.Add(time.Hour))
	s.ScheduleEnd("a2", at)
	assert.Equal(t, 3, s.Len())

	s.CancelAll("a1")
	assert.Equal(t, 1, s.Len())
}

func TestScheduler_PanicDoesNotKillScheduler(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{}, 2)
	s := NewScheduler(func(id string, _ Purpose) {
		calls.Add(1)
		defer func() { done <- struct{}{} }()
		if id == "boom" {
			panic("callback failed")
		}
	})
	defer s.Stop()

	s.ScheduleEnd("boom", time.Now())
	<-done
	s.ScheduleEnd("ok", time.Now())
	<-done
	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduler_ConcurrentRescheduleLeavesOneTimer(t *testing.T) {
	h, ch := recorder()
	s := NewScheduler(h)
	defer s.Stop()

	base := time.Now().Add(50 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.ScheduleEnd("a1", base.Add(time.Duration(i)*time.Millisecond))
		}(i)
	}
	wg.Wait()

	at, ok := s.Pending("a1", End)
	require.True(t, ok)
	assert.True(t, at.Equal(base.Add(49*time.Millisecond)), "latest instant wins")

	waitFired(t, ch)
	assertNotFired(t, ch, 100*time.Millisecond)
}

func TestScheduler_StopDisarms(t *testing.T) {
	h, ch := recorder()
	s := NewScheduler(h)

	s.ScheduleStart("a1", time.Now().Add(20*time.Millisecond))
	s.Stop()
	assert.False(t, s.ScheduleStart("a2", time.Now()))
	assertNotFired(t, ch, 60*time.Millisecond)
}

func TestScheduler_WithClock(t *testing.T) {
	h, ch := recorder()
	fake := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(h, WithClock(func() time.Time { return fake }))
	defer s.Stop()

	// 10ms after the fake now, regardless of the wall clock.
	s.ScheduleEnd("a1", fake.Add(10*time.Millisecond))
	assert.Equal(t, fired{"a1", End}, waitFired(t, ch))
}
