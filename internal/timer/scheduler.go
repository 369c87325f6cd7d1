// Package timer keeps one-shot, cancellable timers per auction: at most one
// pending start timer and one pending end timer for each auction id.
//
// Entries are sharded by auction id; arming, replacing and cancelling the
// timers of one auction is atomic under its shard lock, and auctions on
// different shards never contend.
package timer

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmx/auction-engine/internal/metrics"
)

// Purpose names the transition a timer triggers.
type Purpose string

const (
	Start Purpose = "start"
	End   Purpose = "end"
)

// Handler is invoked on a fired timer. It runs on its own goroutine.
type Handler func(auctionID string, purpose Purpose)

const numShards = 32

type key struct {
	auctionID string
	purpose   Purpose
}

type entry struct {
	at    time.Time
	timer *time.Timer
	seq   uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[key]*entry
}

// Scheduler owns the armed timers.
type Scheduler struct {
	shards  [numShards]shard
	handler Handler
	now     func() time.Time
	logger  zerolog.Logger
	seq     atomic.Uint64
	stopped atomic.Bool
	running sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used to turn instants into delays.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a scheduler that calls handler when a timer fires.
func NewScheduler(handler Handler, opts ...Option) *Scheduler {
	s := &Scheduler{
		handler: handler,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[key]*entry)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) shardFor(auctionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(auctionID))
	return &s.shards[h.Sum32()%numShards]
}

// ScheduleStart arms the start timer for auctionID, replacing any pending one.
func (s *Scheduler) ScheduleStart(auctionID string, at time.Time) bool {
	return s.schedule(key{auctionID, Start}, at, false)
}

// ScheduleEnd arms the end timer for auctionID. A pending end timer is
// replaced only by a later-or-equal instant; an earlier instant is ignored
// and ScheduleEnd reports false.
func (s *Scheduler) ScheduleEnd(auctionID string, at time.Time) bool {
	return s.schedule(key{auctionID, End}, at, true)
}

func (s *Scheduler) schedule(k key, at time.Time, monotonic bool) bool {
	if s.stopped.Load() {
		return false
	}
	sh := s.shardFor(k.auctionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if prev, ok := sh.entries[k]; ok {
		if monotonic && at.Before(prev.at) {
			return false
		}
		prev.timer.Stop()
		delete(sh.entries, k)
		metrics.TimersArmed.WithLabelValues(string(k.purpose)).Dec()
	}

	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	e := &entry{at: at, seq: s.seq.Add(1)}
	seq := e.seq
	e.timer = time.AfterFunc(delay, func() { s.fire(k, seq) })
	sh.entries[k] = e
	metrics.TimersArmed.WithLabelValues(string(k.purpose)).Inc()

	s.logger.Debug().
		Str("auction_id", k.auctionID).
		Str("purpose", string(k.purpose)).
		Time("at", at).
		Dur("delay", delay).
		Msg("timer armed")
	return true
}

// Cancel disarms the pending timer of the given purpose. Cancelling an
// absent or already fired timer is a no-op.
func (s *Scheduler) Cancel(auctionID string, purpose Purpose) {
	k := key{auctionID, purpose}
	sh := s.shardFor(auctionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[k]; ok {
		e.timer.Stop()
		delete(sh.entries, k)
		metrics.TimersArmed.WithLabelValues(string(purpose)).Dec()
	}
}

// CancelAll disarms both timers of an auction.
func (s *Scheduler) CancelAll(auctionID string) {
	s.Cancel(auctionID, Start)
	s.Cancel(auctionID, End)
}

// Pending returns the instant of the armed timer, if any.
func (s *Scheduler) Pending(auctionID string, purpose Purpose) (time.Time, bool) {
	sh := s.shardFor(auctionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key{auctionID, purpose}]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Stop disarms every timer and waits for running callbacks to return.
// Later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			e.timer.Stop()
			delete(sh.entries, k)
			metrics.TimersArmed.WithLabelValues(string(k.purpose)).Dec()
		}
		sh.mu.Unlock()
	}
	s.running.Wait()
}

func (s *Scheduler) fire(k key, seq uint64) {
	sh := s.shardFor(k.auctionID)
	sh.mu.Lock()
	e, ok := sh.entries[k]
	if !ok || e.seq != seq {
		// Replaced or cancelled after the runtime had already fired it.
		sh.mu.Unlock()
		metrics.TimerFires.WithLabelValues(string(k.purpose), "superseded").Inc()
		return
	}
	delete(sh.entries, k)
	s.running.Add(1)
	sh.mu.Unlock()
	metrics.TimersArmed.WithLabelValues(string(k.purpose)).Dec()

	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.TimerFires.WithLabelValues(string(k.purpose), "panic").Inc()
			s.logger.Error().
				Str("auction_id", k.auctionID).
				Str("purpose", string(k.purpose)).
				Str("panic", fmt.Sprint(r)).
				Msg("timer callback panicked")
		}
	}()

	s.handler(k.auctionID, k.purpose)
	metrics.TimerFires.WithLabelValues(string(k.purpose), "ok").Inc()
}
