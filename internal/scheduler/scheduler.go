// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package scheduler provides the one-shot/periodic timer primitive the
// rest of the bridge builds on, injected everywhere a component needs to
// wait or poll so tests can swap in a virtual clock instead of sleeping.
package scheduler

import (
	"sync"
	"time"
)

// ID identifies a scheduled timer or interval. IDs are opaque and are
// never reused while the timer they name is still live.
type ID uint64

// Scheduler schedules one-shot and periodic callbacks with cancellation.
// A cancelled timer never fires, even if cancel races with the fire.
type Scheduler interface {
	Schedule(fn func(), delay time.Duration) ID
	ScheduleInterval(fn func(), period time.Duration) ID
	Cancel(id ID)
	CancelInterval(id ID)
	Dispose()
	// Now returns the scheduler's notion of the current time, so callers
	// that need to compare ages against "now" stay consistent with a
	// Virtual scheduler's advanced-but-not-real clock in tests.
	Now() time.Time
}

// RealScheduler is the production Scheduler, backed by time.AfterFunc and
// time.Ticker.
type RealScheduler struct {
	mu       sync.Mutex
	nextID   ID
	timers   map[ID]*time.Timer
	tickers  map[ID]*tickerHandle
	disposed bool
}

type tickerHandle struct {
	ticker *time.Ticker
	stop   chan struct{}
}

// New returns a RealScheduler ready for use.
func New() *RealScheduler {
	return &RealScheduler{
		timers:  make(map[ID]*time.Timer),
		tickers: make(map[ID]*tickerHandle),
	}
}

func (s *RealScheduler) Schedule(fn func(), delay time.Duration) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0
	}
	s.nextID++
	id := s.nextID
	t := time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		if live {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	s.timers[id] = t
	return id
}

func (s *RealScheduler) ScheduleInterval(fn func(), period time.Duration) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0
	}
	s.nextID++
	id := s.nextID
	h := &tickerHandle{
		ticker: time.NewTicker(period),
		stop:   make(chan struct{}),
	}
	s.tickers[id] = h
	go func() {
		for {
			select {
			case <-h.ticker.C:
				s.mu.Lock()
				_, live := s.tickers[id]
				s.mu.Unlock()
				if live {
					fn()
				}
			case <-h.stop:
				return
			}
		}
	}()
	return id
}

func (s *RealScheduler) Cancel(id ID) {
	s.mu.Lock()
	t, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}

func (s *RealScheduler) CancelInterval(id ID) {
	s.mu.Lock()
	h, ok := s.tickers[id]
	if ok {
		delete(s.tickers, id)
	}
	s.mu.Unlock()
	if ok {
		h.ticker.Stop()
		close(h.stop)
	}
}

func (s *RealScheduler) Now() time.Time {
	return time.Now()
}

func (s *RealScheduler) Dispose() {
	s.mu.Lock()
	timers := s.timers
	tickers := s.tickers
	s.timers = make(map[ID]*time.Timer)
	s.tickers = make(map[ID]*tickerHandle)
	s.disposed = true
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, h := range tickers {
		h.ticker.Stop()
		close(h.stop)
	}
}
