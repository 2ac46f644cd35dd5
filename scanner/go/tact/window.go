package tact

import (
	"context"
	"sync"
	"time"
)

// slidingWindow grants at most permits acquisitions within any trailing
// window. Acquisitions are bucketed into window/segments slots and released
// oldest-first as their slot ages out, which is the CDN's published politeness
// contract (10 requests per rolling minute, 12 slots). x/time/rate models a
// token bucket, which refills continuously and would admit bursts the window
// forbids, so this is hand-rolled.
type slidingWindow struct {
	permits  int
	segment  time.Duration
	segments int

	mtx     sync.Mutex
	buckets []windowBucket // oldest first
	total   int
}

type windowBucket struct {
	start time.Time
	count int
}

func newSlidingWindow(permits int, window time.Duration, segments int) *slidingWindow {
	return &slidingWindow{
		permits:  permits,
		segment:  window / time.Duration(segments),
		segments: segments,
	}
}

func (s *slidingWindow) window() time.Duration {
	return s.segment * time.Duration(s.segments)
}

// evict drops buckets that have aged out of the window ending at now.
func (s *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-s.window())
	for len(s.buckets) > 0 && !s.buckets[0].start.After(cutoff) {
		s.total -= s.buckets[0].count
		s.buckets = s.buckets[1:]
	}
}

// Wait blocks until a permit is available or ctx is done.
func (s *slidingWindow) Wait(ctx context.Context) error {
	for {
		s.mtx.Lock()
		now := time.Now()
		s.evict(now)
		if s.total < s.permits {
			slot := now.Truncate(s.segment)
			if n := len(s.buckets); n > 0 && s.buckets[n-1].start.Equal(slot) {
				s.buckets[n-1].count++
			} else {
				s.buckets = append(s.buckets, windowBucket{start: slot, count: 1})
			}
			s.total++
			s.mtx.Unlock()
			return nil
		}
		// Wake when the oldest bucket ages out.
		wait := s.buckets[0].start.Add(s.window()).Sub(now)
		s.mtx.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
