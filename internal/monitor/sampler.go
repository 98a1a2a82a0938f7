// Package monitor keeps a short in-memory history of detection results and
// renders it as debug charts.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/sensing"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// Source is what the sampler polls.
type Source interface {
	Sequence() uint64
	Snapshot() sensing.Snapshot
}

// Sample is one snapshot reduced to what the charts draw.
type Sample struct {
	Sequence   uint64
	CapturedAt time.Time
	Faces      []sensing.Point
	Bodies     []sensing.Point
	Hands      []sensing.Point
}

// Sampler records the most recent snapshots in a fixed-size ring.
type Sampler struct {
	src      Source
	clock    timeutil.Clock
	interval time.Duration

	mu      sync.Mutex
	ring    []Sample
	next    int
	full    bool
	lastSeq uint64
}

// NewSampler keeps up to capacity samples (default 600), polling every
// interval (default 100ms).
func NewSampler(src Source, clock timeutil.Clock, interval time.Duration, capacity int) *Sampler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if capacity <= 0 {
		capacity = 600
	}
	return &Sampler{src: src, clock: clock, interval: interval, ring: make([]Sample, capacity)}
}

// Run polls until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			s.Poll()
		}
	}
}

// Poll adds the current snapshot if it is new and reports whether it did.
func (s *Sampler) Poll() bool {
	seq := s.src.Sequence()
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq == 0 || seq == s.lastSeq {
		return false
	}
	snap := s.src.Snapshot()
	s.lastSeq = snap.Sequence
	s.ring[s.next] = Sample{
		Sequence:   snap.Sequence,
		CapturedAt: snap.CapturedAt,
		Faces:      centers(snap.Faces, func(f sensing.Face) sensing.Point { return f.Position }),
		Bodies:     centers(snap.Bodies, func(b sensing.Body) sensing.Point { return b.Position }),
		Hands:      centers(snap.Hands, func(h sensing.Hand) sensing.Point { return h.Position }),
	}
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	return true
}

func centers[T any](in []T, pos func(T) sensing.Point) []sensing.Point {
	out := make([]sensing.Point, len(in))
	for i, v := range in {
		out[i] = pos(v)
	}
	return out
}

// Samples returns up to n samples, oldest first. n <= 0 means all.
func (s *Sampler) Samples(n int) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sample
	if s.full {
		out = append(out, s.ring[s.next:]...)
	}
	out = append(out, s.ring[:s.next]...)
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
