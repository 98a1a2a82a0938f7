package db

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/sensing"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// Source is what the recorder polls.
type Source interface {
	Sequence() uint64
	Snapshot() sensing.Snapshot
}

// SessionInfo describes the run a snapshot came from.
type SessionInfo func() (device, features, imageMode string)

// Recorder copies every new snapshot from a Source into the database.
type Recorder struct {
	db       *DB
	source   Source
	info     SessionInfo
	clock    timeutil.Clock
	interval time.Duration

	lastSeq     uint64
	lastSession string
	recorded    atomic.Uint64
}

// NewRecorder returns a recorder polling src every interval. info may be
// nil.
func NewRecorder(db *DB, src Source, info SessionInfo, clock timeutil.Clock, interval time.Duration) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Recorder{db: db, source: src, info: info, clock: clock, interval: interval}
}

// Run polls until ctx is cancelled. Frames published between two polls are
// not recorded; the recorder samples at its own cadence.
func (r *Recorder) Run(ctx context.Context) {
	t := r.clock.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if r.lastSession != "" {
				if err := r.db.EndSession(context.Background(), r.lastSession, r.clock.Now(), "shutdown"); err != nil {
					monitoring.Logf("recorder: %v", err)
				}
			}
			return
		case <-t.C():
			if err := r.Poll(ctx); err != nil {
				monitoring.Logf("recorder: %v", err)
			}
		}
	}
}

// Poll records the current snapshot unless it was already recorded.
func (r *Recorder) Poll(ctx context.Context) error {
	seq := r.source.Sequence()
	if seq == 0 || seq == r.lastSeq {
		return nil
	}
	snap := r.source.Snapshot()
	if snap.Sequence == r.lastSeq {
		return nil
	}

	if snap.SessionID != r.lastSession {
		if r.lastSession != "" {
			if err := r.db.EndSession(ctx, r.lastSession, snap.CapturedAt, "restarted"); err != nil {
				return err
			}
		}
		s := Session{ID: snap.SessionID, StartedAt: snap.CapturedAt, ImageMode: "none"}
		if r.info != nil {
			s.Device, s.Features, s.ImageMode = r.info()
		}
		if err := r.db.StartSession(ctx, s); err != nil {
			return err
		}
		r.lastSession = snap.SessionID
	}

	if _, err := r.db.RecordSnapshot(ctx, snap); err != nil {
		return err
	}
	r.lastSeq = snap.Sequence
	r.recorded.Add(1)
	return nil
}

// Recorded returns how many frames this recorder wrote.
func (r *Recorder) Recorded() uint64 {
	return r.recorded.Load()
}
