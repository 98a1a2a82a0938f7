package db

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/sensing"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presence.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleFrame(session string, at time.Time) sensing.Frame {
	return sensing.Frame{
		SessionID:  session,
		CapturedAt: at,
		Faces: []sensing.Face{{
			Position:         sensing.Point{X: 100, Y: 80},
			Size:             64,
			Confidence:       700,
			TrackingID:       3,
			Age:              34,
			AgeConfidence:    500,
			AgeState:         sensing.StateComplete,
			Gender:           sensing.GenderFemale,
			GenderState:      sensing.StateInProgress,
			Expression:       sensing.ExpressionHappiness,
			ExpressionScores: [sensing.ExpressionScoreCount]int{10, 70, 5, 5, 10},
			ExpressionDegree: 70,
		}},
		Bodies: []sensing.Body{{Position: sensing.Point{X: 110, Y: 200}, Size: 300, Confidence: 800, TrackingID: 4}},
		Hands: []sensing.Hand{
			{Position: sensing.Point{X: 60, Y: 150}, Size: 40, Confidence: 600},
			{Position: sensing.Point{X: 160, Y: 150}, Size: 42, Confidence: 610},
		},
	}
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	db := setupTestDB(t)

	latest, err := LatestMigrationVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	// Reopening an up-to-date database is a no-op.
	require.NoError(t, db.MigrateUp(MigrationsFS()))
}

func TestMigrateDownUp(t *testing.T) {
	db := setupTestDB(t)
	fsys := MigrationsFS()

	require.NoError(t, db.MigrateDown(fsys))
	version, _, err := db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateTo(fsys, 2))
	version, _, err = db.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	assert.Error(t, db.MigrateUp(nil))
}

func TestRecordSnapshotAndQuery(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.StartSession(ctx, Session{ID: "s1", StartedAt: start, Device: "B5T 1.2.3.4", Features: "face|age", ImageMode: "none"}))
	require.NoError(t, db.StartSession(ctx, Session{ID: "s1", StartedAt: start.Add(time.Hour)}), "duplicate start is ignored")

	store := sensing.NewStore()
	for i := range 3 {
		store.Publish(sampleFrame("s1", start.Add(time.Duration(i)*100*time.Millisecond)))
		_, err := db.RecordSnapshot(ctx, store.Snapshot())
		require.NoError(t, err)
	}

	frames, err := db.RecentFrames(ctx, 2)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(3), frames[0].Sequence)
	assert.Equal(t, 1, frames[0].Faces)
	assert.Equal(t, 2, frames[0].Hands)
	assert.True(t, start.Add(200*time.Millisecond).Equal(frames[0].CapturedAt))

	sessions, err := db.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].Frames)
	assert.True(t, start.Equal(sessions[0].StartedAt))
	assert.Nil(t, sessions[0].EndedAt)

	require.NoError(t, db.EndSession(ctx, "s1", start.Add(time.Minute), "restarted"))
	sessions, err = db.Sessions(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, sessions[0].EndedAt)
	assert.Equal(t, "restarted", sessions[0].EndReason)

	history, err := db.FaceHistory(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "female", history[0].Gender)
	assert.Equal(t, "Happiness", history[0].Expression)
	assert.Equal(t, 34, history[2].Age)

	_, err = db.FaceHistory(ctx, "s1", sensing.NoTrackingID)
	assert.Error(t, err)

	var scoreHappiness int
	require.NoError(t, db.QueryRow(`SELECT score_happiness FROM faces LIMIT 1`).Scan(&scoreHappiness))
	assert.Equal(t, 70, scoreHappiness)
}

func TestRecordSnapshot_UnknownSessionFails(t *testing.T) {
	db := setupTestDB(t)
	store := sensing.NewStore()
	store.Publish(sampleFrame("missing", time.Now()))

	_, err := db.RecordSnapshot(context.Background(), store.Snapshot())
	assert.Error(t, err, "foreign keys are enforced")
	frames, err := db.RecentFrames(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, frames, "failed transaction leaves nothing behind")
}

func TestRecorderPoll(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := sensing.NewStore()
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	info := func() (string, string, string) { return "sim", "face|body", "qvga" }
	rec := NewRecorder(db, store, info, clock, time.Second)

	require.NoError(t, rec.Poll(ctx), "nothing published yet")
	assert.Zero(t, rec.Recorded())

	t0 := clock.Now()
	store.Publish(sampleFrame("a", t0))
	require.NoError(t, rec.Poll(ctx))
	require.NoError(t, rec.Poll(ctx), "same sequence is skipped")
	assert.Equal(t, uint64(1), rec.Recorded())

	store.Publish(sampleFrame("b", t0.Add(time.Second)))
	require.NoError(t, rec.Poll(ctx))
	assert.Equal(t, uint64(2), rec.Recorded())

	sessions, err := db.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "b", sessions[0].ID)
	assert.Equal(t, "qvga", sessions[0].ImageMode)
	require.NotNil(t, sessions[1].EndedAt)
	assert.Equal(t, "restarted", sessions[1].EndReason)
}

func TestRecorderRun(t *testing.T) {
	db := setupTestDB(t)
	store := sensing.NewStore()
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	rec := NewRecorder(db, store, nil, clock, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()
	require.True(t, clock.WaitForTicker(2*time.Second))

	store.Publish(sampleFrame("run", clock.Now()))
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return rec.Recorded() == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	<-done
	sessions, err := db.Sessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].EndedAt)
	assert.Equal(t, "shutdown", sessions[0].EndReason)
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	var out bytes.Buffer

	require.NoError(t, RunMigrateCommand(&out, path, []string{"up"}))
	assert.Contains(t, out.String(), "Current version: 2 (dirty: false)")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, path, []string{"goto", "1"}))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, path, []string{"status"}))
	assert.Contains(t, out.String(), "Latest version:  2")

	tests := [][]string{
		nil,
		{"sideways"},
		{"goto"},
		{"force", "x"},
	}
	for _, args := range tests {
		assert.Error(t, RunMigrateCommand(io.Discard, path, args), "args %v", args)
	}
}

func TestAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.StartSession(ctx, Session{ID: "s", StartedAt: time.Now()}))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, strings.HasSuffix(rec.Header().Get("Content-Disposition"), ".db.gz"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("SQLite format 3")))
}
