// Package db records published detection snapshots to sqlite.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/sensing"
)

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens the database without touching the schema. The migrate
// command uses it so that migrations alone manage the tables.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, path: path}, nil
}

// dsn adds the connection pragmas. They are per connection, so they go in
// the DSN rather than a one-off Exec.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// NewDB opens the database and applies any outstanding migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Session is one acquisition run.
type Session struct {
	ID        string     `json:"session_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
	Device    string     `json:"device,omitempty"`
	Features  string     `json:"features"`
	ImageMode string     `json:"image_mode"`
	Frames    int        `json:"frames"`
}

// StartSession inserts a session row. Starting an existing session is a
// no-op.
func (db *DB) StartSession(ctx context.Context, s Session) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, started_unix_nanos, device, features, image_mode)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		s.ID, s.StartedAt.UnixNano(), s.Device, s.Features, s.ImageMode,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// EndSession stamps the end time of an open session.
func (db *DB) EndSession(ctx context.Context, id string, at time.Time, reason string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE sessions SET ended_unix_nanos = ?, end_reason = ?
		WHERE session_id = ? AND ended_unix_nanos IS NULL`,
		at.UnixNano(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// RecordSnapshot writes one snapshot and its entities in a single
// transaction and returns the frame id.
func (db *DB) RecordSnapshot(ctx context.Context, snap sensing.Snapshot) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO frames (session_id, sequence, captured_unix_nanos, face_count, body_count, hand_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.SessionID, snap.Sequence, snap.CapturedAt.UnixNano(),
		len(snap.Faces), len(snap.Bodies), len(snap.Hands),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert frame: %w", err)
	}
	frameID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, f := range snap.Faces {
		s := f.ExpressionScores
		_, err := tx.ExecContext(ctx, `
			INSERT INTO faces (
				frame_id, idx, tracking_id, x, y, size, confidence,
				pitch, roll, yaw, direction_confidence,
				age, age_confidence, age_state,
				gender, gender_confidence, gender_state,
				gaze_x, gaze_y, blink_left, blink_right,
				expression, expression_degree,
				score_neutral, score_happiness, score_surprise, score_anger, score_sadness
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			frameID, i, f.TrackingID, f.Position.X, f.Position.Y, f.Size, f.Confidence,
			f.Direction.Pitch, f.Direction.Roll, f.Direction.Yaw, f.DirectionConfidence,
			f.Age, f.AgeConfidence, f.AgeState.String(),
			f.Gender.String(), f.GenderConfidence, f.GenderState.String(),
			f.Gaze.X, f.Gaze.Y, f.BlinkLeft, f.BlinkRight,
			f.Expression.String(), f.ExpressionDegree,
			s[0], s[1], s[2], s[3], s[4],
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert face %d: %w", i, err)
		}
	}
	for i, b := range snap.Bodies {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bodies (frame_id, idx, tracking_id, x, y, size, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			frameID, i, b.TrackingID, b.Position.X, b.Position.Y, b.Size, b.Confidence,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert body %d: %w", i, err)
		}
	}
	for i, h := range snap.Hands {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hands (frame_id, idx, x, y, size, confidence)
			VALUES (?, ?, ?, ?, ?, ?)`,
			frameID, i, h.Position.X, h.Position.Y, h.Size, h.Confidence,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert hand %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return frameID, nil
}

// FrameSummary is one recorded frame without its entities.
type FrameSummary struct {
	ID         int64     `json:"frame_id"`
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
	CapturedAt time.Time `json:"captured_at"`
	Faces      int       `json:"faces"`
	Bodies     int       `json:"bodies"`
	Hands      int       `json:"hands"`
}

// RecentFrames returns the newest frames first.
func (db *DB) RecentFrames(ctx context.Context, limit int) ([]FrameSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT frame_id, session_id, sequence, captured_unix_nanos, face_count, body_count, hand_count
		FROM frames
		ORDER BY frame_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []FrameSummary
	for rows.Next() {
		var f FrameSummary
		var captured int64
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Sequence, &captured, &f.Faces, &f.Bodies, &f.Hands); err != nil {
			return nil, err
		}
		f.CapturedAt = time.Unix(0, captured).UTC()
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

// Sessions returns the newest sessions first with their frame counts.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT s.session_id, s.started_unix_nanos, s.ended_unix_nanos, s.end_reason,
		       s.device, s.features, s.image_mode, COUNT(f.frame_id)
		FROM sessions s
		LEFT JOIN frames f ON f.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.started_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &started, &ended, &s.EndReason, &s.Device, &s.Features, &s.ImageMode, &s.Frames); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// FaceTrack is one recorded sighting of a tracked face.
type FaceTrack struct {
	FrameID    int64     `json:"frame_id"`
	CapturedAt time.Time `json:"captured_at"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Size       int       `json:"size"`
	Age        int       `json:"age"`
	Gender     string    `json:"gender"`
	Expression string    `json:"expression"`
}

// FaceHistory returns the recorded sightings of one tracking id within a
// session, oldest first.
func (db *DB) FaceHistory(ctx context.Context, sessionID string, trackingID int) ([]FaceTrack, error) {
	if trackingID < 0 {
		return nil, errors.New("untracked faces have no history")
	}
	rows, err := db.QueryContext(ctx, `
		SELECT f.frame_id, f.captured_unix_nanos, x.x, x.y, x.size, x.age, x.gender, x.expression
		FROM faces x
		JOIN frames f ON f.frame_id = x.frame_id
		WHERE f.session_id = ? AND x.tracking_id = ?
		ORDER BY f.frame_id`, sessionID, trackingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FaceTrack
	for rows.Next() {
		var t FaceTrack
		var captured int64
		if err := rows.Scan(&t.FrameID, &captured, &t.X, &t.Y, &t.Size, &t.Age, &t.Gender, &t.Expression); err != nil {
			return nil, err
		}
		t.CapturedAt = time.Unix(0, captured).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Presence DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("presence-backup-%d.db", time.Now().UnixNano()))
		if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("db: remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		name := strings.TrimSuffix(filepath.Base(backupPath), ".db") + ".db.gz"
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
		w.Header().Set("Content-Type", "application/gzip")

		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			monitoring.Logf("db: stream backup: %v", err)
		}
	}))
	return nil
}
