// Package store persists Recording and Segment metadata to SQLite using
// the pure-Go modernc.org/sqlite driver (spec §5 "SQLite metadata store").
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opennvr/nvrd/pkg/recording"
)

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id            TEXT PRIMARY KEY,
	stream_name   TEXT NOT NULL,
	start_time    INTEGER NOT NULL,
	end_time      INTEGER,
	trigger       TEXT NOT NULL,
	complete      INTEGER NOT NULL DEFAULT 0,
	triggers_json TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_recordings_stream_start ON recordings(stream_name, start_time);

CREATE TABLE IF NOT EXISTS segments (
	path              TEXT PRIMARY KEY,
	recording_id      TEXT NOT NULL REFERENCES recordings(id),
	stream_name       TEXT NOT NULL,
	first_pts         INTEGER NOT NULL,
	last_pts          INTEGER NOT NULL,
	started_wallclock INTEGER NOT NULL,
	ended_wallclock   INTEGER,
	size_bytes        INTEGER NOT NULL DEFAULT 0,
	has_audio         INTEGER NOT NULL DEFAULT 0,
	ended_on_keyframe INTEGER NOT NULL DEFAULT 0,
	incomplete        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_segments_recording ON segments(recording_id);
`

// pragmas tunes the driver the way a single-writer/multi-reader embedded
// database needs: WAL for reader/writer concurrency, a generous busy
// timeout instead of immediate SQLITE_BUSY, and NORMAL sync since WAL
// already protects against corruption on crash.
const pragmas = "?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

// Store is the metadata persistence layer. The core never holds a
// transaction across a network read (spec §5): every write below opens,
// uses, and commits its transaction before returning. writeConn is
// restricted to a single connection since SQLite allows only one writer;
// readConn is a separate, independently pooled connection so readers are
// never blocked behind a write transaction.
type Store struct {
	writeConn *sql.DB
	readConn  *sql.DB
	logger    *slog.Logger
}

// Open creates (if needed) and opens the SQLite database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	writeConn, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)

	readConn, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		writeConn.Close()
		return nil, fmt.Errorf("open read connection: %w", err)
	}
	readConn.SetMaxOpenConns(4)

	if _, err := writeConn.Exec(schema); err != nil {
		writeConn.Close()
		readConn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("opened metadata store", "path", path)
	return &Store{writeConn: writeConn, readConn: readConn, logger: logger}, nil
}

// Close releases both connections.
func (s *Store) Close() error {
	werr := s.writeConn.Close()
	rerr := s.readConn.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// UpsertRecording inserts a new Recording row or updates its mutable
// fields (end_time, complete, trigger history) if it already exists.
func (s *Store) UpsertRecording(ctx context.Context, r recording.Recording, triggerHistory []recording.Verdict) error {
	triggersJSON, err := json.Marshal(triggerHistory)
	if err != nil {
		return fmt.Errorf("marshal trigger history: %w", err)
	}

	tx, err := s.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var endTime *int64
	if !r.EndTime.IsZero() {
		t := r.EndTime.Unix()
		endTime = &t
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO recordings (id, stream_name, start_time, end_time, trigger, complete, triggers_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_time = excluded.end_time,
			complete = excluded.complete,
			triggers_json = excluded.triggers_json
	`, r.ID, r.StreamName, r.StartTime.Unix(), endTime, r.Trigger.String(), boolToInt(r.Complete), string(triggersJSON))
	if err != nil {
		s.logger.Error("upsert recording failed", "recording_id", r.ID, "error", err)
		return fmt.Errorf("upsert recording: %w", err)
	}

	return tx.Commit()
}

// UpsertSegment inserts a new Segment row or updates its closing fields.
func (s *Store) UpsertSegment(ctx context.Context, recordingID string, seg recording.Segment) error {
	tx, err := s.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var endedWallclock *int64
	if !seg.EndedWallclock.IsZero() {
		t := seg.EndedWallclock.Unix()
		endedWallclock = &t
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO segments (path, recording_id, stream_name, first_pts, last_pts,
			started_wallclock, ended_wallclock, size_bytes, has_audio, ended_on_keyframe, incomplete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			last_pts = excluded.last_pts,
			ended_wallclock = excluded.ended_wallclock,
			size_bytes = excluded.size_bytes,
			ended_on_keyframe = excluded.ended_on_keyframe,
			incomplete = excluded.incomplete
	`, seg.Path, recordingID, seg.StreamName, seg.FirstPTS, seg.LastPTS,
		seg.StartedWallclock.Unix(), endedWallclock, seg.SizeBytes,
		boolToInt(seg.HasAudio), boolToInt(seg.EndedOnKeyframe), boolToInt(seg.Incomplete))
	if err != nil {
		return fmt.Errorf("upsert segment: %w", err)
	}

	return tx.Commit()
}

// QueryRecordings returns every Recording matching filter, most recent
// first, with its segments populated.
func (s *Store) QueryRecordings(ctx context.Context, filter recording.Filter) ([]recording.Recording, error) {
	query := `SELECT id, stream_name, start_time, end_time, trigger, complete FROM recordings WHERE 1=1`
	var args []any

	if filter.StreamName != "" {
		query += " AND stream_name = ?"
		args = append(args, filter.StreamName)
	}
	if !filter.Since.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, filter.Since.Unix())
	}
	if !filter.Until.IsZero() {
		query += " AND start_time <= ?"
		args = append(args, filter.Until.Unix())
	}
	if filter.Trigger != nil {
		query += " AND trigger = ?"
		args = append(args, filter.Trigger.String())
	}
	query += " ORDER BY start_time DESC"

	rows, err := s.readConn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	var out []recording.Recording
	for rows.Next() {
		var r recording.Recording
		var startUnix int64
		var endUnix sql.NullInt64
		var triggerStr string
		var complete int
		if err := rows.Scan(&r.ID, &r.StreamName, &startUnix, &endUnix, &triggerStr, &complete); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		r.StartTime = time.Unix(startUnix, 0)
		if endUnix.Valid {
			r.EndTime = time.Unix(endUnix.Int64, 0)
		}
		r.Trigger = parseTrigger(triggerStr)
		r.Complete = complete != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		segs, err := s.segmentsForRecording(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Segments = segs
	}
	return out, nil
}

func (s *Store) segmentsForRecording(ctx context.Context, recordingID string) ([]recording.Segment, error) {
	rows, err := s.readConn.QueryContext(ctx, `
		SELECT path, stream_name, first_pts, last_pts, started_wallclock, ended_wallclock,
			size_bytes, has_audio, ended_on_keyframe, incomplete
		FROM segments WHERE recording_id = ? ORDER BY started_wallclock ASC
	`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []recording.Segment
	for rows.Next() {
		var seg recording.Segment
		var startedUnix int64
		var endedUnix sql.NullInt64
		var hasAudio, endedOnKeyframe, incomplete int
		if err := rows.Scan(&seg.Path, &seg.StreamName, &seg.FirstPTS, &seg.LastPTS,
			&startedUnix, &endedUnix, &seg.SizeBytes, &hasAudio, &endedOnKeyframe, &incomplete); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.StartedWallclock = time.Unix(startedUnix, 0)
		if endedUnix.Valid {
			seg.EndedWallclock = time.Unix(endedUnix.Int64, 0)
		}
		seg.HasAudio = hasAudio != 0
		seg.EndedOnKeyframe = endedOnKeyframe != 0
		seg.Incomplete = incomplete != 0
		out = append(out, seg)
	}
	return out, rows.Err()
}

func parseTrigger(s string) recording.Trigger {
	switch s {
	case recording.TriggerMotion.String():
		return recording.TriggerMotion
	case recording.TriggerObjects.String():
		return recording.TriggerObjects
	case recording.TriggerManual.String():
		return recording.TriggerManual
	default:
		return recording.TriggerContinuous
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
