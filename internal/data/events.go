package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oneshot2001/axis-is-cloud/internal/core"
)

// Event is a persisted metadata event. Immutable after insert.
type Event struct {
	ID          int64
	CameraID    string
	TimestampUS int64
	FrameID     sql.NullInt64
	MotionScore float64
	ObjectCount int
	SceneHash   sql.NullInt64
	CreatedAt   time.Time
}

type EventModel struct {
	DB DBTX
}

// Insert stores a metadata event and returns its server-assigned id. The raw
// payload goes into the JSONB column verbatim when available.
func (m EventModel) Insert(ctx context.Context, cameraID string, md core.Metadata) (int64, error) {
	raw := md.Raw
	if raw == nil {
		b, err := json.Marshal(md)
		if err != nil {
			return 0, err
		}
		raw = b
	}

	var sceneHash any
	if md.SceneHash != nil {
		sceneHash = *md.SceneHash
	}

	query := `
		INSERT INTO camera_events
		(camera_id, timestamp_us, frame_id, metadata, motion_score, object_count, scene_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err := m.DB.QueryRowContext(ctx, query,
		cameraID, md.TimestampUS, md.Sequence, []byte(raw),
		md.MotionScore, md.ObjectCount, sceneHash,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Recent returns the latest events for a camera, newest first.
func (m EventModel) Recent(ctx context.Context, cameraID string, limit int) ([]Event, error) {
	query := `
		SELECT id, camera_id, timestamp_us, frame_id, motion_score, object_count, scene_hash, created_at
		FROM camera_events
		WHERE camera_id = $1
		ORDER BY timestamp_us DESC
		LIMIT $2`

	rows, err := m.DB.QueryContext(ctx, query, cameraID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var motion sql.NullFloat64
		var count sql.NullInt64
		if err := rows.Scan(&e.ID, &e.CameraID, &e.TimestampUS, &e.FrameID,
			&motion, &count, &e.SceneHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.MotionScore = motion.Float64
		e.ObjectCount = int(count.Int64)
		events = append(events, e)
	}
	return events, rows.Err()
}
