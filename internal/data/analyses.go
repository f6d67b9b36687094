package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Analysis is a persisted provider summary correlated to a trigger event.
type Analysis struct {
	ID             int64           `json:"id"`
	CameraID       string          `json:"camera_id"`
	TriggerEventID int64           `json:"trigger_event_id"`
	TimestampUS    int64           `json:"timestamp_us"`
	Summary        string          `json:"summary"`
	FullResponse   json.RawMessage `json:"full_response,omitempty"`
	FramesAnalyzed int             `json:"frames_analyzed"`
	DurationMS     int             `json:"analysis_duration_ms"`
	CreatedAt      time.Time       `json:"created_at"`
}

type AnalysisModel struct {
	DB DBTX
}

// Insert stores an analysis record. TimestampUS is server wall-clock
// microseconds, assigned here when the caller leaves it zero.
func (m AnalysisModel) Insert(ctx context.Context, a Analysis) (int64, error) {
	if a.TimestampUS == 0 {
		a.TimestampUS = time.Now().UTC().UnixMicro()
	}

	query := `
		INSERT INTO claude_analyses
		(camera_id, trigger_event_id, timestamp_us, summary, full_response,
		 frames_analyzed, analysis_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err := m.DB.QueryRowContext(ctx, query,
		a.CameraID, a.TriggerEventID, a.TimestampUS, a.Summary,
		[]byte(a.FullResponse), a.FramesAnalyzed, a.DurationMS,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Recent returns the latest analyses for a camera, newest first.
func (m AnalysisModel) Recent(ctx context.Context, cameraID string, limit int) ([]Analysis, error) {
	query := `
		SELECT id, camera_id, trigger_event_id, timestamp_us, summary, frames_analyzed, analysis_duration_ms, created_at
		FROM claude_analyses
		WHERE camera_id = $1
		ORDER BY timestamp_us DESC
		LIMIT $2`

	rows, err := m.DB.QueryContext(ctx, query, cameraID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		var a Analysis
		var trigger, duration sql.NullInt64
		if err := rows.Scan(&a.ID, &a.CameraID, &trigger, &a.TimestampUS,
			&a.Summary, &a.FramesAnalyzed, &duration, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.TriggerEventID = trigger.Int64
		a.DurationMS = int(duration.Int64)
		out = append(out, a)
	}
	return out, rows.Err()
}
