package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Alert is an edge-originated alert, persisted for operator review.
type Alert struct {
	ID           int64           `json:"id"`
	CameraID     string          `json:"camera_id"`
	AnalysisID   sql.NullInt64   `json:"analysis_id,omitempty"`
	AlertType    string          `json:"alert_type"`
	Severity     int             `json:"severity"`
	Message      string          `json:"message"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
	CreatedAt    time.Time       `json:"created_at"`
}

type AlertModel struct {
	DB DBTX
}

func (m AlertModel) Insert(ctx context.Context, a Alert) (int64, error) {
	query := `
		INSERT INTO alerts
		(camera_id, analysis_id, alert_type, severity, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := m.DB.QueryRowContext(ctx, query,
		a.CameraID, a.AnalysisID, a.AlertType, a.Severity, a.Message, []byte(a.Metadata),
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Acknowledge marks an alert handled by an operator.
func (m AlertModel) Acknowledge(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE alerts SET acknowledged = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Unacknowledged lists open alerts, oldest first.
func (m AlertModel) Unacknowledged(ctx context.Context, limit int) ([]Alert, error) {
	query := `
		SELECT id, camera_id, analysis_id, alert_type, severity, message, acknowledged, created_at
		FROM alerts
		WHERE acknowledged = FALSE
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := m.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.CameraID, &a.AnalysisID, &a.AlertType,
			&a.Severity, &a.Message, &a.Acknowledged, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
