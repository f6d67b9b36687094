package data

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// Open creates the PostgreSQL pool and verifies connectivity.
func Open(url string, poolSize int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize / 4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS camera_events (
		id BIGSERIAL,
		camera_id VARCHAR(64) NOT NULL,
		timestamp_us BIGINT NOT NULL,
		frame_id BIGINT,
		metadata JSONB NOT NULL,
		motion_score FLOAT,
		object_count INT,
		scene_hash BIGINT,
		created_at TIMESTAMP DEFAULT NOW(),
		PRIMARY KEY (id, timestamp_us)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_camera_events_camera_time
		ON camera_events(camera_id, timestamp_us DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_camera_events_motion
		ON camera_events(motion_score) WHERE motion_score > 0.5`,
	`CREATE TABLE IF NOT EXISTS claude_analyses (
		id BIGSERIAL PRIMARY KEY,
		camera_id VARCHAR(64) NOT NULL,
		trigger_event_id BIGINT,
		timestamp_us BIGINT NOT NULL,
		summary TEXT NOT NULL,
		full_response JSONB,
		frames_analyzed INT DEFAULT 0,
		analysis_duration_ms INT,
		created_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_claude_analyses_camera_time
		ON claude_analyses(camera_id, timestamp_us DESC)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		camera_id VARCHAR(64) NOT NULL,
		analysis_id BIGINT REFERENCES claude_analyses(id),
		alert_type VARCHAR(64) NOT NULL,
		severity INT NOT NULL,
		message TEXT NOT NULL,
		metadata JSONB,
		acknowledged BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT NOW()
	)`,
}

// Bootstrap creates the schema if it does not exist. A failure here is fatal
// to startup.
func Bootstrap(ctx context.Context, db DBTX) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	log.Printf("[DB] Schema created/verified")
	return nil
}
