package observability

import (
	"database/sql"
	"fmt"
)

// Schema creates the event and metric tables. The observability database is
// kept separate from the snapshot database to avoid write contention on the
// commit path.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_events (
    event_id     TEXT PRIMARY KEY,
    timestamp    INTEGER NOT NULL,
    event_type   TEXT NOT NULL,
    session_id   TEXT,
    user_id      TEXT,
    collection   TEXT,
    doc_id       TEXT,
    version      INTEGER,
    detail       TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_events_ts ON sync_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_sync_events_type ON sync_events(event_type, timestamp);

CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_name  TEXT NOT NULL,
    timestamp    INTEGER NOT NULL,
    value        REAL NOT NULL,
    labels       TEXT,
    unit         TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_ts ON metrics_timeseries(metric_name, timestamp);
`

// Init applies the schema to the shared observability database.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: init schema: %w", err)
	}
	return nil
}
