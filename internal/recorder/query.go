package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/rangefinder/internal/sf45"
)

// SessionInfo is one row of the sessions table.
type SessionInfo struct {
	ID           string
	Model        string
	SerialNumber string
	Firmware     string
	ConfigJSON   string
	StartedAt    time.Time
	EndedAt      time.Time // zero while the session is open
	Samples      int
	Errors       int
}

// StoredSample is a sample read back from the samples table.
type StoredSample struct {
	Seq    uint64
	At     time.Time
	Sample sf45.PointSample
}

// Sessions lists recorded sessions, oldest first.
func (r *Recorder) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.session_id, s.model, s.serial_number, s.firmware_version,
		       COALESCE(s.config_json, ''), s.started_at_ns, s.ended_at_ns,
		       (SELECT COUNT(*) FROM samples WHERE session_id = s.session_id),
		       (SELECT COUNT(*) FROM poll_errors WHERE session_id = s.session_id)
		FROM sessions s
		ORDER BY s.started_at_ns, s.rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			si      SessionInfo
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&si.ID, &si.Model, &si.SerialNumber, &si.Firmware,
			&si.ConfigJSON, &started, &ended, &si.Samples, &si.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		si.StartedAt = time.Unix(0, started)
		if ended.Valid {
			si.EndedAt = time.Unix(0, ended.Int64)
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// Samples returns the samples of one session in arrival order.
func (r *Recorder) Samples(ctx context.Context, sessionID string) ([]StoredSample, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, at_ns,
		       first_dist_raw, first_dist_filtered, first_strength,
		       last_dist_raw, last_dist_filtered, last_strength,
		       noise, temperature, angle, fields
		FROM samples
		WHERE session_id = ?
		ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []StoredSample
	for rows.Next() {
		var (
			ss     StoredSample
			at     int64
			fields uint32
		)
		s := &ss.Sample
		if err := rows.Scan(&ss.Seq, &at,
			&s.FirstDistRaw, &s.FirstDistFiltered, &s.FirstStrength,
			&s.LastDistRaw, &s.LastDistFiltered, &s.LastStrength,
			&s.Noise, &s.Temperature, &s.Angle, &fields); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		ss.At = time.Unix(0, at)
		s.Fields = sf45.OutputFields(fields)
		out = append(out, ss)
	}
	return out, rows.Err()
}
