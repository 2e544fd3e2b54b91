// Package recorder stores streamed SF45 samples in SQLite.
package recorder

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/rangefinder/internal/monitoring"
	"github.com/banshee-data/rangefinder/internal/sf45"
	"github.com/banshee-data/rangefinder/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Defaults for Options.
const (
	DefaultBatchSize     = 500
	DefaultFlushInterval = time.Second
)

// Options tune batching.
type Options struct {
	// BatchSize flushes once this many events are pending.
	BatchSize int
	// FlushInterval flushes pending events at least this often.
	FlushInterval time.Duration
	Clock         timeutil.Clock
}

// Recorder is a SQLite datalog of sessions and their samples.
type Recorder struct {
	db   *sql.DB
	opts Options
}

// Open opens or creates the database at path and migrates it to the latest
// schema. Use ":memory:" for a throwaway database.
func Open(path string, opts Options) (*Recorder, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and writes serialised.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	r := &Recorder{db: db, opts: opts}
	if err := r.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared database handle.
func (r *Recorder) migrateUp() error {
	m, err := r.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (r *Recorder) SchemaVersion() (uint, bool, error) {
	m, err := r.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Close closes the database.
func (r *Recorder) Close() error { return r.db.Close() }

// BeginSession records the start of a capture and returns its id. config is
// stored as JSON and may be nil.
func (r *Recorder) BeginSession(ctx context.Context, id sf45.UnitIdentity, config any) (string, error) {
	var cfgJSON sql.NullString
	if config != nil {
		b, err := json.Marshal(config)
		if err != nil {
			return "", fmt.Errorf("failed to encode config: %w", err)
		}
		cfgJSON = sql.NullString{String: string(b), Valid: true}
	}

	sessionID := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (
			session_id, model, serial_number, hardware_version, firmware_version,
			config_json, started_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, id.Model, id.SerialNumber, id.HardwareVersion, id.FirmwareVersion.String(),
		cfgJSON, r.opts.Clock.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return sessionID, nil
}

// EndSession stamps the session end time.
func (r *Recorder) EndSession(ctx context.Context, sessionID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at_ns = ? WHERE session_id = ?`,
		r.opts.Clock.Now().UnixNano(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	return nil
}

// Write stores a batch of events in one transaction. Samples and poll errors
// go to separate tables.
func (r *Recorder) Write(ctx context.Context, sessionID string, events []sf45.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sampleStmt, err := tx.PrepareContext(ctx, `INSERT INTO samples (
		session_id, seq, at_ns,
		first_dist_raw, first_dist_filtered, first_strength,
		last_dist_raw, last_dist_filtered, last_strength,
		noise, temperature, angle, fields
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer sampleStmt.Close()

	errStmt, err := tx.PrepareContext(ctx, `INSERT INTO poll_errors (
		session_id, seq, at_ns, message, fatal
	) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare error insert: %w", err)
	}
	defer errStmt.Close()

	for _, ev := range events {
		if ev.Err != nil {
			if _, err := errStmt.ExecContext(ctx, sessionID, ev.Seq, ev.At.UnixNano(), ev.Err.Error(), ev.Fatal); err != nil {
				return fmt.Errorf("failed to insert poll error %d: %w", ev.Seq, err)
			}
			continue
		}
		s := ev.Sample
		if _, err := sampleStmt.ExecContext(ctx, sessionID, ev.Seq, ev.At.UnixNano(),
			s.FirstDistRaw, s.FirstDistFiltered, s.FirstStrength,
			s.LastDistRaw, s.LastDistFiltered, s.LastStrength,
			s.Noise, s.Temperature, s.Angle, uint32(s.Fields),
		); err != nil {
			return fmt.Errorf("failed to insert sample %d: %w", ev.Seq, err)
		}
	}
	return tx.Commit()
}

// Run writes events from ch until it is closed or ctx ends, batching by size
// and time. Pending events are flushed before returning.
func (r *Recorder) Run(ctx context.Context, sessionID string, ch <-chan sf45.Event) error {
	ticker := r.opts.Clock.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]sf45.Event, 0, r.opts.BatchSize)
	flush := func(ctx context.Context) error {
		if err := r.Write(ctx, sessionID, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if err := flush(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return flush(ctx)
			}
			batch = append(batch, ev)
			if len(batch) >= r.opts.BatchSize {
				if err := flush(ctx); err != nil {
					return err
				}
			}
		case <-ticker.C():
			if err := flush(ctx); err != nil {
				return err
			}
		}
	}
}
