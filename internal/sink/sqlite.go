package sink

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite stores records in a database file, one session row per recording
// and one records row per record, keyed by session ID and sequence.
type SQLite struct {
	path    string
	device  string
	session string
	now     func() time.Time

	db     *sql.DB
	insert *sql.Stmt
	seq    int64
	closed bool
}

// NewSQLite returns a sink that opens (creating and migrating as needed) the
// database at path. device labels the session row.
func NewSQLite(path, device string) *SQLite {
	return &SQLite{
		path:    path,
		device:  device,
		session: uuid.New().String(),
		now:     time.Now,
	}
}

// SessionID identifies this recording's rows.
func (s *SQLite) SessionID() string { return s.session }

// Path returns the database path.
func (s *SQLite) Path() string { return s.path }

// DB exposes the open database for read-only tooling; nil before Open.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Open() error {
	if s.closed {
		return ErrClosed
	}
	if s.db != nil {
		return nil
	}

	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return err
	}

	if _, err := db.Exec(`INSERT INTO sessions (session_id, device, started_at) VALUES (?, ?, ?)`,
		s.session, s.device, unixSeconds(s.now())); err != nil {
		db.Close()
		return fmt.Errorf("failed to create session row: %w", err)
	}

	stmt, err := db.Prepare(`INSERT INTO records (
			session_id, seq, kind, timestamp, x, y, fix, state,
			left_psize, right_psize, device_time, message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}

	s.db, s.insert = db, stmt
	monitoring.Logf("sqlite sink %s opened, session %s", s.path, s.session)
	return nil
}

func (s *SQLite) Write(r gaze.Record) error {
	if s.closed {
		return ErrClosed
	}
	if s.db == nil {
		return ErrNotOpen
	}

	var deviceTime *float64
	if r.Kind == gaze.KindSample && r.Sample.DeviceTime != nil {
		v := unixSeconds(*r.Sample.DeviceTime)
		deviceTime = &v
	}
	smp := r.Sample
	if r.Kind == gaze.KindMessage {
		smp = gaze.Sample{}
	}

	if _, err := s.insert.Exec(
		s.session, s.seq+1, r.Kind.String(), unixSeconds(r.Timestamp()),
		smp.X, smp.Y, smp.Fix, smp.State,
		smp.LeftPupil, smp.RightPupil, deviceTime, r.Message.Text,
	); err != nil {
		return err
	}
	s.seq++
	return nil
}

// Close stamps the session end and releases the database.
func (s *SQLite) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}

	var errs []error
	if _, err := s.db.Exec(`UPDATE sessions SET ended_at = ?, record_count = ? WHERE session_id = ?`,
		unixSeconds(s.now()), s.seq, s.session); err != nil {
		errs = append(errs, fmt.Errorf("failed to close session row: %w", err))
	}
	errs = append(errs, s.insert.Close(), s.db.Close())
	return errors.Join(errs...)
}

// Records returns the records of session in write order.
func (s *SQLite) Records(ctx context.Context, session string) ([]gaze.Record, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	return queryRecords(ctx, s.db, session)
}

// SessionInfo summarises one stored recording.
type SessionInfo struct {
	ID          string
	Device      string
	StartedAt   time.Time
	EndedAt     *time.Time
	RecordCount int64
}

// ListSessions returns every session in the database at path, oldest first.
func ListSessions(ctx context.Context, path string) ([]SessionInfo, error) {
	db, err := openExisting(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT session_id, device, started_at, ended_at, record_count
		FROM sessions ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info    SessionInfo
			started float64
			ended   sql.NullFloat64
		)
		if err := rows.Scan(&info.ID, &info.Device, &started, &ended, &info.RecordCount); err != nil {
			return nil, err
		}
		info.StartedAt = fromUnixSeconds(started)
		if ended.Valid {
			t := fromUnixSeconds(ended.Float64)
			info.EndedAt = &t
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// LoadSQLite reads one session's records from the database at path. An empty
// session selects the most recent one.
func LoadSQLite(ctx context.Context, path, session string) ([]gaze.Record, error) {
	db, err := openExisting(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if session == "" {
		err := db.QueryRowContext(ctx, `SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT 1`).Scan(&session)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no sessions in %s", path)
		}
		if err != nil {
			return nil, err
		}
	}
	return queryRecords(ctx, db, session)
}

func queryRecords(ctx context.Context, db *sql.DB, session string) ([]gaze.Record, error) {
	rows, err := db.QueryContext(ctx, `SELECT kind, timestamp, x, y, fix, state,
			left_psize, right_psize, device_time, message
		FROM records WHERE session_id = ? ORDER BY seq`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gaze.Record
	for rows.Next() {
		var (
			kind       string
			ts         float64
			x, y       sql.NullFloat64
			fix, state sql.NullString
			lp, rp, dt sql.NullFloat64
			message    string
		)
		if err := rows.Scan(&kind, &ts, &x, &y, &fix, &state, &lp, &rp, &dt, &message); err != nil {
			return nil, err
		}

		at := fromUnixSeconds(ts)
		if kind == gaze.KindMessage.String() {
			out = append(out, gaze.MessageRecord(gaze.ControlMessage{Timestamp: at, Text: message}))
			continue
		}
		smp := gaze.Sample{
			Timestamp:  at,
			X:          nullFloat(x),
			Y:          nullFloat(y),
			LeftPupil:  nullFloat(lp),
			RightPupil: nullFloat(rp),
		}
		if fix.Valid {
			smp.Fix = &fix.String
		}
		if state.Valid {
			smp.State = &state.String
		}
		if dt.Valid {
			t := fromUnixSeconds(dt.Float64)
			smp.DeviceTime = &t
		}
		out = append(out, gaze.SampleRecord(smp))
	}
	return out, rows.Err()
}

func openDB(path string) (*sql.DB, error) {
	// pragmas in the DSN apply to every pooled connection
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return db, nil
}

// openExisting refuses to create a database that is only going to be read.
func openExisting(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return openDB(path)
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	// m.Close is not called: it would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Debugf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

func unixSeconds(t time.Time) float64 { return float64(t.UnixMicro()) / 1e6 }

func fromUnixSeconds(f float64) time.Time {
	return time.UnixMicro(int64(math.Round(f * 1e6)))
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
