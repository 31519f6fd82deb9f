// Package fitstore keeps fit runs and per-track fit results in SQLite.
package fitstore

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

	"github.com/banshee-data/kftrack/internal/batch"
	"github.com/banshee-data/kftrack/internal/monitoring"
	"github.com/banshee-data/kftrack/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("fit run not found")

// Store is a fit result database.
type Store struct {
	*sql.DB
	clock timeutil.Clock
}

// Run is a stored batch summary.
type Run struct {
	batch.Summary
	Created    time.Time
	ConfigJSON string
}

func dsn(path string) string {
	return "file:" + path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// Open opens or creates the database at path and migrates it to the
// latest schema version.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	// one connection so that ":memory:" databases are shared
	db.SetMaxOpenConns(1)

	s := &Store{DB: db, clock: timeutil.RealClock{}}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock sets the clock stamping new runs; nil restores the wall clock.
func (s *Store) SetClock(c timeutil.Clock) {
	s.clock = timeutil.OrReal(c)
}

// MigrateUp runs all pending migrations.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the underlying connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version and dirty state.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
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

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool {
	return monitoring.Verbosity() > 1
}

// CreateRun stores a run summary. cfg is stored as JSON when not nil.
func (s *Store) CreateRun(ctx context.Context, sum batch.Summary, cfg any) error {
	var cfgJSON sql.NullString
	if cfg != nil {
		b, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode run config: %w", err)
		}
		cfgJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO fit_runs (run_id, created_unix, config_json, n_tracks, n_ok, n_failed,
			chi2, ndf, chi2_time, ndf_time, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID.String(), s.clock.Now().Unix(), cfgJSON, sum.NTracks, sum.NOK, sum.NFailed,
		sum.ChiSq, sum.Ndf, sum.ChiSqTime, sum.NdfTime,
		float64(sum.Duration)/float64(time.Millisecond))
	if err != nil {
		return fmt.Errorf("failed to insert fit run: %w", err)
	}
	return nil
}

const insertResult = `
	INSERT INTO fit_results (run_id, track_index, track_id, ok, err, n_hits,
		chi2, ndf, chi2_time, ndf_time, z, x, y, tx, ty, qp, t, vi)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execResult(ctx context.Context, e execer, runID uuid.UUID, r batch.Result) error {
	var errText sql.NullString
	if r.Err != "" {
		errText = sql.NullString{String: r.Err, Valid: true}
	}
	p := r.First
	_, err := e.ExecContext(ctx, insertResult,
		runID.String(), r.Index, r.TrackID, r.OK, errText, r.NHits,
		r.ChiSq, r.Ndf, r.ChiSqTime, r.NdfTime,
		p.Z, p.X, p.Y, p.Tx, p.Ty, p.Qp, p.Time, p.Vi)
	if err != nil {
		return fmt.Errorf("failed to insert result %d: %w", r.Index, err)
	}
	return nil
}

// InsertResult stores one track result of a run.
func (s *Store) InsertResult(ctx context.Context, runID uuid.UUID, r batch.Result) error {
	return execResult(ctx, s.DB, runID, r)
}

// InsertResults stores the results of a run in one transaction.
func (s *Store) InsertResults(ctx context.Context, runID uuid.UUID, results []batch.Result) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range results {
		if err := execResult(ctx, tx, runID, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveRun stores a summary with its results.
func (s *Store) SaveRun(ctx context.Context, sum batch.Summary, results []batch.Result, cfg any) error {
	if err := s.CreateRun(ctx, sum, cfg); err != nil {
		return err
	}
	return s.InsertResults(ctx, sum.RunID, results)
}

const selectRun = `
	SELECT run_id, created_unix, config_json, n_tracks, n_ok, n_failed,
		chi2, ndf, chi2_time, ndf_time, duration_ms
	FROM fit_runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r       Run
		id      string
		created int64
		cfg     sql.NullString
		ms      float64
	)
	err := sc.Scan(&id, &created, &cfg, &r.NTracks, &r.NOK, &r.NFailed,
		&r.ChiSq, &r.Ndf, &r.ChiSqTime, &r.NdfTime, &ms)
	if err != nil {
		return Run{}, err
	}
	if r.RunID, err = uuid.Parse(id); err != nil {
		return Run{}, fmt.Errorf("bad run id %q: %w", id, err)
	}
	r.Created = time.Unix(created, 0)
	r.ConfigJSON = cfg.String
	r.Duration = time.Duration(ms * float64(time.Millisecond))
	return r, nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (Run, error) {
	r, err := scanRun(s.QueryRowContext(ctx, selectRun+` WHERE run_id = ?`, runID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.QueryContext(ctx, selectRun+` ORDER BY created_unix DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListResults returns the results of a run ordered by track index.
func (s *Store) ListResults(ctx context.Context, runID uuid.UUID) ([]batch.Result, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT track_index, track_id, ok, err, n_hits, chi2, ndf, chi2_time, ndf_time,
			z, x, y, tx, ty, qp, t, vi
		FROM fit_results
		WHERE run_id = ?
		ORDER BY track_index`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []batch.Result
	for rows.Next() {
		var (
			r       batch.Result
			errText sql.NullString
		)
		p := &r.First
		err := rows.Scan(&r.Index, &r.TrackID, &r.OK, &errText, &r.NHits,
			&r.ChiSq, &r.Ndf, &r.ChiSqTime, &r.NdfTime,
			&p.Z, &p.X, &p.Y, &p.Tx, &p.Ty, &p.Qp, &p.Time, &p.Vi)
		if err != nil {
			return nil, err
		}
		r.Err = errText.String
		p.ChiSq, p.Ndf, p.ChiSqTime, p.NdfTime = r.ChiSq, r.Ndf, r.ChiSqTime, r.NdfTime
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteRun removes a run and its results.
func (s *Store) DeleteRun(ctx context.Context, runID uuid.UUID) error {
	res, err := s.ExecContext(ctx, `DELETE FROM fit_runs WHERE run_id = ?`, runID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}
