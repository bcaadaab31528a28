// Package archive keeps finished runs and their reconciled iteration history
// in a SQL database (PostgreSQL via pgx, or SQLite).
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3" driver

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxRuns = 200

var ErrNotFound = errors.New("archive: run not found")

// Store persists archived runs.
type Store struct {
	db   *sql.DB
	keep int
}

// Open connects to an archive database. driver is "pgx" or "sqlite3".
func Open(driver, dsn string) (*Store, error) {
	if driver != "pgx" && driver != "sqlite3" {
		return nil, fmt.Errorf("archive open: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive open: %w", err)
	}
	if driver == "sqlite3" {
		// One connection keeps :memory: databases shared and writes serialized.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive migrate: %w", err)
	}
	return &Store{db: db, keep: maxRuns}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun upserts a run with its reconciled history and prunes the archive
// to the newest runs.
func (s *Store) SaveRun(ctx context.Context, run runs.Run, history []runs.IterationMetrics) error {
	result := ""
	if run.Result != nil {
		data, err := json.Marshal(run.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, status, created_at, updated_at, params, result, error, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			result = excluded.result,
			error = excluded.error,
			archived_at = excluded.archived_at`,
		run.ID, string(run.Status), run.CreatedAt, run.UpdatedAt,
		string(run.Params), result, run.Error, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	for _, it := range history {
		metrics := ""
		if len(it.Metrics) > 0 {
			data, _ := json.Marshal(it.Metrics)
			metrics = string(data)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO iterations (run_id, iter, loss, grad_norm, topology, ts, metrics)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id, iter) DO NOTHING`,
			run.ID, it.Iter, nullable(it.Loss), nullable(it.GradNorm), it.Topology, nullable(it.Timestamp), metrics,
		)
		if err != nil {
			return fmt.Errorf("insert iteration %d: %w", it.Iter, err)
		}
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY archived_at DESC LIMIT $1)`,
		s.keep,
	); err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM iterations WHERE run_id NOT IN (SELECT id FROM runs)`,
	); err != nil {
		return fmt.Errorf("prune iterations: %w", err)
	}
	return tx.Commit()
}

// ListRuns returns archived runs newest first with iteration counts, plus
// the total number archived.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]Record, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.status, r.created_at, r.updated_at, r.params, r.result, r.error, r.archived_at,
		       COUNT(i.iter) AS iteration_count
		FROM runs r
		LEFT JOIN iterations i ON i.run_id = r.id
		GROUP BY r.id, r.status, r.created_at, r.updated_at, r.params, r.result, r.error, r.archived_at
		ORDER BY r.archived_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err = scanRecord(rows, &rec, &rec.IterationCount); err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// GetRun returns one archived run with its history in iteration order.
func (s *Store) GetRun(ctx context.Context, id string) (*Record, []runs.IterationMetrics, error) {
	var rec Record
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, created_at, updated_at, params, result, error, archived_at FROM runs WHERE id = $1`, id)
	if err := scanRecord(row, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT iter, loss, grad_norm, topology, ts, metrics FROM iterations WHERE run_id = $1 ORDER BY iter ASC`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var history []runs.IterationMetrics
	for rows.Next() {
		var it runs.IterationMetrics
		var loss, grad, ts sql.NullFloat64
		var metrics string
		if err = rows.Scan(&it.Iter, &loss, &grad, &it.Topology, &ts, &metrics); err != nil {
			return nil, nil, err
		}
		it.Loss, it.GradNorm, it.Timestamp = ptr(loss), ptr(grad), ptr(ts)
		if metrics != "" {
			_ = json.Unmarshal([]byte(metrics), &it.Metrics)
		}
		history = append(history, it)
	}
	rec.IterationCount = len(history)
	return &rec, history, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner, rec *Record, extra ...any) error {
	var status, params, result string
	var archivedAt int64
	dest := append([]any{
		&rec.ID, &status, &rec.CreatedAt, &rec.UpdatedAt, &params, &result, &rec.Error, &archivedAt,
	}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return err
	}

	rec.Status = runs.Status(status)
	rec.ArchivedAt = time.Unix(0, archivedAt).UTC()
	if params != "" {
		rec.Params = json.RawMessage(params)
	}
	if result != "" {
		var res runs.RunResult
		if err := json.Unmarshal([]byte(result), &res); err == nil {
			rec.Result = &res
		}
	}
	return nil
}

func nullable(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func ptr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}
