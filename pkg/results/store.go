// Package results persists image evaluations in SQLite.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Evaluation is the stored outcome of evaluating one image with one model.
type Evaluation struct {
	ID        string             `json:"id"`
	ImagePath string             `json:"image_path"`
	Model     string             `json:"evaluation_model"`
	Results   map[string]float64 `json:"results"`
	CreatedAt time.Time          `json:"created"`
}

// UnexpectedOutputError reports result keys a model does not produce.
type UnexpectedOutputError struct {
	Model string
	Keys  []string
}

func (e *UnexpectedOutputError) Error() string {
	return fmt.Sprintf("results: keys %v are not outputs of model %s", e.Keys, e.Model)
}

// Check verifies that every result key is one of expected.
func (e *Evaluation) Check(expected []string) error {
	allowed := make(map[string]bool, len(expected))
	for _, name := range expected {
		allowed[name] = true
	}
	var unknown []string
	for key := range e.Results {
		if !allowed[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &UnexpectedOutputError{Model: e.Model, Keys: unknown}
	}
	return nil
}

// Store manages evaluation persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or connects to the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Put stores ev, assigning an ID and creation time when they are unset.
func (s *Store) Put(ctx context.Context, ev *Evaluation) error {
	return insert(ctx, s.db, ev)
}

// PutAll stores every evaluation in one transaction.
func (s *Store) PutAll(ctx context.Context, evs []*Evaluation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, ev := range evs {
		if err := insert(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insert(ctx context.Context, db execer, ev *Evaluation) error {
	if ev == nil {
		return errors.New("evaluation is nil")
	}
	if ev.ImagePath == "" || ev.Model == "" {
		return errors.New("evaluation needs an image path and a model")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	resultsJSON, err := json.Marshal(ev.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = db.ExecContext(
		ctx,
		`INSERT INTO evaluations (id, image_path, model, results_json, created_at)
         VALUES (?, ?, ?, ?, ?)`,
		ev.ID,
		ev.ImagePath,
		ev.Model,
		string(resultsJSON),
		ev.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert evaluation %s: %w", ev.ImagePath, err)
	}
	return nil
}

// timeLayout has a fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const evaluationColumns = "id, image_path, model, results_json, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row scanner) (*Evaluation, error) {
	var (
		ev          Evaluation
		resultsJSON string
		created     string
	)
	if err := row.Scan(&ev.ID, &ev.ImagePath, &ev.Model, &resultsJSON, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(resultsJSON), &ev.Results); err != nil {
		return nil, fmt.Errorf("decode results of %s: %w", ev.ID, err)
	}
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", ev.ID, err)
	}
	ev.CreatedAt = t
	return &ev, nil
}

// Get fetches an evaluation by ID. It returns nil when none exists.
func (s *Store) Get(ctx context.Context, id string) (*Evaluation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = ?`, id)
	ev, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return ev, nil
}

// ByImage returns every evaluation of an image, oldest first.
func (s *Store) ByImage(ctx context.Context, imagePath string) ([]*Evaluation, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE image_path = ? ORDER BY created_at, id`,
		imagePath,
	)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	var evs []*Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

// Count returns the number of stored evaluations.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM evaluations").Scan(&n); err != nil {
		return 0, fmt.Errorf("count evaluations: %w", err)
	}
	return n, nil
}
