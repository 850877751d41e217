package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"workerscheduler/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  worker TEXT NOT NULL,
  task TEXT NOT NULL,
  outcome TEXT NOT NULL CHECK(outcome IN ('finished','failed')),
  reason TEXT NOT NULL DEFAULT '',
  result BLOB,
  started_at DATETIME,
  ended_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_worker ON runs(worker, created_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

const (
	OutcomeFinished = "finished"
	OutcomeFailed   = "failed"
)

// Run is one completed subprocess run.
type Run struct {
	ID        string          `json:"id"`
	Worker    string          `json:"worker"`
	Task      string          `json:"task"`
	Outcome   string          `json:"outcome"`
	Reason    string          `json:"reason,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Repository is an append-only log of runs. It is never read back into
// worker state.
type Repository interface {
	Record(ctx context.Context, r Run) (string, error)
	ListRecent(ctx context.Context, worker string, limit int) ([]Run, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Record(ctx context.Context, run Run) (string, error) {
	id := run.ID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	var result []byte
	if len(run.Result) > 0 {
		result = run.Result
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO runs (id,worker,task,outcome,reason,result,started_at,ended_at,created_at)
VALUES (?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
`, id, run.Worker, run.Task, run.Outcome, run.Reason, result, nullTime(run.StartedAt), nullTime(run.EndedAt))
	return id, err
}

func (r *sqliteRepo) ListRecent(ctx context.Context, worker string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,worker,task,outcome,reason,result,started_at,ended_at,created_at
FROM runs WHERE (? = '' OR worker = ?) ORDER BY created_at DESC, rowid DESC LIMIT ?`, worker, worker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var result []byte
		var started, ended sql.NullTime
		if err := rows.Scan(&run.ID, &run.Worker, &run.Task, &run.Outcome, &run.Reason, &result, &started, &ended, &run.CreatedAt); err != nil {
			return nil, err
		}
		if len(result) > 0 {
			run.Result = result
		}
		if started.Valid {
			t := started.Time
			run.StartedAt = &t
		}
		if ended.Valid {
			t := ended.Time
			run.EndedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *sqliteRepo) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Recorder stores finish and fail events as runs.
type Recorder struct {
	repo    Repository
	timeout time.Duration
	log     zerolog.Logger
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{
		repo:    repo,
		timeout: 5 * time.Second,
		log:     log.With().Str("component", "history").Logger(),
	}
}

// HandleEvent implements worker.Listener.
func (rec *Recorder) HandleEvent(ev domain.Event) {
	run := Run{Worker: ev.Worker, Task: ev.Task}
	switch ev.Kind {
	case domain.EventFinish:
		run.Outcome = OutcomeFinished
		run.Result = ev.Value
	case domain.EventFail:
		run.Outcome = OutcomeFailed
		run.Reason = ev.Reason
	default:
		return
	}
	if !ev.StartedAt.IsZero() {
		t := ev.StartedAt
		run.StartedAt = &t
	}
	if !ev.EndedAt.IsZero() {
		t := ev.EndedAt
		run.EndedAt = &t
	}

	ctx, cancel := context.WithTimeout(context.Background(), rec.timeout)
	defer cancel()
	if _, err := rec.repo.Record(ctx, run); err != nil {
		rec.log.Error().Err(err).Str("worker", ev.Worker).Msg("failed to record run")
	}
}
