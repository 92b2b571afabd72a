// Package importer runs asynchronous library-import jobs: pulling a user's
// owned games from linked platform accounts into the catalog.
package importer

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jfellows/gamedex/internal/db"
	"github.com/jfellows/gamedex/internal/metrics"
)

// Job states. Transitions are monotonic:
// pending -> running -> completed | failed.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

var (
	// ErrJobNotFound means no job exists with the given id.
	ErrJobNotFound = errors.New("import job not found")
	// ErrCredentialInvalid marks one linked account whose stored
	// credentials were rejected; other accounts still proceed.
	ErrCredentialInvalid = errors.New("account credentials invalid")
)

// Job tracks one library import through its lifecycle.
type Job struct {
	ID            string
	UserID        string
	PlatformScope string
	State         string
	TotalGames    int
	NewGames      int
	UpdatedGames  int
	// FailedAccounts counts linked accounts that could not be imported.
	// The job itself fails only when every account fails.
	FailedAccounts int
	// AccountErrors holds one message per failed account.
	AccountErrors []string
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// snapshot copies the job for return outside the store lock.
func (j *Job) snapshot() Job {
	out := *j
	out.AccountErrors = append([]string(nil), j.AccountErrors...)
	return out
}

// jobStore keeps jobs in memory for fast status checks and writes every
// transition through to the import_jobs table so history survives
// restarts.
type jobStore struct {
	mu   sync.Mutex
	cond *sync.Cond
	jobs map[string]*Job
	conn *sql.DB
}

func newJobStore(database *db.DB) *jobStore {
	s := &jobStore{
		jobs: make(map[string]*Job),
		conn: database.Conn(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// createUnlessActive inserts the job unless one for the same (user, scope)
// pair is still pending or running, in which case that job is returned
// instead. The check and the insert share one critical section so racing
// submissions cannot each create a job.
func (s *jobStore) createUnlessActive(ctx context.Context, job *Job) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.UserID == job.UserID && existing.PlatformScope == job.PlatformScope && !existing.Terminal() {
			return existing.snapshot(), false, nil
		}
	}

	if _, err := s.conn.ExecContext(ctx, `
		INSERT INTO import_jobs (id, user_id, platform_scope, state, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.PlatformScope, job.State,
		job.CreatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return Job{}, false, err
	}
	s.jobs[job.ID] = job
	metrics.ImportJobs.WithLabelValues(job.State).Inc()
	return job.snapshot(), true, nil
}

// update applies fn to the job under the store lock and persists the
// result. fn returning false means no transition happened.
func (s *jobStore) update(ctx context.Context, id string, fn func(*Job) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	prevState := job.State
	if !fn(job) {
		return nil
	}
	if job.State != prevState {
		metrics.ImportJobs.WithLabelValues(prevState).Dec()
		metrics.ImportJobs.WithLabelValues(job.State).Inc()
	}

	_, err := s.conn.ExecContext(ctx, `
		UPDATE import_jobs
		SET state = ?, total_games = ?, new_games = ?, updated_games = ?,
		    failed_accounts = ?, error = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		job.State, job.TotalGames, job.NewGames, job.UpdatedGames,
		job.FailedAccounts, nullString(job.Error),
		nullTime(job.StartedAt), nullTime(job.CompletedAt), job.ID,
	)
	s.cond.Broadcast()
	return err
}

func (s *jobStore) get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[id]; ok {
		return job.snapshot(), nil
	}
	return Job{}, ErrJobNotFound
}

// awaitTerminal blocks until the job reaches a final state.
func (s *jobStore) awaitTerminal(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		job, ok := s.jobs[id]
		if !ok {
			return Job{}, ErrJobNotFound
		}
		if job.Terminal() {
			return job.snapshot(), nil
		}
		s.cond.Wait()
	}
}

// prune drops terminal jobs older than the retention window, from memory
// and from the table.
func (s *jobStore) prune(ctx context.Context, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	for id, job := range s.jobs {
		if job.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			metrics.ImportJobs.WithLabelValues(job.State).Dec()
			delete(s.jobs, id)
		}
	}
	_, err := s.conn.ExecContext(ctx, `
		DELETE FROM import_jobs
		WHERE state IN (?, ?) AND completed_at < ?`,
		StateCompleted, StateFailed, cutoff.Format(time.RFC3339),
	)
	return err
}

// LoadJob reads one job's persisted state straight from the import_jobs
// table. Status checks work against history even when the job ran in a
// different process.
func LoadJob(ctx context.Context, database *db.DB, id string) (Job, error) {
	var (
		job                  Job
		errText              sql.NullString
		created              string
		started, completedAt sql.NullString
	)
	err := database.Conn().QueryRowContext(ctx, `
		SELECT id, user_id, platform_scope, state, total_games, new_games,
		       updated_games, failed_accounts, error, created_at, started_at, completed_at
		FROM import_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.UserID, &job.PlatformScope, &job.State,
		&job.TotalGames, &job.NewGames, &job.UpdatedGames, &job.FailedAccounts,
		&errText, &created, &started, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, err
	}

	job.Error = errText.String
	if t, err := time.Parse(time.RFC3339, created); err == nil {
		job.CreatedAt = t
	}
	if started.Valid {
		if t, err := time.Parse(time.RFC3339, started.String); err == nil {
			job.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return job, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
