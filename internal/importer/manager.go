package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jfellows/gamedex/internal/catalog"
	"github.com/jfellows/gamedex/internal/config"
	"github.com/jfellows/gamedex/internal/db"
	"github.com/jfellows/gamedex/internal/logging"
	syncengine "github.com/jfellows/gamedex/internal/sync"
	"github.com/jfellows/gamedex/internal/tracing"
)

// ScopeAll imports every linked account regardless of platform.
const ScopeAll = "all"

// LinkedAccount is one platform account attached to a user.
type LinkedAccount struct {
	ID       string
	Platform string
	Username string
}

// OwnedGame is one title reported by a platform library.
type OwnedGame struct {
	Name     string
	Platform string
}

// AccountSource lists a user's linked accounts, optionally narrowed to one
// platform.
type AccountSource interface {
	ListAccounts(ctx context.Context, userID, platformScope string) ([]LinkedAccount, error)
}

// LibraryClient fetches the owned-games list for one linked account.
// Implementations return ErrCredentialInvalid (possibly wrapped) when the
// account's stored credentials are rejected.
type LibraryClient interface {
	Platform() string
	FetchOwnedGames(ctx context.Context, account LinkedAccount) ([]OwnedGame, error)
}

// Manager accepts import jobs and runs them on a fixed worker pool. One
// active job per (user, platform scope) pair; resubmitting while a job is
// pending or running returns the existing job.
type Manager struct {
	store   *jobStore
	repo    *catalog.Repository
	engine  *syncengine.Engine
	source  AccountSource
	clients map[string]LibraryClient
	cfg     config.ImportConfig

	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewManager creates an import manager and starts its workers.
func NewManager(database *db.DB, repo *catalog.Repository, engine *syncengine.Engine,
	source AccountSource, clients []LibraryClient, cfg config.ImportConfig) *Manager {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	byPlatform := make(map[string]LibraryClient, len(clients))
	for _, c := range clients {
		byPlatform[c.Platform()] = c
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:   newJobStore(database),
		repo:    repo,
		engine:  engine,
		source:  source,
		clients: byPlatform,
		cfg:     cfg,
		queue:   make(chan string, 64),
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	return m
}

// Close stops accepting work and waits for in-flight jobs to finish.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.queue)
		m.wg.Wait()
		m.cancel()
	})
}

// Submit enqueues an import for the user's linked accounts. Idempotent per
// active (user, scope): while a matching job is pending or running, that
// job is returned instead of a new one.
func (m *Manager) Submit(ctx context.Context, userID, platformScope string) (Job, error) {
	if userID == "" {
		return Job{}, fmt.Errorf("user id is required")
	}
	if platformScope == "" {
		platformScope = ScopeAll
	}

	if m.cfg.Retention > 0 {
		if err := m.store.prune(ctx, m.cfg.Retention); err != nil {
			logging.Warn("import job pruning failed", "error", err)
		}
	}

	job := &Job{
		ID:            uuid.NewString(),
		UserID:        userID,
		PlatformScope: platformScope,
		State:         StatePending,
		CreatedAt:     time.Now().UTC(),
	}
	stored, created, err := m.store.createUnlessActive(ctx, job)
	if err != nil {
		return Job{}, fmt.Errorf("failed to persist import job: %w", err)
	}
	if !created {
		return stored, nil
	}

	m.queue <- stored.ID
	logging.Info("import job submitted",
		"job_id", stored.ID, "user_id", userID, "scope", platformScope)
	return stored, nil
}

// Status returns the current snapshot of a job.
func (m *Manager) Status(id string) (Job, error) {
	return m.store.get(id)
}

// AwaitTerminal blocks until the job completes or fails and returns its
// final snapshot.
func (m *Manager) AwaitTerminal(id string) (Job, error) {
	return m.store.awaitTerminal(id)
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for id := range m.queue {
		m.runJob(ctx, id)
	}
}

// runJob executes one import end to end. Accounts fail independently; the
// job fails only when no account could be imported.
func (m *Manager) runJob(ctx context.Context, id string) {
	ctx, span := tracing.StartSpan(ctx, "importer.run_job")
	defer span.End()

	now := time.Now().UTC()
	if err := m.store.update(ctx, id, func(j *Job) bool {
		if j.State != StatePending {
			return false
		}
		j.State = StateRunning
		j.StartedAt = &now
		return true
	}); err != nil {
		logging.Error("import job transition failed", "job_id", id, "error", err)
		return
	}

	job, err := m.store.get(id)
	if err != nil {
		return
	}
	log := logging.With("job_id", id, "user_id", job.UserID, "scope", job.PlatformScope)

	accounts, err := m.source.ListAccounts(ctx, job.UserID, job.PlatformScope)
	if err != nil {
		m.finish(ctx, id, fmt.Errorf("failed to list linked accounts: %w", err))
		return
	}
	if len(accounts) == 0 {
		m.finish(ctx, id, errors.New("no linked accounts in scope"))
		return
	}

	var succeeded int
	for _, account := range accounts {
		if err := m.importAccount(ctx, id, account); err != nil {
			log.Warn("account import failed",
				"platform", account.Platform, "account_id", account.ID, "error", err)
			_ = m.store.update(ctx, id, func(j *Job) bool {
				j.FailedAccounts++
				j.AccountErrors = append(j.AccountErrors,
					fmt.Sprintf("%s/%s: %v", account.Platform, account.ID, err))
				return true
			})
			continue
		}
		succeeded++
	}

	if succeeded == 0 {
		m.finish(ctx, id, fmt.Errorf("all %d linked accounts failed", len(accounts)))
		return
	}
	m.finish(ctx, id, nil)
	log.Info("import job finished", "accounts", len(accounts), "failed_accounts", len(accounts)-succeeded)
}

// importAccount pulls one account's library and lands each title in the
// catalog: an existing entry counts as updated, a miss triggers one
// narrowly-bounded provider lookup.
func (m *Manager) importAccount(ctx context.Context, jobID string, account LinkedAccount) error {
	client, ok := m.clients[account.Platform]
	if !ok {
		return fmt.Errorf("no library client for platform %q", account.Platform)
	}

	games, err := client.FetchOwnedGames(ctx, account)
	if err != nil {
		return err
	}

	for _, game := range games {
		isNew, err := m.landGame(ctx, game)
		_ = m.store.update(ctx, jobID, func(j *Job) bool {
			j.TotalGames++
			switch {
			case err != nil:
				// Unmatched titles are counted but not fatal.
			case isNew:
				j.NewGames++
			default:
				j.UpdatedGames++
			}
			return true
		})
	}
	return nil
}

// landGame resolves one owned title to a catalog entry, by name match
// first and a single provider search on a miss.
func (m *Manager) landGame(ctx context.Context, game OwnedGame) (bool, error) {
	res, err := m.repo.Search(ctx, catalog.Filters{Query: game.Name}, catalog.Page{Number: 1, Size: 1})
	if err != nil {
		return false, err
	}
	if res.Total > 0 {
		return false, nil
	}

	run, err := m.engine.Run(ctx, syncengine.Request{
		Mode:  syncengine.ModeSeedQuery,
		Query: game.Name,
		Limit: 1,
	})
	if err != nil {
		return false, err
	}
	if run.New == 0 && run.Updated == 0 {
		return false, fmt.Errorf("no provider match for %q", game.Name)
	}
	return run.New > 0, nil
}

// finish moves a running job to its terminal state.
func (m *Manager) finish(ctx context.Context, id string, jobErr error) {
	now := time.Now().UTC()
	_ = m.store.update(ctx, id, func(j *Job) bool {
		if j.Terminal() {
			return false
		}
		j.CompletedAt = &now
		if jobErr != nil {
			j.State = StateFailed
			j.Error = jobErr.Error()
		} else {
			j.State = StateCompleted
		}
		return true
	})
}
