// Package pipeline runs the crawl stages for the tracked accounts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brettboylen/bluesky-tracker/api"
	"github.com/brettboylen/bluesky-tracker/db"
	"github.com/brettboylen/bluesky-tracker/feed"
	"github.com/brettboylen/bluesky-tracker/models"
	"github.com/brettboylen/bluesky-tracker/profile"
	"github.com/brettboylen/bluesky-tracker/progress"
	"github.com/brettboylen/bluesky-tracker/sentiment"
	"github.com/brettboylen/bluesky-tracker/stats"
	"github.com/brettboylen/bluesky-tracker/thread"
	"github.com/brettboylen/bluesky-tracker/utils"
)

const (
	scopeAll                = "all"
	defaultWorkers          = 2
	defaultProgressInterval = 10 * time.Second
)

var (
	// ErrRunInProgress is returned when a run is requested while another one is active
	ErrRunInProgress = errors.New("a pipeline run is already in progress")
	// ErrUnknownAccount is returned for a handle that is not tracked
	ErrUnknownAccount = errors.New("unknown account")
)

// TokenSource hands out access tokens. Refresh is called once after a 401.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Stages bundles the services of one account run, in the order they execute
type Stages struct {
	Profiles   *profile.Refresher
	Feed       *feed.Crawler
	Threads    *thread.Reconstructor
	Sentiment  *sentiment.Service
	Statistics *stats.Aggregator
}

// Config tunes the runner
type Config struct {
	Workers          int
	Tool             string
	ProgressInterval time.Duration
}

// Status is a snapshot of the runner's state
type Status struct {
	Running        bool       `json:"running"`
	Scope          string     `json:"scope,omitempty"`
	LastStart      *time.Time `json:"last_start,omitempty"`
	LastFinish     *time.Time `json:"last_finish,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	AccountsTotal  int        `json:"accounts_total"`
	AccountsDone   int        `json:"accounts_done"`
	AccountsFailed int        `json:"accounts_failed"`
}

// Runner executes the stages per account. Only one run (all accounts or a
// single one) is active at a time.
type Runner struct {
	database *db.Database
	tokens   TokenSource
	stages   Stages
	cfg      Config
	log      *logrus.Logger

	mutex  sync.RWMutex
	status Status
}

// NewRunner creates a pipeline runner
func NewRunner(database *db.Database, tokens TokenSource, stages Stages, cfg Config, log *logrus.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Tool == "" {
		cfg.Tool = sentiment.ToolLexicon
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}

	return &Runner{
		database: database,
		tokens:   tokens,
		stages:   stages,
		cfg:      cfg,
		log:      log,
	}
}

// Status returns a copy of the current state.
// note: the status is only written under the mutex, so the copy is consistent
func (r *Runner) Status() Status {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.status
}

// Seed upserts the configured accounts by handle
func (r *Runner) Seed(ctx context.Context, seeds []utils.AccountSeed) (int, error) {
	session := r.database.NewSession(ctx)

	for _, seed := range seeds {
		account, err := seed.ToModel()
		if err != nil {
			return 0, err
		}
		if _, err := session.UpsertAccountSeed(account); err != nil {
			return 0, fmt.Errorf("failed to seed account %s: %w", seed.Handle, err)
		}
	}

	r.log.WithField("accounts", len(seeds)).Info("Seeded tracked accounts")
	return len(seeds), nil
}

// RunAll refreshes the profiles of the active accounts, then runs the
// remaining stages for each of them with at most Workers accounts in parallel.
func (r *Runner) RunAll(ctx context.Context) (err error) {
	if err := r.begin(scopeAll); err != nil {
		return err
	}
	defer func() { r.finish(err) }()

	session := r.database.NewSession(ctx)
	accounts, err := session.ActiveAccounts()
	if err != nil {
		return fmt.Errorf("failed to load active accounts: %w", err)
	}
	r.setTotal(len(accounts))

	r.log.WithFields(logrus.Fields{
		"accounts": len(accounts),
		"workers":  r.cfg.Workers,
	}).Info("Starting pipeline run")

	if err := r.refreshProfiles(ctx, session, accounts); err != nil {
		return err
	}

	errs := make([]error, len(accounts))
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i := range accounts {
		account := &accounts[i]
		g.Go(func() error {
			// a failing account never cancels the others
			errs[i] = r.processAccount(ctx, account, false)
			r.accountDone(errs[i])
			return nil
		})
	}
	_ = g.Wait()

	err = errors.Join(errs...)
	r.log.WithFields(logrus.Fields{
		"accounts": len(accounts),
		"failed":   r.Status().AccountsFailed,
	}).Info("Pipeline run finished")
	return err
}

// RunAccount runs every stage, including the profile refresh, for one account
func (r *Runner) RunAccount(ctx context.Context, handle string) error {
	run, err := r.claimAccount(ctx, handle)
	if err != nil {
		return err
	}
	return run()
}

// StartAccount claims the runner for one account and runs it in the background.
// It returns once the run is registered, so a second caller gets ErrRunInProgress.
func (r *Runner) StartAccount(ctx context.Context, handle string) error {
	run, err := r.claimAccount(ctx, handle)
	if err != nil {
		return err
	}

	go func() {
		if err := run(); err != nil {
			r.log.WithError(err).WithField("account", handle).Error("Account run failed")
		}
	}()
	return nil
}

// claimAccount marks the runner busy and resolves the account before any work starts
func (r *Runner) claimAccount(ctx context.Context, handle string) (func() error, error) {
	if err := r.begin(handle); err != nil {
		return nil, err
	}

	account, err := r.database.NewSession(ctx).AccountByHandle(handle)
	if err == nil && account == nil {
		err = fmt.Errorf("%w: %s", ErrUnknownAccount, handle)
	}
	if err != nil {
		r.finish(err)
		return nil, err
	}
	r.setTotal(1)

	return func() (err error) {
		defer func() { r.finish(err) }()

		err = r.processAccount(ctx, account, true)
		r.accountDone(err)
		return err
	}, nil
}

// Cleanup runs the maintenance pass. A real cleanup waits for no run to be active.
func (r *Runner) Cleanup(ctx context.Context, dryRun bool) (db.CleanupResult, error) {
	session := r.database.NewSession(ctx)
	if dryRun {
		return session.Cleanup(true)
	}

	if err := r.begin("cleanup"); err != nil {
		return db.CleanupResult{}, err
	}
	result, err := session.Cleanup(false)
	r.finish(err)
	return result, err
}

// refreshProfiles takes profile snapshots before the accounts fan out.
// Only an authentication failure that survives one token refresh stops the run.
func (r *Runner) refreshProfiles(ctx context.Context, session *db.Session, accounts []models.Account) error {
	for i := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}

		account := &accounts[i]
		err := r.withAuthRetry(ctx, account, func(token string) error {
			_, err := r.stages.Profiles.Refresh(ctx, session, account, token)
			return err
		})
		if err != nil {
			if api.IsAuthError(err) {
				return err
			}
			r.log.WithError(err).WithField("account", account.Handle).Warn("Failed to refresh profile")
		}
	}
	return nil
}

// processAccount owns a private session for the account's stages
func (r *Runner) processAccount(ctx context.Context, account *models.Account, withProfile bool) error {
	session := r.database.NewSession(ctx)
	start := time.Now()
	entry := r.log.WithField("account", account.Handle)
	entry.Info("Processing account")

	err := r.withAuthRetry(ctx, account, func(token string) error {
		return r.runStages(ctx, session, account, token, withProfile)
	})

	fields := logrus.Fields{"duration": time.Since(start).Round(time.Millisecond).String()}
	if err != nil {
		entry.WithFields(fields).WithError(err).Error("Account processed with errors")
		return fmt.Errorf("account %s: %w", account.Handle, err)
	}
	entry.WithFields(fields).Info("Account processed")
	return nil
}

// withAuthRetry runs fn with the current token, and once more with a fresh
// token when fn fails with an AuthError
func (r *Runner) withAuthRetry(ctx context.Context, account *models.Account, fn func(token string) error) error {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return err
	}

	err = fn(token)
	if !api.IsAuthError(err) {
		return err
	}

	r.log.WithField("account", account.Handle).WithError(err).Warn("Access token rejected, re-authenticating")
	token, refreshErr := r.tokens.Refresh(ctx)
	if refreshErr != nil {
		return errors.Join(err, refreshErr)
	}
	return fn(token)
}

type stage struct {
	name  string
	force *bool
	run   func(report progress.Func) error
}

// runStages executes the stages strictly in order. A failing stage is
// logged and the next one still runs; an AuthError stops the account.
func (r *Runner) runStages(ctx context.Context, session *db.Session, account *models.Account, token string, withProfile bool) error {
	entry := r.log.WithField("account", account.Handle)

	var stages []stage
	if withProfile {
		stages = append(stages, stage{
			name: "profile",
			run: func(progress.Func) error {
				_, err := r.stages.Profiles.Refresh(ctx, session, account, token)
				return err
			},
		})
	}
	stages = append(stages,
		stage{
			name:  "feed",
			force: &account.ForceFeedUpdate,
			run: func(report progress.Func) error {
				return r.stages.Feed.Crawl(ctx, session, account, token, report)
			},
		},
		stage{
			name:  "threads",
			force: &account.ForceReplyUpdate,
			run: func(report progress.Func) error {
				return r.stages.Threads.Run(ctx, session, account, token, report)
			},
		},
		stage{
			name:  "sentiment",
			force: &account.ForceSentimentUpdate,
			run: func(report progress.Func) error {
				return r.stages.Sentiment.Run(ctx, session, account, r.cfg.Tool, report)
			},
		},
		stage{
			name:  "statistics",
			force: &account.ForceStatistics,
			run: func(report progress.Func) error {
				return r.stages.Statistics.Run(ctx, session, account, report)
			},
		},
	)

	var errs []error
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		report := progress.Logger(entry, st.name, r.cfg.ProgressInterval)
		if err := st.run(report); err != nil {
			if api.IsAuthError(err) {
				return err
			}
			entry.WithError(err).WithField("stage", st.name).Error("Stage failed")
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			continue
		}

		if st.force != nil && *st.force {
			*st.force = false
			if err := session.SaveAccount(account); err != nil {
				errs = append(errs, fmt.Errorf("failed to clear %s force flag: %w", st.name, err))
				continue
			}
			entry.WithField("stage", st.name).Info("Cleared force flag")
		}
	}

	return errors.Join(errs...)
}

func (r *Runner) begin(scope string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.status.Running {
		return fmt.Errorf("%w (%s)", ErrRunInProgress, r.status.Scope)
	}

	now := time.Now().UTC()
	r.status = Status{
		Running:    true,
		Scope:      scope,
		LastStart:  &now,
		LastFinish: r.status.LastFinish,
		LastError:  r.status.LastError,
	}
	return nil
}

func (r *Runner) finish(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now().UTC()
	r.status.Running = false
	r.status.LastFinish = &now
	r.status.LastError = ""
	if err != nil {
		r.status.LastError = err.Error()
	}
}

func (r *Runner) setTotal(total int) {
	r.mutex.Lock()
	r.status.AccountsTotal = total
	r.mutex.Unlock()
}

func (r *Runner) accountDone(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.status.AccountsDone++
	if err != nil {
		r.status.AccountsFailed++
	}
}
