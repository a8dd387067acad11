// Package thread rebuilds the reply forest below an account's root posts,
// fetching one level of replies per request.
package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/bluesky-tracker/api"
	"github.com/brettboylen/bluesky-tracker/db"
	"github.com/brettboylen/bluesky-tracker/models"
	"github.com/brettboylen/bluesky-tracker/progress"
)

const (
	defaultFreshnessWindow = 48 * time.Hour
	defaultMaxDepth        = 512
)

// Fetcher is the part of the API client the reconstructor needs
type Fetcher interface {
	GetPostThread(ctx context.Context, token, uri string) (*api.ThreadResponse, error)
}

// Store is the part of the persistence session the reconstructor needs
type Store interface {
	ThreadRoots(q db.RootQuery) ([]models.Post, error)
	PostByURI(uri string) (*models.Post, error)
	GetOrCreatePost(uri string) (*models.Post, bool, error)
	SavePost(post *models.Post) error
	Replies(parentID string) ([]models.Post, error)
	SaveAccount(account *models.Account) error
}

// Eligibility decides which roots an incremental run walks
type Eligibility struct {
	// checked roots younger than this are walked again
	FreshnessWindow time.Duration
	// skip roots created before the account's startAt
	RespectStartAt bool
}

// Config tunes the reconstructor
type Config struct {
	Eligibility Eligibility
	MaxDepth    int
}

// Reconstructor merges fetched replies into the stored forest
type Reconstructor struct {
	fetcher Fetcher
	cfg     Config
	log     *logrus.Logger
	now     func() time.Time
}

// NewReconstructor creates a thread reconstructor
func NewReconstructor(fetcher Fetcher, cfg Config, log *logrus.Logger) *Reconstructor {
	if cfg.Eligibility.FreshnessWindow <= 0 {
		cfg.Eligibility.FreshnessWindow = defaultFreshnessWindow
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}

	return &Reconstructor{
		fetcher: fetcher,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// SetClock replaces the reconstructor's notion of now
func (r *Reconstructor) SetClock(now func() time.Time) {
	r.now = now
}

// Run walks the reply tree of every eligible root of the account.
// An AuthError aborts the run; other failures are logged, the remaining
// roots are still walked, and the failures are returned joined.
func (r *Reconstructor) Run(ctx context.Context, store Store, account *models.Account, token string, report progress.Func) error {
	report = progress.Monotonic(report)
	now := r.now().UTC()
	entry := r.log.WithFields(logrus.Fields{
		"account": account.Handle,
		"stage":   "threads",
	})

	query := db.RootQuery{
		AccountID:  account.ID,
		All:        account.ForceReplyUpdate,
		FreshSince: now.Add(-r.cfg.Eligibility.FreshnessWindow),
	}
	if r.cfg.Eligibility.RespectStartAt {
		query.From = account.StartAt
	}

	roots, err := store.ThreadRoots(query)
	if err != nil {
		return fmt.Errorf("failed to select thread roots: %w", err)
	}
	entry.WithFields(logrus.Fields{
		"roots": len(roots),
		"force": account.ForceReplyUpdate,
	}).Info("Starting reply tree reconstruction")

	var errs []error
	for i := range roots {
		if err := ctx.Err(); err != nil {
			return err
		}

		root := &roots[i]
		if err := r.Reconstruct(ctx, store, root, account.ForceReplyUpdate, token); err != nil {
			if api.IsAuthError(err) {
				entry.WithError(err).Error("Authentication failed, aborting reply tree reconstruction")
				return err
			}
			entry.WithError(err).WithField("post_uri", root.URI).Warn("Reply tree incomplete")
			errs = append(errs, err)
		}
		report(progress.Fraction(i+1, len(roots)))
	}

	account.TimestampReplyTrees = &now
	if err := store.SaveAccount(account); err != nil {
		errs = append(errs, err)
	}

	report(1)
	entry.WithField("failed_roots", len(errs)).Info("Reply tree reconstruction finished")
	return errors.Join(errs...)
}

// Reconstruct fetches the replies of post, merges them, and recurses into
// every known child. With force set, known children are overwritten with
// the fetched values.
func (r *Reconstructor) Reconstruct(ctx context.Context, store Store, post *models.Post, force bool, token string) error {
	visited := make(map[string]bool)
	return r.reconstruct(ctx, store, post, force, token, 0, visited)
}

func (r *Reconstructor) reconstruct(ctx context.Context, store Store, post *models.Post, force bool, token string, depth int, visited map[string]bool) error {
	if visited[post.ID] {
		r.log.WithField("post_uri", post.URI).Warn("Reply tree loops back, skipping")
		return nil
	}
	visited[post.ID] = true

	if depth > r.cfg.MaxDepth {
		r.log.WithFields(logrus.Fields{
			"post_uri":  post.URI,
			"max_depth": r.cfg.MaxDepth,
		}).Warn("Reply tree too deep, not descending further")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var errs []error

	thread, err := r.fetcher.GetPostThread(ctx, token, post.URI)
	if err != nil {
		if api.IsAuthError(err) {
			return err
		}
		r.log.WithError(err).WithField("post_uri", post.URI).Warn("Failed to fetch replies")
		errs = append(errs, fmt.Errorf("post %s: %w", post.URI, err))
	} else {
		merged := true
		for _, reply := range thread.Replies() {
			if err := r.merge(store, post, &reply, force); err != nil {
				r.log.WithError(err).WithFields(logrus.Fields{
					"post_uri":  post.URI,
					"reply_uri": reply.URI,
				}).Warn("Failed to merge reply")
				errs = append(errs, err)
				merged = false
			}
		}

		if merged {
			post.ReplyTreeChecked = true
			if err := store.SavePost(post); err != nil {
				errs = append(errs, err)
			}
		}
	}

	children, err := store.Replies(post.ID)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for i := range children {
		if err := r.reconstruct(ctx, store, &children[i], force, token, depth+1, visited); err != nil {
			if api.IsAuthError(err) {
				return err
			}
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// merge stores one fetched reply below parent
func (r *Reconstructor) merge(store Store, parent *models.Post, view *api.PostView, force bool) error {
	rootID := parent.ID
	if parent.RootID != nil {
		rootID = *parent.RootID
	}

	existing, err := store.PostByURI(view.URI)
	if err != nil {
		return err
	}

	if existing != nil {
		changed := false
		if force {
			if err := view.ApplyTo(existing, r.now()); err != nil {
				r.log.WithError(err).WithField("post_uri", view.URI).Debug("Reply has no valid createdAt")
			}
			changed = true
		}
		// seen in the feed before its thread; never re-parent an attached post
		if existing.ParentID == nil && existing.ID != parent.ID && existing.ID != rootID {
			existing.ParentID = &parent.ID
			existing.RootID = &rootID
			if existing.AccountID == nil {
				existing.AccountID = parent.AccountID
			}
			changed = true
		}
		if !changed {
			return nil
		}
		return store.SavePost(existing)
	}

	child, _, err := store.GetOrCreatePost(view.URI)
	if err != nil {
		return err
	}
	if err := view.ApplyTo(child, r.now()); err != nil {
		r.log.WithError(err).WithField("post_uri", view.URI).Debug("Reply has no valid createdAt")
	}
	child.ParentID = &parent.ID
	child.RootID = &rootID
	child.AccountID = parent.AccountID

	return store.SavePost(child)
}
