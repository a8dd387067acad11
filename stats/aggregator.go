// Package stats computes the reply tree rollups of posts and the per-day rollups of accounts.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/bluesky-tracker/models"
	"github.com/brettboylen/bluesky-tracker/progress"
)

const defaultMaxDepth = 512

// Store is the part of the persistence session the aggregator needs
type Store interface {
	Replies(parentID string) ([]models.Post, error)
	RootPosts(accountID uint) ([]models.Post, error)
	SentimentScores(postIDs []string, tool string) (map[string]float64, error)
	ReplaceStatistics(stats *models.Statistics) error
	DeleteAccountStatistics(accountID uint) (int64, error)
	ReplaceDayStatistics(accountID uint, rows []models.DayStatistics) error
	SaveAccount(account *models.Account) error
}

// Aggregator rebuilds Statistics rows from the stored forest and sentiments
type Aggregator struct {
	tool     string
	maxDepth int
	log      *logrus.Logger
	now      func() time.Time
}

// NewAggregator creates an aggregator averaging the scores of tool
func NewAggregator(tool string, log *logrus.Logger) *Aggregator {
	return &Aggregator{
		tool:     tool,
		maxDepth: defaultMaxDepth,
		log:      log,
		now:      time.Now,
	}
}

// node is a post with its loaded subtree
type node struct {
	post     models.Post
	children []*node
}

// rollup carries what a parent needs from a computed subtree
type rollup struct {
	stats      *models.Statistics
	scoreSum   float64 // over all descendants
	scoreCount int
}

// Recompute rebuilds the statistics of post and of every post below it,
// children before parents, and returns the post's own statistics.
func (a *Aggregator) Recompute(ctx context.Context, store Store, post *models.Post) (*models.Statistics, error) {
	result, err := a.recompute(ctx, store, post)
	if err != nil {
		return nil, err
	}
	return result.stats, nil
}

func (a *Aggregator) recompute(ctx context.Context, store Store, post *models.Post) (rollup, error) {
	visited := make(map[string]bool)
	var ids []string

	tree, err := a.load(ctx, store, *post, 0, visited, &ids)
	if err != nil {
		return rollup{}, err
	}

	scores, err := store.SentimentScores(ids, a.tool)
	if err != nil {
		return rollup{}, fmt.Errorf("failed to load sentiment scores: %w", err)
	}

	return a.compute(store, tree, scores, a.now().UTC())
}

// load reads the subtree below post, bounded by depth and guarded against loops
func (a *Aggregator) load(ctx context.Context, store Store, post models.Post, depth int, visited map[string]bool, ids *[]string) (*node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	visited[post.ID] = true
	*ids = append(*ids, post.ID)
	n := &node{post: post}

	if depth >= a.maxDepth {
		a.log.WithField("post_uri", post.URI).Warn("Reply tree too deep, truncating statistics")
		return n, nil
	}

	children, err := store.Replies(post.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load replies of %s: %w", post.URI, err)
	}
	for _, child := range children {
		if visited[child.ID] {
			continue
		}
		sub, err := a.load(ctx, store, child, depth+1, visited, ids)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, sub)
	}
	return n, nil
}

// compute writes the statistics of n's subtree in post-order
func (a *Aggregator) compute(store Store, n *node, scores map[string]float64, now time.Time) (rollup, error) {
	stats := &models.Statistics{
		PostID:            n.post.ID,
		AccountID:         n.post.AccountID,
		CountedAllReplies: n.post.ReplyTreeChecked,
		Tool:              a.tool,
		ComputedAt:        now,
	}
	result := rollup{stats: stats}

	for _, child := range n.children {
		sub, err := a.compute(store, child, scores, now)
		if err != nil {
			return rollup{}, err
		}

		stats.NrOfReplies++
		stats.TotalNumberOfReplies += 1 + sub.stats.TotalNumberOfReplies
		if depth := 1 + sub.stats.ReplyTreeDepth; depth > stats.ReplyTreeDepth {
			stats.ReplyTreeDepth = depth
		}
		stats.CountedAllReplies = stats.CountedAllReplies && sub.stats.CountedAllReplies

		// an unscored reply counts as neutral
		result.scoreSum += sub.scoreSum + scores[child.post.ID]
		result.scoreCount += sub.scoreCount + 1
	}

	if result.scoreCount > 0 {
		stats.AvgSentimentReplies = result.scoreSum / float64(result.scoreCount)
	}

	if err := store.ReplaceStatistics(stats); err != nil {
		return rollup{}, err
	}
	return result, nil
}

// Run recomputes every root of the account, then its per-day rollups.
// A failed root is logged and skipped; failures are returned joined.
func (a *Aggregator) Run(ctx context.Context, store Store, account *models.Account, report progress.Func) error {
	report = progress.Monotonic(report)
	entry := a.log.WithFields(logrus.Fields{
		"account": account.Handle,
		"stage":   "statistics",
	})

	if account.ForceStatistics {
		deleted, err := store.DeleteAccountStatistics(account.ID)
		if err != nil {
			return err
		}
		entry.WithField("deleted", deleted).Info("Dropped cached statistics")
	}

	roots, err := store.RootPosts(account.ID)
	if err != nil {
		return fmt.Errorf("failed to load root posts: %w", err)
	}
	entry.WithField("roots", len(roots)).Info("Starting statistics aggregation")

	rootIDs := make([]string, 0, len(roots))
	for _, root := range roots {
		rootIDs = append(rootIDs, root.ID)
	}
	rootScores, err := store.SentimentScores(rootIDs, a.tool)
	if err != nil {
		return fmt.Errorf("failed to load root sentiment scores: %w", err)
	}

	var errs []error
	summaries := make([]RootSummary, 0, len(roots))
	for i := range roots {
		if err := ctx.Err(); err != nil {
			return err
		}

		root := &roots[i]
		result, err := a.recompute(ctx, store, root)
		if err != nil {
			entry.WithError(err).WithField("post_uri", root.URI).Warn("Failed to compute statistics")
			errs = append(errs, err)
		} else if root.CreatedAt != nil {
			summary := RootSummary{
				CreatedAt:       *root.CreatedAt,
				Replies:         result.stats.TotalNumberOfReplies,
				ReplyScoreSum:   result.scoreSum,
				ReplyScoreCount: result.scoreCount,
			}
			if score, ok := rootScores[root.ID]; ok {
				summary.Score = &score
			}
			summaries = append(summaries, summary)
		}
		report(progress.Fraction(i+1, len(roots)))
	}

	days := BuildDayStatistics(account.ID, a.tool, summaries)
	if err := store.ReplaceDayStatistics(account.ID, days); err != nil {
		errs = append(errs, err)
	}

	now := a.now().UTC()
	account.TimestampStatistics = &now
	if err := store.SaveAccount(account); err != nil {
		errs = append(errs, err)
	}

	report(1)
	entry.WithFields(logrus.Fields{
		"days":         len(days),
		"failed_roots": len(errs),
	}).Info("Statistics aggregation finished")
	return errors.Join(errs...)
}
