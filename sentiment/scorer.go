package sentiment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/bluesky-tracker/models"
	"github.com/brettboylen/bluesky-tracker/progress"
)

const defaultBatchSize = 100

var lineBreaks = regexp.MustCompile(`\r?\n`)

// Store is the part of the persistence session the scorer needs
type Store interface {
	UpsertSentiment(postID, tool string, score float64) error
	PostsNeedingSentiment(accountID uint, tool, afterID string, limit int, all bool) ([]models.Post, error)
	CountPostsNeedingSentiment(accountID uint, tool string, all bool) (int64, error)
	SaveAccount(account *models.Account) error
}

// Service scores posts with the tools of a registry
type Service struct {
	registry  *Registry
	batchSize int
	log       *logrus.Logger
	now       func() time.Time
}

// NewService creates a scoring service
func NewService(registry *Registry, log *logrus.Logger) *Service {
	return &Service{
		registry:  registry,
		batchSize: defaultBatchSize,
		log:       log,
		now:       time.Now,
	}
}

// Registry returns the service's tool registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// Score stores the tool's score of post. Empty text and unusable scores are a no-op.
func (s *Service) Score(ctx context.Context, store Store, post *models.Post, tool string) error {
	scorer, err := s.registry.Get(tool)
	if err != nil {
		return err
	}

	text := strings.TrimSpace(lineBreaks.ReplaceAllString(post.Text, " "))
	if text == "" {
		return nil
	}

	score, ok, err := scorer.Score(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to score post %s with %s: %w", post.URI, tool, err)
	}
	if !ok {
		s.log.WithFields(logrus.Fields{
			"post_uri": post.URI,
			"tool":     tool,
		}).Debug("No usable sentiment score")
		return nil
	}

	return store.UpsertSentiment(post.ID, tool, score)
}

// Run scores every post of the account that has no score for tool yet, or
// every post with text when the account asks for a forced update
func (s *Service) Run(ctx context.Context, store Store, account *models.Account, tool string, report progress.Func) error {
	report = progress.Monotonic(report)
	entry := s.log.WithFields(logrus.Fields{
		"account": account.Handle,
		"stage":   "sentiment",
		"tool":    tool,
	})

	if _, err := s.registry.Get(tool); err != nil {
		return err
	}

	all := account.ForceSentimentUpdate
	total, err := store.CountPostsNeedingSentiment(account.ID, tool, all)
	if err != nil {
		return err
	}
	entry.WithFields(logrus.Fields{
		"posts": total,
		"force": all,
	}).Info("Starting sentiment scoring")

	var errs []error
	done := 0
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := store.PostsNeedingSentiment(account.ID, tool, afterID, s.batchSize, all)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			post := &batch[i]
			if err := s.Score(ctx, store, post, tool); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				entry.WithError(err).WithField("post_uri", post.URI).Warn("Failed to score post")
				errs = append(errs, err)
			}
			done++
			report(progress.Fraction(done, int(total)))
		}
		afterID = batch[len(batch)-1].ID
	}

	now := s.now().UTC()
	account.TimestampSentiment = &now
	if err := store.SaveAccount(account); err != nil {
		errs = append(errs, err)
	}

	report(1)
	entry.WithFields(logrus.Fields{
		"scored": done,
		"failed": len(errs),
	}).Info("Sentiment scoring finished")
	return errors.Join(errs...)
}
