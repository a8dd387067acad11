package db

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/brettboylen/bluesky-tracker/models"
)

// posts seen only as someone else's reply context
const orphanCondition = "account_id IS NULL AND parent_id IS NULL"

// roots whose remote reply count says there is something to fetch, but nothing is stored
const emptyTreeCondition = rootCondition + " AND reply_count > 0 AND reply_tree_checked = ? AND " +
	"NOT EXISTS (SELECT 1 FROM posts AS children WHERE children.parent_id = posts.id)"

// CleanupResult counts what a maintenance pass touched (or would touch)
type CleanupResult struct {
	OrphanPosts int64 `json:"orphan_posts"`
	ResetRoots  int64 `json:"reset_roots"`
	DryRun      bool  `json:"dry_run"`
}

// Cleanup removes orphan posts and re-opens roots whose reply tree came back
// empty. With dryRun set, it only counts.
func (s *Session) Cleanup(dryRun bool) (CleanupResult, error) {
	result := CleanupResult{DryRun: dryRun}

	orphans, err := Count[models.Post](s, orphanCondition)
	if err != nil {
		return result, err
	}
	resets, err := Count[models.Post](s, emptyTreeCondition, true)
	if err != nil {
		return result, err
	}
	result.OrphanPosts = orphans
	result.ResetRoots = resets

	if dryRun {
		s.log.WithFields(logrus.Fields{
			"orphan_posts": orphans,
			"reset_roots":  resets,
		}).Info("Cleanup dry run")
		return result, nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		orphanIDs := tx.Model(&models.Post{}).Select("id").Where(orphanCondition)
		if err := tx.Where("post_id IN (?)", orphanIDs).Delete(&models.Sentiment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("post_id IN (?)", orphanIDs).Delete(&models.Statistics{}).Error; err != nil {
			return err
		}

		deleted := tx.Where(orphanCondition).Delete(&models.Post{})
		if deleted.Error != nil {
			return deleted.Error
		}
		result.OrphanPosts = deleted.RowsAffected

		reset := tx.Model(&models.Post{}).Where(emptyTreeCondition, true).Update("reply_tree_checked", false)
		if reset.Error != nil {
			return reset.Error
		}
		result.ResetRoots = reset.RowsAffected
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("failed to clean up posts: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"orphan_posts": result.OrphanPosts,
		"reset_roots":  result.ResetRoots,
	}).Info("Cleanup completed")
	return result, nil
}
