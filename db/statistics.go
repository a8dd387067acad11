package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/brettboylen/bluesky-tracker/models"
)

// StatisticsFor returns the cached rollups of a post, or nil
func (s *Session) StatisticsFor(postID string) (*models.Statistics, error) {
	return FetchOne[models.Statistics](s, "post_id = ?", postID)
}

// StatisticsForPosts returns the cached rollups of the given posts keyed by post id
func (s *Session) StatisticsForPosts(postIDs []string) (map[string]models.Statistics, error) {
	result := make(map[string]models.Statistics, len(postIDs))
	if len(postIDs) == 0 {
		return result, nil
	}

	rows, err := FetchMany[models.Statistics](s, 0, 0, "", "post_id IN ?", postIDs)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.PostID] = row
	}
	return result, nil
}

// ReplaceStatistics deletes the post's rollups and writes the new ones
func (s *Session) ReplaceStatistics(stats *models.Statistics) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", stats.PostID).Delete(&models.Statistics{}).Error; err != nil {
			return err
		}
		return tx.Create(stats).Error
	})
	if err != nil {
		return fmt.Errorf("failed to replace statistics for post %s: %w", stats.PostID, err)
	}
	return nil
}

// DeleteAccountStatistics drops every cached rollup of an account
func (s *Session) DeleteAccountStatistics(accountID uint) (int64, error) {
	result := s.db.Where("account_id = ?", accountID).Delete(&models.Statistics{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete statistics for account %d: %w", accountID, result.Error)
	}
	return result.RowsAffected, nil
}

// ReplaceDayStatistics swaps the account's per-day rollups for rows
func (s *Session) ReplaceDayStatistics(accountID uint, rows []models.DayStatistics) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&models.DayStatistics{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return fmt.Errorf("failed to replace day statistics for account %d: %w", accountID, err)
	}
	return nil
}

// DayStatisticsFor returns an account's per-day rollups, newest first
func (s *Session) DayStatisticsFor(accountID uint) ([]models.DayStatistics, error) {
	return FetchMany[models.DayStatistics](s, 0, 0, "day DESC", "account_id = ?", accountID)
}
