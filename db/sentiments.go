package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/brettboylen/bluesky-tracker/models"
)

const scoreBatchSize = 500

// SentimentFor returns the score a tool gave a post, or nil
func (s *Session) SentimentFor(postID, tool string) (*models.Sentiment, error) {
	return FetchOne[models.Sentiment](s, "post_id = ? AND tool = ?", postID, tool)
}

// UpsertSentiment stores the score of a post for a tool, replacing any earlier one
func (s *Session) UpsertSentiment(postID, tool string, score float64) error {
	row := models.Sentiment{
		ID:        uuid.NewString(),
		PostID:    postID,
		Tool:      tool,
		Score:     score,
		UpdatedAt: time.Now().UTC(),
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "post_id"}, {Name: "tool"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %s sentiment for post %s: %w", tool, postID, err)
	}
	return nil
}

// SentimentScores returns the tool's scores for the given posts. Posts without a score are absent.
func (s *Session) SentimentScores(postIDs []string, tool string) (map[string]float64, error) {
	scores := make(map[string]float64, len(postIDs))

	for start := 0; start < len(postIDs); start += scoreBatchSize {
		end := start + scoreBatchSize
		if end > len(postIDs) {
			end = len(postIDs)
		}

		rows, err := FetchMany[models.Sentiment](s, 0, 0, "", "tool = ? AND post_id IN ?", tool, postIDs[start:end])
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			scores[row.PostID] = row.Score
		}
	}

	return scores, nil
}
